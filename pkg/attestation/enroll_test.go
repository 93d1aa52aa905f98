package attestation_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/stretchr/testify/require"
)

// gatedTPM holds MakeIdentity until release is closed while armed is set.
type gatedTPM struct {
	tpm.TPM
	armed   atomic.Bool
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedTPM() *gatedTPM {
	return &gatedTPM{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedTPM) MakeIdentity(ctx context.Context) (*tpm.Identity, error) {
	g.calls.Add(1)
	if g.armed.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.TPM.MakeIdentity(ctx)
}

func withGate(g *gatedTPM) func(*fixture) {
	return func(f *fixture) {
		g.TPM = f.cfg.TPM
		f.cfg.TPM = g
	}
}

func TestConcurrentPrepare(t *testing.T) {
	t.Parallel()
	gate := newGatedTPM()
	f := newFixture(t, withGate(gate))
	ctx := t.Context()
	gate.armed.Store(true)

	const callers = 8
	results := make(chan error, callers)
	for range callers {
		go func() {
			results <- f.engine.PrepareForEnrollment(ctx)
		}()
	}
	<-gate.entered

	// Every caller but the one inside MakeIdentity is turned away.
	for range callers - 1 {
		require.ErrorIs(t, <-results, attestation.ErrPreparationInProgress)
	}
	close(gate.release)
	require.NoError(t, <-results)
	require.Equal(t, int32(1), gate.calls.Load())
	require.True(t, f.engine.IsPreparedForEnrollment())

	// The guard is reset once preparation finishes.
	require.NoError(t, f.engine.PrepareForEnrollment(ctx))
	require.Equal(t, int32(1), gate.calls.Load())
}

func TestCloseDuringPreparation(t *testing.T) {
	t.Parallel()
	gate := newGatedTPM()
	f := newFixture(t, withGate(gate))
	ctx := t.Context()
	const origin = "https://media.example.com"

	index, err := f.engine.ChooseTemporalIndex(ctx, "alice", origin)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	gate.armed.Store(true)
	task, started := f.engine.StartPreparation(ctx)
	require.True(t, started)
	<-gate.entered
	f.engine.Close()
	close(gate.release)

	require.ErrorIs(t, task.Wait(ctx), attestation.ErrNotInitialized)
	require.False(t, f.engine.IsPreparedForEnrollment())

	// The persisted database still holds alice's record.
	gate.armed.Store(false)
	engine := f.open(t)
	require.False(t, engine.IsPreparedForEnrollment())
	index, err = engine.ChooseTemporalIndex(ctx, "bob", origin)
	require.NoError(t, err)
	require.Equal(t, 1, index)
}
