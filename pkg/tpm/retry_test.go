package tpm_test

import (
	"errors"
	"testing"

	"github.com/DIMO-Network/tpm-attestation/pkg/tpm"
	"github.com/DIMO-Network/tpm-attestation/pkg/tpm/simulator"
	"github.com/stretchr/testify/require"
)

func newSimulator(t *testing.T) *simulator.Simulator {
	t.Helper()
	sim, err := simulator.New(simulator.Options{KeyBits: 1024})
	require.NoError(t, err)
	return sim
}

func TestRetrying(t *testing.T) {
	t.Parallel()

	t.Run("transient failures are retried once after reload", func(t *testing.T) {
		t.Parallel()
		for _, action := range []tpm.RetryAction{tpm.RetryCommFailure, tpm.RetryInvalidHandle, tpm.RetryLoadFail} {
			sim := newSimulator(t)
			sim.FailNext(simulator.OpGetRandomData, action)

			out, err := tpm.NewRetrying(sim).GetRandomData(t.Context(), 20)
			require.NoError(t, err, action.String())
			require.Len(t, out, 20)
			require.Equal(t, 2, sim.Calls(simulator.OpGetRandomData))
			require.Equal(t, 1, sim.Reloads())
		}
	})

	t.Run("second transient failure surfaces", func(t *testing.T) {
		t.Parallel()
		sim := newSimulator(t)
		sim.FailNext(simulator.OpReadPCR, tpm.RetryCommFailure, tpm.RetryLoadFail)

		_, err := tpm.NewRetrying(sim).ReadPCR(t.Context(), 0)
		require.Error(t, err)
		require.Equal(t, tpm.RetryLoadFail, tpm.ActionOf(err))
		require.Equal(t, 2, sim.Calls(simulator.OpReadPCR))
		require.Equal(t, 1, sim.Reloads())
	})

	t.Run("non transient failures are not retried", func(t *testing.T) {
		t.Parallel()
		for _, action := range []tpm.RetryAction{tpm.RetryDefendLock, tpm.RetryReboot, tpm.RetryFatal, tpm.RetryFailNoRetry} {
			sim := newSimulator(t)
			sim.FailNext(simulator.OpExtendPCR, action)

			err := tpm.NewRetrying(sim).ExtendPCR(t.Context(), 1, []byte("x"))
			require.Error(t, err)
			require.Equal(t, action, tpm.ActionOf(err))
			require.Equal(t, 1, sim.Calls(simulator.OpExtendPCR))
			require.Zero(t, sim.Reloads())
		}
	})

	t.Run("sealed key survives a retry", func(t *testing.T) {
		t.Parallel()
		sim := newSimulator(t)
		sim.FailNext(simulator.OpCreateSealedKey, tpm.RetryCommFailure)
		retrying := tpm.NewRetrying(sim)

		key, sealed, err := retrying.CreateSealedKey(t.Context(), 32)
		require.NoError(t, err)
		unsealed, err := retrying.Unseal(t.Context(), sealed)
		require.NoError(t, err)
		require.Equal(t, key, unsealed)
	})
}

func TestActionOf(t *testing.T) {
	t.Parallel()
	require.Equal(t, tpm.RetryNone, tpm.ActionOf(nil))
	require.Equal(t, tpm.RetryFailNoRetry, tpm.ActionOf(errors.New("boom")))
	require.Equal(t, tpm.RetryReboot, tpm.ActionOf(&tpm.Error{Op: "sign", Action: tpm.RetryReboot}))
	require.True(t, tpm.RetryLoadFail.Retryable())
	require.False(t, tpm.RetryDefendLock.Retryable())
}
