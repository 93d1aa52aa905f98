package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/DIMO-Network/tpm-attestation/pkg/scheduler"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

// fakeEnroller reports enrolled after enrollAfter started tasks.
type fakeEnroller struct {
	mu          sync.Mutex
	enrollAfter int
	starts      int
	types       []pca.Type
}

func (f *fakeEnroller) IsEnrolledWithPCA(pca.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrollAfter > 0 && f.starts >= f.enrollAfter
}

func (f *fakeEnroller) StartEnrollment(_ context.Context, t pca.Type) (*attestation.EnrollmentTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.types = append(f.types, t)
	return &attestation.EnrollmentTask{ID: uuid.Must(uuid.NewV4())}, true
}

func (f *fakeEnroller) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func TestNewScheduler(t *testing.T) {
	t.Parallel()

	t.Run("valid settings", func(t *testing.T) {
		t.Parallel()
		s, err := scheduler.New(&fakeEnroller{}, pca.Default, time.Second)
		require.NoError(t, err)
		require.NotNil(t, s)
	})

	t.Run("zero interval", func(t *testing.T) {
		t.Parallel()
		s, err := scheduler.New(&fakeEnroller{}, pca.Default, 0)
		require.ErrorIs(t, err, scheduler.ErrIntervalRequired)
		require.Nil(t, s)
	})

	t.Run("nil enroller", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(nil, pca.Default, time.Second)
		require.ErrorIs(t, err, scheduler.ErrEnrollerRequired)
	})
}

func TestSchedulerStartsImmediately(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	s, err := scheduler.New(enroller, pca.Test, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error)
	go func() {
		errCh <- s.Start(ctx)
	}()

	require.Eventually(t, func() bool { return enroller.Starts() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err, "scheduler should return nil error when context is canceled")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scheduler to exit after cancellation")
	}
	require.Equal(t, []pca.Type{pca.Test}, enroller.types)
}

func TestSchedulerStopsTriggeringOnceEnrolled(t *testing.T) {
	t.Parallel()
	interval := 20 * time.Millisecond
	enroller := &fakeEnroller{enrollAfter: 3}
	s, err := scheduler.New(enroller, pca.Default, interval)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error)
	go func() {
		errCh <- s.Start(ctx)
	}()

	require.Eventually(t, func() bool { return enroller.Starts() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(interval * 5)
	require.Equal(t, 3, enroller.Starts())

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scheduler to exit after cancellation")
	}
}
