package attestation

import (
	"context"

	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

// EnrollmentTask is a background preparation or enrollment.
type EnrollmentTask struct {
	ID   uuid.UUID
	done chan struct{}
	err  error
}

// Done is closed when the task finishes.
func (t *EnrollmentTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result once Done is closed, nil before.
func (t *EnrollmentTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *EnrollmentTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartPreparation runs PrepareForEnrollment in the background. When a task
// is already outstanding it is returned with false and nothing new starts.
func (e *Engine) StartPreparation(ctx context.Context) (*EnrollmentTask, bool) {
	return e.spawn(ctx, e.PrepareForEnrollment)
}

// StartEnrollment prepares and, unless already enrolled, enrolls with t in
// the background. When a task is already outstanding it is returned with
// false and nothing new starts.
func (e *Engine) StartEnrollment(ctx context.Context, t pca.Type) (*EnrollmentTask, bool) {
	return e.spawn(ctx, func(ctx context.Context) error {
		if err := e.PrepareForEnrollment(ctx); err != nil {
			return err
		}
		if e.HasIdentityCertificate(t) {
			return nil
		}
		return e.EnrollWithPCA(ctx, t)
	})
}

// Task returns the most recent background task, if any.
func (e *Engine) Task() *EnrollmentTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

func (e *Engine) spawn(ctx context.Context, fn func(context.Context) error) (*EnrollmentTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task != nil {
		select {
		case <-e.task.done:
		default:
			return e.task, false
		}
	}
	task := &EnrollmentTask{ID: uuid.Must(uuid.NewV4()), done: make(chan struct{})}
	e.task = task
	// Once started the task runs to completion.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(task.done)
		logger := zerolog.Ctx(ctx).With().Str("component", "enrollment").Stringer("task", task.ID).Logger()
		task.err = fn(logger.WithContext(ctx))
		if task.err != nil {
			logger.Warn().Err(task.err).Msg("Enrollment task failed.")
			return
		}
		logger.Info().Msg("Enrollment task finished.")
	}()
	return task, true
}
