// Package scheduler keeps a device enrolled by periodically starting a
// background enrollment while it is not.
package scheduler

import (
	"context"
	"time"

	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
	"github.com/DIMO-Network/tpm-attestation/pkg/pca"
	"github.com/rs/zerolog"
)

// SchedulerError is a typed error for scheduler-related errors.
type SchedulerError string

func (e SchedulerError) Error() string { return string(e) }

const (
	// ErrIntervalRequired is returned when the interval is not positive.
	ErrIntervalRequired = SchedulerError("scheduler interval is required")
	// ErrEnrollerRequired is returned when no enroller is given.
	ErrEnrollerRequired = SchedulerError("scheduler enroller is required")
)

// Enroller starts background enrollments.
type Enroller interface {
	IsEnrolledWithPCA(t pca.Type) bool
	StartEnrollment(ctx context.Context, t pca.Type) (*attestation.EnrollmentTask, bool)
}

// Scheduler triggers enrollment with one Privacy CA until it succeeds, and
// again whenever the enrollment is lost.
type Scheduler struct {
	enroller Enroller
	pca      pca.Type
	interval time.Duration
}

// New creates a scheduler enrolling with t every interval.
func New(enroller Enroller, t pca.Type, interval time.Duration) (*Scheduler, error) {
	if enroller == nil {
		return nil, ErrEnrollerRequired
	}
	if interval <= 0 {
		return nil, ErrIntervalRequired
	}
	return &Scheduler{enroller: enroller, pca: t, interval: interval}, nil
}

// Start runs until ctx is done, checking immediately and then every
// interval. It returns nil when the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("component", "scheduler").Stringer("pca", s.pca).Logger()
	ctx = logger.WithContext(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.enroller.IsEnrolledWithPCA(s.pca) {
		return
	}
	task, started := s.enroller.StartEnrollment(ctx, s.pca)
	if started {
		zerolog.Ctx(ctx).Info().Stringer("task", task.ID).Msg("Started enrollment.")
		return
	}
	zerolog.Ctx(ctx).Debug().Stringer("task", task.ID).Msg("Enrollment already in progress.")
}
