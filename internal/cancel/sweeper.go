package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/execution"
	"github.com/kiranshivaraju/pds/pkg/models"
)

const (
	DefaultOrphanThreshold = 60 * time.Minute
	DefaultInterval        = 24 * time.Hour
	DefaultMaxInitialDelay = 60 * time.Second
)

// JobStore is the read and purge access the sweeper needs.
type JobStore interface {
	ListJobsInState(ctx context.Context, state models.JobState) ([]*models.Job, error)
	DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Registry is the local execution registry.
type Registry interface {
	TryCancel(ctx context.Context, id uuid.UUID) execution.CancelOutcome
}

// ForceCanceler cancels a job without the state guard.
type ForceCanceler interface {
	ForceCancel(ctx context.Context, id uuid.UUID) error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Inspected     int
	CanceledHere  int
	AlreadyDone   int
	Orphans       int
	ForceCanceled int
	Purged        int64
}

// Sweeper periodically resolves CANCEL_REQUESTED jobs. Jobs this server
// executes are stopped through the registry; jobs nobody executes are force
// canceled once they are older than the orphan threshold.
type Sweeper struct {
	jobs     JobStore
	registry Registry
	tx       ForceCanceler

	threshold       time.Duration
	interval        time.Duration
	maxInitialDelay time.Duration
	retention       time.Duration
	now             func() time.Time
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

func WithOrphanThreshold(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.threshold = d }
}

// WithSchedule sets the sweep interval and the upper bound of the random delay
// before the first sweep.
func WithSchedule(interval, maxInitialDelay time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
		s.maxInitialDelay = maxInitialDelay
	}
}

// WithRetention enables deleting jobs created more than d ago. Zero disables it.
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retention = d }
}

func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper resolving CANCEL_REQUESTED jobs.
func NewSweeper(jobs JobStore, registry Registry, tx ForceCanceler, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		jobs:            jobs,
		registry:        registry,
		tx:              tx,
		threshold:       DefaultOrphanThreshold,
		interval:        DefaultInterval,
		maxInitialDelay: DefaultMaxInitialDelay,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps after a random initial delay and then every interval until ctx
// is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	var initial time.Duration
	if s.maxInitialDelay > 0 {
		initial = rand.N(s.maxInitialDelay)
	}
	slog.Info("cancel sweeper started", "initial_delay", initial, "interval", s.interval)

	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cancel sweeper stopped")
			return nil
		case <-timer.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "cancel sweep failed", "error", err)
			} else {
				slog.InfoContext(ctx, "cancel sweep finished",
					"inspected", report.Inspected,
					"canceled_here", report.CanceledHere,
					"orphans", report.Orphans,
					"force_canceled", report.ForceCanceled,
					"purged", report.Purged)
			}
			timer.Reset(s.interval)
		}
	}
}

// SweepOnce inspects every CANCEL_REQUESTED job once. Failures on single jobs
// do not stop the sweep; they are joined into the returned error.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	jobs, err := s.jobs.ListJobsInState(ctx, models.JobStateCancelRequested)
	if err != nil {
		return report, fmt.Errorf("list cancel requested jobs: %w", err)
	}

	now := s.now()
	var errs []error
	for _, j := range jobs {
		report.Inspected++
		switch outcome := s.registry.TryCancel(ctx, j.ID); outcome {
		case execution.CancelOutcomeCanceledNow:
			report.CanceledHere++
		case execution.CancelOutcomeAlreadyDone:
			report.AlreadyDone++
		case execution.CancelOutcomeNotFoundLocally:
			report.Orphans++
			age := now.Sub(j.Created)
			if age <= s.threshold {
				continue
			}
			slog.WarnContext(ctx, "force canceling orphaned cancel request", "job_id", j.ID, "age", age)
			if err := s.tx.ForceCancel(ctx, j.ID); err != nil {
				errs = append(errs, fmt.Errorf("force cancel job %s: %w", j.ID, err))
				continue
			}
			report.ForceCanceled++
		}
	}

	if s.retention > 0 {
		n, err := s.jobs.DeleteJobsOlderThan(ctx, now.Add(-s.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge expired jobs: %w", err))
		}
		report.Purged = n
	}

	return report, errors.Join(errs...)
}
