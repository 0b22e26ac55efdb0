package execution

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/pds/pkg/models"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultMaxConcurrentJobs = 5
)

// Claimer hands out jobs of this server's group.
type Claimer interface {
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	CountJobsInState(ctx context.Context, state models.JobState) (int, error)
}

// JobRunner executes one claimed job.
type JobRunner interface {
	Run(ctx context.Context, j *models.Job)
}

// Scheduler polls for READY_TO_START jobs and runs at most maxConcurrent of
// them at a time.
type Scheduler struct {
	claimer       Claimer
	runner        JobRunner
	maxConcurrent int
	interval      time.Duration

	active atomic.Int64
	wg     sync.WaitGroup
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

func WithMaxConcurrentJobs(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxConcurrent = n }
}

// NewScheduler creates a Scheduler with the default poll interval and capacity.
func NewScheduler(claimer Claimer, runner JobRunner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		claimer:       claimer,
		runner:        runner,
		maxConcurrent: DefaultMaxConcurrentJobs,
		interval:      DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is canceled and then waits for the running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("job scheduler started", "interval", s.interval, "max_concurrent_jobs", s.maxConcurrent)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("job scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims jobs until capacity is used up or nothing is claimable.
func (s *Scheduler) Poll(ctx context.Context) {
	for ctx.Err() == nil && s.Active() < s.maxConcurrent {
		// Jobs claimed but not yet started count against the group's capacity.
		queued, err := s.claimer.CountJobsInState(ctx, models.JobStateQueued)
		if err != nil {
			slog.ErrorContext(ctx, "cannot count queued jobs", "error", err)
			return
		}
		if queued >= s.maxConcurrent {
			slog.DebugContext(ctx, "queue saturated, not claiming", "queued", queued)
			return
		}

		j, err := s.claimer.ClaimNextJob(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "cannot claim next job", "error", err)
			return
		}
		if j == nil {
			return
		}
		slog.InfoContext(ctx, "job claimed", "job_id", j.ID)
		s.start(ctx, j)
	}
}

// Active returns how many jobs this scheduler is running.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) start(ctx context.Context, j *models.Job) {
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.runner.Run(ctx, j)
	}()
}
