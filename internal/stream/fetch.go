package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/pkg/models"
)

var ErrRefreshTimeout = errors.New("stream refresh timed out")

const (
	DefaultRefreshInterval = 500 * time.Millisecond
	DefaultRefreshRetries  = 10
)

// JobReader loads a job by id.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// RefreshRequester stamps a job's refresh request time.
type RefreshRequester interface {
	RequestStreamRefresh(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// FetchService is the read side of the stream protocol.
type FetchService struct {
	jobs      JobReader
	requester RefreshRequester
	checker   UpdateChecker
	interval  time.Duration
	retries   int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// FetchOption customizes a FetchService.
type FetchOption func(*FetchService)

func WithCacheWindow(d time.Duration) FetchOption {
	return func(s *FetchService) { s.checker = NewUpdateChecker(d) }
}

func WithRefreshPolling(interval time.Duration, retries int) FetchOption {
	return func(s *FetchService) {
		s.interval = interval
		s.retries = retries
	}
}

func WithClock(now func() time.Time) FetchOption {
	return func(s *FetchService) { s.now = now }
}

// WithSleep replaces the wait between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) FetchOption {
	return func(s *FetchService) { s.sleep = sleep }
}

// NewFetchService creates the read side of the stream protocol.
func NewFetchService(jobs JobReader, requester RefreshRequester, opts ...FetchOption) *FetchService {
	s := &FetchService{
		jobs:      jobs,
		requester: requester,
		checker:   NewUpdateChecker(DefaultCacheWindow),
		interval:  DefaultRefreshInterval,
		retries:   DefaultRefreshRetries,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FetchService) GetJobOutputStream(ctx context.Context, id uuid.UUID) (string, error) {
	return s.fetch(ctx, id, func(j *models.Job) string { return j.OutputStreamText })
}

func (s *FetchService) GetJobErrorStream(ctx context.Context, id uuid.UUID) (string, error) {
	return s.fetch(ctx, id, func(j *models.Job) string { return j.ErrorStreamText })
}

func (s *FetchService) GetJobMetaData(ctx context.Context, id uuid.UUID) (string, error) {
	return s.fetch(ctx, id, func(j *models.Job) string { return j.MetaDataText })
}

func (s *FetchService) fetch(ctx context.Context, id uuid.UUID, field func(*models.Job) string) (string, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if s.checker.IsFresh(j, s.now()) {
		return field(j), nil
	}

	j, err = s.requester.RequestStreamRefresh(ctx, id)
	if err != nil {
		return "", fmt.Errorf("request stream refresh: %w", err)
	}
	requested := *j.LastStreamTextRefreshRequest
	slog.DebugContext(ctx, "stream refresh requested", "job_id", id, "requested_at", requested)

	for i := 0; i < s.retries; i++ {
		if err := s.sleep(ctx, s.interval); err != nil {
			return "", err
		}
		j, err = s.jobs.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if s.checker.IsUpdateAvailable(j, requested) {
			return field(j), nil
		}
	}

	return "", fmt.Errorf("%w: job %s: no update after %s (%d retries, interval %s)",
		ErrRefreshTimeout, id, time.Duration(s.retries)*s.interval, s.retries, s.interval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
