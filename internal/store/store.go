package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/retry"
	"github.com/kiranshivaraju/pds/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConcurrencyConflict is returned when a write's expected version no longer
// matches the stored row. It wraps retry.ErrConflict.
var ErrConcurrencyConflict = fmt.Errorf("job version mismatch: %w", retry.ErrConflict)

// Store is the job repository. Every job mutation goes through UpdateJob and
// is checked against the row version.
type Store interface {
	Ping(ctx context.Context) error

	// InTx runs fn inside a new, independent transaction. fn receives a Store
	// bound to that transaction; returning an error rolls it back.
	InTx(ctx context.Context, fn func(tx Store) error) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// UpdateJob writes every mutable field of job if job.Version matches the
	// stored version, then increments job.Version.
	UpdateJob(ctx context.Context, job *models.Job) error

	// NextJobToExecute returns the oldest READY_TO_START job of serverID. The
	// read forces a version increment so only one concurrent claimant can
	// commit a follow-up write.
	NextJobToExecute(ctx context.Context, serverID string) (*models.Job, error)
	CountJobsInState(ctx context.Context, serverID string, state models.JobState) (int, error)
	ListJobsInState(ctx context.Context, state models.JobState) ([]*models.Job, error)
	DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error)
}
