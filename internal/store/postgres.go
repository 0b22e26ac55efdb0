package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx always begins a fresh transaction on the pool, even when s is already
// bound to one, so the work commits independently of any caller transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationError(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `id, owner, server_id, state, created, started, ended,
	encrypted_configuration, encryption_initial_vector, result,
	output_stream_text, error_stream_text, meta_data_text,
	last_stream_text_refresh_request, last_stream_text_update, messages, version`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var state string
	err := row.Scan(&j.ID, &j.Owner, &j.ServerID, &state, &j.Created, &j.Started, &j.Ended,
		&j.EncryptedConfiguration, &j.EncryptionInitialVector, &j.Result,
		&j.OutputStreamText, &j.ErrorStreamText, &j.MetaDataText,
		&j.LastStreamTextRefreshRequest, &j.LastStreamTextUpdate, &j.Messages, &j.Version)
	if err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Created.IsZero() {
		job.Created = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO jobs (id, owner, server_id, state, created, encrypted_configuration, encryption_initial_vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING version`,
		job.ID, job.Owner, job.ServerID, string(job.State), job.Created,
		job.EncryptedConfiguration, job.EncryptionInitialVector,
	).Scan(&job.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	var version int64
	err := s.db.QueryRow(ctx,
		`UPDATE jobs SET
		   state = $3, started = $4, ended = $5, result = $6,
		   output_stream_text = $7, error_stream_text = $8, meta_data_text = $9,
		   last_stream_text_refresh_request = $10, last_stream_text_update = $11,
		   messages = $12, version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING version`,
		job.ID, job.Version, string(job.State), job.Started, job.Ended, job.Result,
		job.OutputStreamText, job.ErrorStreamText, job.MetaDataText,
		job.LastStreamTextRefreshRequest, job.LastStreamTextUpdate, job.Messages,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missingOrConflict(ctx, job.ID)
	}
	if err != nil {
		if isSerializationError(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("update job: %w", err)
	}
	job.Version = version
	return nil
}

func (s *PostgresStore) NextJobToExecute(ctx context.Context, serverID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = $1 AND server_id = $2
		 ORDER BY created ASC
		 LIMIT 1`, string(models.JobStateReadyToStart), serverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find next job: %w", err)
	}

	// Force the version forward: a racing claimant that read the same row
	// blocks on the row lock and then fails the version check.
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET version = version + 1 WHERE id = $1 AND version = $2`, job.ID, job.Version)
	if err != nil {
		if isSerializationError(err) {
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("lock next job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConcurrencyConflict
	}
	job.Version++
	return job, nil
}

func (s *PostgresStore) CountJobsInState(ctx context.Context, serverID string, state models.JobState) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE server_id = $1 AND state = $2`, serverID, string(state),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs in state: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListJobsInState(ctx context.Context, state models.JobState) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list jobs in state: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE created < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete jobs older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConcurrencyConflict
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isSerializationError reports serialization_failure and deadlock_detected.
func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
