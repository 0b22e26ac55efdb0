package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/encryption"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// Service is the caller facing job API: creation, readiness and read access.
// Writes are delegated to the TransactionService.
type Service struct {
	store     store.Store
	tx        *TransactionService
	crypto    encryption.Service
	validator ConfigurationValidator
	now       func() time.Time
}

// NewService creates the job lifecycle service.
func NewService(st store.Store, tx *TransactionService, crypto encryption.Service, validator ConfigurationValidator) *Service {
	return &Service{
		store:     st,
		tx:        tx,
		crypto:    crypto,
		validator: validator,
		now:       tx.now,
	}
}

// CreateJob validates and encrypts cfg and stores a new CREATED job owned by owner.
func (s *Service) CreateJob(ctx context.Context, owner string, cfg models.JobConfiguration) (uuid.UUID, error) {
	if err := s.validator.Validate(&cfg); err != nil {
		return uuid.Nil, err
	}

	plain, err := json.Marshal(cfg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("serialize job configuration: %w", err)
	}
	cipherText, iv, err := s.crypto.Encrypt(plain)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encrypt job configuration: %w", err)
	}

	j := &models.Job{
		ID:                      uuid.New(),
		Owner:                   owner,
		ServerID:                s.tx.ServerID(),
		State:                   models.JobStateCreated,
		Created:                 s.now().UTC(),
		EncryptedConfiguration:  cipherText,
		EncryptionInitialVector: iv,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	slog.InfoContext(ctx, "job created",
		"job_id", j.ID, "product_id", cfg.ProductID, "owner", owner, "upstream_job_id", cfg.UpstreamJobID)
	return j.ID, nil
}

// MarkReadyToStart releases a CREATED job for scheduling.
func (s *Service) MarkReadyToStart(ctx context.Context, id uuid.UUID) error {
	return s.tx.MarkReadyToStart(ctx, id)
}

// ForceState sets state without consulting the state machine.
func (s *Service) ForceState(ctx context.Context, id uuid.UUID, state models.JobState) error {
	return s.tx.ForceState(ctx, id, state)
}

// Get loads job id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return j, nil
}

// GetJobStatus returns the status view of a job.
func (s *Service) GetJobStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return models.JobStatus{}, err
	}
	return j.Status(), nil
}

// GetJobResult returns the result of a DONE job. Other states are not acceptable.
func (s *Service) GetJobResult(ctx context.Context, id uuid.UUID) (string, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.State != models.JobStateDone {
		return "", notAcceptable(id, j.State, []models.JobState{models.JobStateDone})
	}
	return j.Result, nil
}

// GetJobResultOrFailureText returns the stored result regardless of state.
func (s *Service) GetJobResultOrFailureText(ctx context.Context, id uuid.UUID) (string, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return j.Result, nil
}

// GetJobMessages returns the product messages of a job, empty when there are none.
func (s *Service) GetJobMessages(ctx context.Context, id uuid.UUID) (models.MessageList, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return models.MessageList{}, err
	}
	return models.ParseMessages(j.Messages)
}

// Configuration decrypts the stored configuration of j.
func (s *Service) Configuration(j *models.Job) (*models.JobConfiguration, error) {
	plain, err := s.crypto.Decrypt(j.EncryptedConfiguration, j.EncryptionInitialVector)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	var cfg models.JobConfiguration
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration of job %s: %w", j.ID, err)
	}
	return &cfg, nil
}
