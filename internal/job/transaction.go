package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/retry"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// errUnchanged aborts a mutation that turned out to be a no-op.
var errUnchanged = errors.New("job unchanged")

// TransactionService owns every write to a job row. Each operation runs in its
// own transaction, re-reads the row, checks the state guard, and retries on
// version conflicts.
type TransactionService struct {
	store    store.Store
	retry    *retry.Executor
	serverID string
	now      func() time.Time
}

// TransactionOption customizes a TransactionService.
type TransactionOption func(*TransactionService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TransactionOption {
	return func(s *TransactionService) { s.now = now }
}

// NewTransactionService creates a TransactionService claiming jobs for serverID.
func NewTransactionService(st store.Store, exec *retry.Executor, serverID string, opts ...TransactionOption) *TransactionService {
	s := &TransactionService{
		store:    st,
		retry:    exec,
		serverID: serverID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerID returns the scheduling group this service claims jobs for.
func (s *TransactionService) ServerID() string { return s.serverID }

// mutate loads job id, checks that its state is one of accepted (nil skips the
// check), applies fn and writes the row back, all in a fresh transaction.
// If fn returns errUnchanged nothing is written and the loaded job is returned.
func (s *TransactionService) mutate(ctx context.Context, label string, id uuid.UUID, accepted []models.JobState, fn func(j *models.Job) error) (*models.Job, error) {
	return retry.Execute(ctx, s.retry, label, func(ctx context.Context) (*models.Job, error) {
		var out *models.Job
		err := s.store.InTx(ctx, func(tx store.Store) error {
			j, err := tx.GetJob(ctx, id)
			if err != nil {
				return notFound(id, err)
			}
			if accepted != nil && !j.State.OneOf(accepted...) {
				return notAcceptable(id, j.State, accepted)
			}
			if err := fn(j); err != nil {
				if errors.Is(err, errUnchanged) {
					out = j
				}
				return err
			}
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
			out = j
			return nil
		})
		if errors.Is(err, errUnchanged) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// transition moves job id to target, guarded by the state machine.
func (s *TransactionService) transition(ctx context.Context, id uuid.UUID, target models.JobState, fn func(j *models.Job)) (*models.Job, error) {
	return s.mutate(ctx, "mark job "+string(target), id, models.AcceptedSourceStates(target), func(j *models.Job) error {
		j.State = target
		if fn != nil {
			fn(j)
		}
		return nil
	})
}

// MarkReadyToStart moves a CREATED job to READY_TO_START.
func (s *TransactionService) MarkReadyToStart(ctx context.Context, id uuid.UUID) error {
	_, err := s.transition(ctx, id, models.JobStateReadyToStart, nil)
	return err
}

// ClaimNextJob moves the oldest READY_TO_START job of this server to QUEUED
// and returns it. It returns nil when nothing is claimable. A lost race is
// retried with a fresh query.
func (s *TransactionService) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	return retry.Execute(ctx, s.retry, "claim next job", func(ctx context.Context) (*models.Job, error) {
		var claimed *models.Job
		err := s.store.InTx(ctx, func(tx store.Store) error {
			j, err := tx.NextJobToExecute(ctx, s.serverID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			j.State = models.JobStateQueued
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
			claimed = j
			return nil
		})
		if err != nil {
			return nil, err
		}
		return claimed, nil
	})
}

// CountJobsInState counts this server's jobs in state.
func (s *TransactionService) CountJobsInState(ctx context.Context, state models.JobState) (int, error) {
	return s.store.CountJobsInState(ctx, s.serverID, state)
}

// ReleaseClaim hands a QUEUED job back to READY_TO_START so a later poll can
// claim it again. A job that already left QUEUED is left untouched.
func (s *TransactionService) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutate(ctx, "release job claim", id, nil, func(j *models.Job) error {
		if j.State != models.JobStateQueued {
			return errUnchanged
		}
		j.State = models.JobStateReadyToStart
		return nil
	})
	return err
}

// MarkRunning is unguarded: a restarted worker may take over a job from any state.
func (s *TransactionService) MarkRunning(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.transition(ctx, id, models.JobStateRunning, func(j *models.Job) {
		now := s.now().UTC()
		j.Started = &now
	})
}

// MarkDone finishes a RUNNING job with result.
func (s *TransactionService) MarkDone(ctx context.Context, id uuid.UUID, result string) error {
	return s.finish(ctx, id, models.JobStateDone, result)
}

// MarkFailed finishes a RUNNING job with result as the failure text.
func (s *TransactionService) MarkFailed(ctx context.Context, id uuid.UUID, result string) error {
	return s.finish(ctx, id, models.JobStateFailed, result)
}

func (s *TransactionService) finish(ctx context.Context, id uuid.UUID, target models.JobState, result string) error {
	_, err := s.transition(ctx, id, target, func(j *models.Job) {
		now := s.now().UTC()
		j.Ended = &now
		j.Result = result
	})
	return err
}

// MarkCancelRequested asks the worker running id to stop. Jobs already
// CANCEL_REQUESTED or CANCELED are left alone; any other state but RUNNING is
// not acceptable.
func (s *TransactionService) MarkCancelRequested(ctx context.Context, id uuid.UUID) error {
	accepted := []models.JobState{models.JobStateRunning, models.JobStateCancelRequested, models.JobStateCanceled}
	_, err := s.mutate(ctx, "mark job CANCEL_REQUESTED", id, nil, func(j *models.Job) error {
		if j.State.OneOf(models.JobStateCancelRequested, models.JobStateCanceled) {
			return errUnchanged
		}
		if !j.State.OneOf(accepted...) {
			return notAcceptable(id, j.State, accepted)
		}
		j.State = models.JobStateCancelRequested
		return nil
	})
	return err
}

// MarkCanceled is the worker side acknowledgement of a cancel request.
func (s *TransactionService) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	_, err := s.transition(ctx, id, models.JobStateCanceled, func(j *models.Job) {
		now := s.now().UTC()
		j.Ended = &now
	})
	return err
}

// ForceCancel sets CANCELED without the CANCEL_REQUESTED guard. It is used for
// cancel requests no worker will ever service. A missing job or one that has
// already reached a terminal state counts as success.
func (s *TransactionService) ForceCancel(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutate(ctx, "force cancel job", id, nil, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return errUnchanged
		}
		slog.WarnContext(ctx, "force canceling job", "job_id", id, "previous_state", j.State)
		now := s.now().UTC()
		j.State = models.JobStateCanceled
		j.Ended = &now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ForceState sets an arbitrary state. Administrative repair only; the state
// machine is not consulted.
func (s *TransactionService) ForceState(ctx context.Context, id uuid.UUID, state models.JobState) error {
	_, err := s.mutate(ctx, "force job state", id, nil, func(j *models.Job) error {
		if j.State == state {
			return errUnchanged
		}
		slog.WarnContext(ctx, "forcing job state", "job_id", id, "from", j.State, "to", state)
		now := s.now().UTC()
		j.State = state
		if state == models.JobStateRunning && j.Started == nil {
			j.Started = &now
		}
		if state.IsTerminal() && j.Ended == nil {
			j.Ended = &now
		}
		return nil
	})
	return err
}

// UpdateStreamContent stores the latest output and error text written by the worker.
func (s *TransactionService) UpdateStreamContent(ctx context.Context, id uuid.UUID, output, errText string) error {
	_, err := s.mutate(ctx, "update job stream content", id, nil, func(j *models.Job) error {
		now := s.now().UTC()
		j.OutputStreamText = output
		j.ErrorStreamText = errText
		j.LastStreamTextUpdate = &now
		return nil
	})
	return err
}

// UpdateMetaData stores the latest metadata text written by the worker.
func (s *TransactionService) UpdateMetaData(ctx context.Context, id uuid.UUID, metaData string) error {
	_, err := s.mutate(ctx, "update job meta data", id, nil, func(j *models.Job) error {
		now := s.now().UTC()
		j.MetaDataText = metaData
		j.LastStreamTextUpdate = &now
		return nil
	})
	return err
}

// RequestStreamRefresh stamps lastStreamTextRefreshRequest with the current
// time and returns the updated job.
func (s *TransactionService) RequestStreamRefresh(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.mutate(ctx, "request job stream refresh", id, nil, func(j *models.Job) error {
		now := s.now().UTC()
		j.LastStreamTextRefreshRequest = &now
		return nil
	})
}

func (s *TransactionService) UpdateMessages(ctx context.Context, id uuid.UUID, messages models.MessageList) error {
	_, err := s.mutate(ctx, "update job messages", id, nil, func(j *models.Job) error {
		j.Messages = messages.String()
		return nil
	})
	return err
}
