package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/job"
	"github.com/kiranshivaraju/pds/internal/retry"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/internal/store/storetest"
	"github.com/kiranshivaraju/pds/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverID = "cluster-a"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTxService(st store.Store) *job.TransactionService {
	return job.NewTransactionService(st, job.NewRetryExecutor(3, 0), serverID,
		job.WithClock(func() time.Time { return fixedNow }))
}

func putJob(st *storetest.MemoryStore, state models.JobState, created time.Time) *models.Job {
	j := &models.Job{
		ID:       uuid.New(),
		Owner:    "techuser",
		ServerID: serverID,
		State:    state,
		Created:  created,
		Version:  4,
	}
	st.Put(j)
	return j
}

func TestGuardedTransitions(t *testing.T) {
	ctx := context.Background()
	ops := map[models.JobState]func(s *job.TransactionService, id uuid.UUID) error{
		models.JobStateReadyToStart: func(s *job.TransactionService, id uuid.UUID) error { return s.MarkReadyToStart(ctx, id) },
		models.JobStateDone:         func(s *job.TransactionService, id uuid.UUID) error { return s.MarkDone(ctx, id, "ok") },
		models.JobStateFailed:       func(s *job.TransactionService, id uuid.UUID) error { return s.MarkFailed(ctx, id, "boom") },
		models.JobStateCanceled:     func(s *job.TransactionService, id uuid.UUID) error { return s.MarkCanceled(ctx, id) },
	}

	for target, op := range ops {
		for _, from := range models.AllJobStates {
			t.Run(string(from)+"->"+string(target), func(t *testing.T) {
				st := storetest.NewMemoryStore()
				svc := newTxService(st)
				j := putJob(st, from, fixedNow)

				err := op(svc, j.ID)

				got, getErr := st.GetJob(ctx, j.ID)
				require.NoError(t, getErr)
				if models.CanTransition(from, target) {
					require.NoError(t, err)
					assert.Equal(t, target, got.State)
					assert.Equal(t, j.Version+1, got.Version)
					return
				}
				assert.ErrorIs(t, err, job.ErrNotAcceptable)
				assert.Contains(t, err.Error(), string(from))
				assert.Equal(t, from, got.State)
				assert.Equal(t, j.Version, got.Version)
			})
		}
	}
}

func TestMarkDone_SetsEndedAndResult(t *testing.T) {
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow.Add(-time.Hour))

	require.NoError(t, svc.MarkDone(context.Background(), j.ID, "ok"))

	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Result)
	require.NotNil(t, got.Ended)
	assert.Equal(t, fixedNow, *got.Ended)
	assert.Equal(t, fixedNow.Add(-time.Hour), got.Created)
}

func TestMarkRunning_FromAnyState(t *testing.T) {
	for _, from := range models.AllJobStates {
		t.Run(string(from), func(t *testing.T) {
			st := storetest.NewMemoryStore()
			svc := newTxService(st)
			j := putJob(st, from, fixedNow)

			got, err := svc.MarkRunning(context.Background(), j.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStateRunning, got.State)
			require.NotNil(t, got.Started)
			assert.Equal(t, fixedNow, *got.Started)
		})
	}
}

func TestTransition_NotFound(t *testing.T) {
	svc := newTxService(storetest.NewMemoryStore())

	err := svc.MarkReadyToStart(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestMarkCancelRequested_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow)

	require.NoError(t, svc.MarkCancelRequested(ctx, j.ID))
	require.NoError(t, svc.MarkCancelRequested(ctx, j.ID))
	require.NoError(t, svc.MarkCancelRequested(ctx, j.ID))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelRequested, got.State)
	assert.Equal(t, 1, st.Updates())
}

func TestMarkCancelRequested_RejectsNotRunning(t *testing.T) {
	for _, from := range []models.JobState{models.JobStateCreated, models.JobStateQueued, models.JobStateDone} {
		t.Run(string(from), func(t *testing.T) {
			st := storetest.NewMemoryStore()
			svc := newTxService(st)
			j := putJob(st, from, fixedNow)

			err := svc.MarkCancelRequested(context.Background(), j.ID)
			assert.ErrorIs(t, err, job.ErrNotAcceptable)
		})
	}
}

func TestClaimNextJob_OldestFirst(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	newer := putJob(st, models.JobStateReadyToStart, fixedNow.Add(-time.Minute))
	older := putJob(st, models.JobStateReadyToStart, fixedNow.Add(-time.Hour))
	other := &models.Job{ID: uuid.New(), ServerID: "cluster-b", State: models.JobStateReadyToStart, Created: fixedNow.Add(-2 * time.Hour)}
	st.Put(other)

	first, err := svc.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older.ID, first.ID)
	assert.Equal(t, models.JobStateQueued, first.State)

	second, err := svc.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, newer.ID, second.ID)

	none, err := svc.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	queued, err := svc.CountJobsInState(ctx, models.JobStateQueued)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
}

func TestClaimNextJob_RetriesAfterLostRace(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateReadyToStart, fixedNow)

	// A peer claims the job between our read and our write.
	calls := 0
	st.BeforeUpdate = func(update *models.Job) error {
		calls++
		if calls == 1 {
			peer, err := st.GetJob(ctx, update.ID)
			require.NoError(t, err)
			peer.State = models.JobStateQueued
			peer.Version++
			st.Put(peer)
		}
		return nil
	}

	claimed, err := svc.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.Equal(t, 1, calls)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
}

func TestMutation_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow)

	calls := 0
	st.BeforeUpdate = func(*models.Job) error {
		calls++
		if calls < 3 {
			return store.ErrConcurrencyConflict
		}
		return nil
	}

	require.NoError(t, svc.UpdateStreamContent(ctx, j.ID, "out", "err"))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, st.Updates())
}

func TestMutation_ExhaustedRetriesBecomeUpdateFailed(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow)

	calls := 0
	st.BeforeUpdate = func(*models.Job) error {
		calls++
		return store.ErrConcurrencyConflict
	}

	err := svc.MarkDone(ctx, j.ID, "ok")
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrUpdateFailed)
	assert.False(t, retry.IsConflict(err))
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, calls)
}

func TestForceCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels non terminal job", func(t *testing.T) {
		st := storetest.NewMemoryStore()
		svc := newTxService(st)
		j := putJob(st, models.JobStateCancelRequested, fixedNow)

		require.NoError(t, svc.ForceCancel(ctx, j.ID))
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCanceled, got.State)
		require.NotNil(t, got.Ended)
	})

	t.Run("leaves terminal job alone", func(t *testing.T) {
		st := storetest.NewMemoryStore()
		svc := newTxService(st)
		j := putJob(st, models.JobStateDone, fixedNow)

		require.NoError(t, svc.ForceCancel(ctx, j.ID))
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateDone, got.State)
		assert.Equal(t, 0, st.Updates())
	})

	t.Run("already canceled by peer", func(t *testing.T) {
		st := storetest.NewMemoryStore()
		svc := newTxService(st)
		j := putJob(st, models.JobStateCancelRequested, fixedNow)

		st.BeforeUpdate = func(update *models.Job) error {
			st.BeforeUpdate = nil
			peer, err := st.GetJob(ctx, update.ID)
			require.NoError(t, err)
			peer.State = models.JobStateCanceled
			peer.Version++
			st.Put(peer)
			return nil
		}

		require.NoError(t, svc.ForceCancel(ctx, j.ID))
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCanceled, got.State)
	})

	t.Run("missing job", func(t *testing.T) {
		svc := newTxService(storetest.NewMemoryStore())
		assert.NoError(t, svc.ForceCancel(ctx, uuid.New()))
	})
}

func TestForceState(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateCreated, fixedNow)

	require.NoError(t, svc.ForceState(ctx, j.ID, models.JobStateFailed))
	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	require.NotNil(t, got.Ended)

	assert.ErrorIs(t, svc.ForceState(ctx, uuid.New(), models.JobStateDone), job.ErrNotFound)
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("queued job becomes claimable again", func(t *testing.T) {
		st := storetest.NewMemoryStore()
		svc := newTxService(st)
		j := putJob(st, models.JobStateQueued, fixedNow)

		require.NoError(t, svc.ReleaseClaim(ctx, j.ID))
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateReadyToStart, got.State)
	})

	t.Run("job that left the queue is untouched", func(t *testing.T) {
		st := storetest.NewMemoryStore()
		svc := newTxService(st)
		j := putJob(st, models.JobStateRunning, fixedNow)

		require.NoError(t, svc.ReleaseClaim(ctx, j.ID))
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, got.State)
		assert.Equal(t, 0, st.Updates())
	})
}

func TestStreamWrites(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow)

	require.NoError(t, svc.UpdateStreamContent(ctx, j.ID, "out", "err"))
	require.NoError(t, svc.UpdateMetaData(ctx, j.ID, `{"progress":50}`))
	refreshed, err := svc.RequestStreamRefresh(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.LastStreamTextRefreshRequest)
	assert.Equal(t, fixedNow, *refreshed.LastStreamTextRefreshRequest)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "out", got.OutputStreamText)
	assert.Equal(t, "err", got.ErrorStreamText)
	assert.Equal(t, `{"progress":50}`, got.MetaDataText)
	require.NotNil(t, got.LastStreamTextUpdate)
	assert.Equal(t, fixedNow, *got.LastStreamTextUpdate)
	assert.Equal(t, models.JobStateRunning, got.State)
}

func TestUpdateMessages(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := newTxService(st)
	j := putJob(st, models.JobStateRunning, fixedNow)

	list := models.MessageList{Messages: []models.Message{{Type: models.MessageTypeWarning, Text: "slow"}}}
	require.NoError(t, svc.UpdateMessages(ctx, j.ID, list))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	parsed, err := models.ParseMessages(got.Messages)
	require.NoError(t, err)
	assert.Equal(t, list.Messages, parsed.Messages)
}
