package cancel_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/cancel"
	"github.com/kiranshivaraju/pds/internal/execution"
	"github.com/kiranshivaraju/pds/internal/job"
	"github.com/kiranshivaraju/pds/internal/store/storetest"
	"github.com/kiranshivaraju/pds/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubRegistry answers TryCancel from a fixed map; unknown ids are not found.
type stubRegistry struct {
	mu       sync.Mutex
	outcomes map[uuid.UUID]execution.CancelOutcome
	calls    atomic.Int32
}

func (r *stubRegistry) TryCancel(_ context.Context, id uuid.UUID) execution.CancelOutcome {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.outcomes[id]; ok {
		return o
	}
	return execution.CancelOutcomeNotFoundLocally
}

func newTx(st *storetest.MemoryStore) *job.TransactionService {
	return job.NewTransactionService(st, job.NewRetryExecutor(3, 0), "cluster-a",
		job.WithClock(func() time.Time { return now }))
}

func put(st *storetest.MemoryStore, state models.JobState, created time.Time) *models.Job {
	j := &models.Job{ID: uuid.New(), ServerID: "cluster-a", State: state, Created: created}
	st.Put(j)
	return j
}

func stateOf(t *testing.T, st *storetest.MemoryStore, id uuid.UUID) models.JobState {
	t.Helper()
	j, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.State
}

func TestRequestCancellation_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	svc := cancel.NewService(newTx(st))
	j := put(st, models.JobStateRunning, now)

	require.NoError(t, svc.RequestCancellation(ctx, j.ID))
	require.NoError(t, svc.RequestCancellation(ctx, j.ID))
	require.NoError(t, svc.RequestCancellation(ctx, j.ID))

	assert.Equal(t, models.JobStateCancelRequested, stateOf(t, st, j.ID))
	assert.Equal(t, 1, st.Updates())
}

func TestRequestCancellation_NothingToCancel(t *testing.T) {
	for _, state := range []models.JobState{
		models.JobStateCreated, models.JobStateReadyToStart, models.JobStateQueued,
		models.JobStateDone, models.JobStateFailed, models.JobStateCanceled,
	} {
		t.Run(string(state), func(t *testing.T) {
			st := storetest.NewMemoryStore()
			svc := cancel.NewService(newTx(st))
			j := put(st, state, now)

			require.NoError(t, svc.RequestCancellation(context.Background(), j.ID))
			assert.Equal(t, state, stateOf(t, st, j.ID))
			assert.Equal(t, 0, st.Updates())
		})
	}
}

func TestRequestCancellation_NotFound(t *testing.T) {
	svc := cancel.NewService(newTx(storetest.NewMemoryStore()))

	err := svc.RequestCancellation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestSweepOnce_ForceCancelsOldOrphansOnly(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	old := put(st, models.JobStateCancelRequested, now.Add(-2*time.Hour))
	young := put(st, models.JobStateCancelRequested, now.Add(-10*time.Minute))
	local := put(st, models.JobStateCancelRequested, now.Add(-3*time.Hour))
	stopping := put(st, models.JobStateCancelRequested, now.Add(-3*time.Hour))
	running := put(st, models.JobStateRunning, now.Add(-5*time.Hour))

	reg := &stubRegistry{outcomes: map[uuid.UUID]execution.CancelOutcome{
		local.ID:    execution.CancelOutcomeCanceledNow,
		stopping.ID: execution.CancelOutcomeAlreadyDone,
	}}
	sweeper := cancel.NewSweeper(st, reg, newTx(st),
		cancel.WithOrphanThreshold(time.Hour),
		cancel.WithClock(func() time.Time { return now }))

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Inspected)
	assert.Equal(t, 1, report.CanceledHere)
	assert.Equal(t, 1, report.AlreadyDone)
	assert.Equal(t, 2, report.Orphans)
	assert.Equal(t, 1, report.ForceCanceled)

	assert.Equal(t, models.JobStateCanceled, stateOf(t, st, old.ID))
	assert.Equal(t, models.JobStateCancelRequested, stateOf(t, st, young.ID))
	assert.Equal(t, models.JobStateCancelRequested, stateOf(t, st, local.ID))
	assert.Equal(t, models.JobStateCancelRequested, stateOf(t, st, stopping.ID))
	assert.Equal(t, models.JobStateRunning, stateOf(t, st, running.ID))
}

func TestSweepOnce_ToleratesPeerResolution(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemoryStore()
	resolved := put(st, models.JobStateCancelRequested, now.Add(-2*time.Hour))
	deleted := put(st, models.JobStateCancelRequested, now.Add(-3*time.Hour))

	// Both jobs change after the sweep listed them: a peer cancels one, the
	// other is purged.
	jobs, err := st.ListJobsInState(ctx, models.JobStateCancelRequested)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	lister := &snapshotLister{jobs: jobs, MemoryStore: st}

	require.NoError(t, newTx(st).MarkCanceled(ctx, resolved.ID))
	purged, err := st.DeleteJobsOlderThan(ctx, now.Add(-150*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
	updates := st.Updates()

	sweeper := cancel.NewSweeper(lister, &stubRegistry{}, newTx(st),
		cancel.WithOrphanThreshold(time.Hour),
		cancel.WithClock(func() time.Time { return now }))

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ForceCanceled)
	assert.Equal(t, updates, st.Updates())
	assert.Equal(t, models.JobStateCanceled, stateOf(t, st, resolved.ID))
	_, err = st.GetJob(ctx, deleted.ID)
	assert.Error(t, err)
}

// snapshotLister returns a fixed listing, as if read before peers acted.
type snapshotLister struct {
	*storetest.MemoryStore
	jobs []*models.Job
}

func (l *snapshotLister) ListJobsInState(context.Context, models.JobState) ([]*models.Job, error) {
	return l.jobs, nil
}

func TestSweepOnce_Retention(t *testing.T) {
	st := storetest.NewMemoryStore()
	expired := put(st, models.JobStateDone, now.Add(-48*time.Hour))
	kept := put(st, models.JobStateDone, now.Add(-time.Hour))

	sweeper := cancel.NewSweeper(st, &stubRegistry{}, newTx(st),
		cancel.WithRetention(24*time.Hour),
		cancel.WithClock(func() time.Time { return now }))

	report, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Purged)

	_, err = st.GetJob(context.Background(), expired.ID)
	assert.Error(t, err)
	_, err = st.GetJob(context.Background(), kept.ID)
	assert.NoError(t, err)
}

func TestRun_SweepsUntilCanceled(t *testing.T) {
	st := storetest.NewMemoryStore()
	put(st, models.JobStateCancelRequested, time.Now())
	reg := &stubRegistry{}

	sweeper := cancel.NewSweeper(st, reg, newTx(st),
		cancel.WithSchedule(5*time.Millisecond, time.Millisecond))

	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool { return reg.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancelFn()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
