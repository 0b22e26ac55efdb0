package execution_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_TryCancel(t *testing.T) {
	r := execution.NewRegistry()
	id := uuid.New()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	require.NoError(t, r.Register(id, cancel))
	assert.Equal(t, 1, r.Running())

	assert.Equal(t, execution.CancelOutcomeCanceledNow, r.TryCancel(context.Background(), id))
	assert.ErrorIs(t, context.Cause(ctx), execution.ErrCancelRequested)

	assert.Equal(t, execution.CancelOutcomeAlreadyDone, r.TryCancel(context.Background(), id))

	r.Unregister(id)
	assert.Equal(t, 0, r.Running())
	assert.Equal(t, execution.CancelOutcomeNotFoundLocally, r.TryCancel(context.Background(), id))
}

func TestRegistry_RegisterTwice(t *testing.T) {
	r := execution.NewRegistry()
	id := uuid.New()
	_, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	require.NoError(t, r.Register(id, cancel))
	err := r.Register(id, cancel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executing")
}

func TestRegistry_UnknownJob(t *testing.T) {
	r := execution.NewRegistry()
	assert.Equal(t, execution.CancelOutcomeNotFoundLocally, r.TryCancel(context.Background(), uuid.New()))
	r.Unregister(uuid.New())
	assert.Equal(t, 0, r.Running())
}

func TestCancelOutcome_String(t *testing.T) {
	assert.Equal(t, "already_done", execution.CancelOutcomeAlreadyDone.String())
	assert.Equal(t, "canceled_now", execution.CancelOutcomeCanceledNow.String())
	assert.Equal(t, "not_found_locally", execution.CancelOutcomeNotFoundLocally.String())
	assert.Equal(t, "CancelOutcome(9)", execution.CancelOutcome(9).String())
}
