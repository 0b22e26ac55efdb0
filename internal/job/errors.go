package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/retry"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/pkg/models"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrNotAcceptable = errors.New("job state not acceptable")
	ErrValidation    = errors.New("invalid job configuration")
	ErrUpdateFailed  = errors.New("job update failed")
)

// NewRetryExecutor returns the executor used for all job writes. Exhaustion is
// reported as ErrUpdateFailed; the conflict itself is only kept as text.
func NewRetryExecutor(maxRetries int, delay time.Duration) *retry.Executor {
	return retry.NewExecutor(
		retry.WithMaxRetries(maxRetries),
		retry.WithDelay(delay),
		retry.WithExhausted(func(label string, retries int, cause error) error {
			return fmt.Errorf("%w: %s after %d retries: %v", ErrUpdateFailed, label, retries, cause)
		}),
	)
}

func notFound(id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("load job %s: %w", id, err)
}

func notAcceptable(id uuid.UUID, actual models.JobState, accepted []models.JobState) error {
	names := make([]string, len(accepted))
	for i, s := range accepted {
		names[i] = string(s)
	}
	return fmt.Errorf("%w: job %s is in state %s, accepted: [%s]",
		ErrNotAcceptable, id, actual, strings.Join(names, ", "))
}
