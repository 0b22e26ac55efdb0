// Package retry runs write-then-verify operations that may lose an optimistic
// locking race, retrying them a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrConflict marks a failure caused by a lost optimistic-lock race. Stores
// wrap it so the executor can recognise conflicts with errors.Is.
var ErrConflict = errors.New("concurrency conflict")

const (
	DefaultMaxRetries = 3
	DefaultDelay      = 300 * time.Millisecond
)

// ExhaustedFunc converts the last failure into a caller specific error once the
// retry budget is used up.
type ExhaustedFunc func(label string, retries int, cause error) error

// Executor holds a retry policy. It carries no per-call state and is safe for
// concurrent use.
type Executor struct {
	maxRetries int
	delay      time.Duration
	retryable  func(error) bool
	exhausted  ExhaustedFunc
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMaxRetries sets how many additional attempts follow the first one.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithDelay sets the pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.delay = d
		}
	}
}

// WithRetryable replaces the predicate deciding which failures are retried.
func WithRetryable(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.retryable = fn
		}
	}
}

// WithExhausted sets the error factory used when retries run out.
func WithExhausted(fn ExhaustedFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.exhausted = fn
		}
	}
}

// NewExecutor creates an Executor that retries ErrConflict failures.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxRetries: DefaultMaxRetries,
		delay:      DefaultDelay,
		retryable:  IsConflict,
		exhausted:  defaultExhausted,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the configured retry budget.
func (e *Executor) MaxRetries() int { return e.maxRetries }

// IsConflict reports whether err is an optimistic-lock conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func defaultExhausted(label string, retries int, cause error) error {
	return fmt.Errorf("%s: failed after %d retries: %w", label, retries, cause)
}

// Execute runs op, retrying retryable failures up to the executor's budget.
// Non-retryable failures are returned unchanged. Cancelling ctx stops waiting
// between attempts.
func Execute[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	result, err := backoff.RetryNotifyWithData(
		func() (T, error) {
			res, err := op(ctx)
			if err != nil && !e.retryable(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		},
		e.policy(ctx),
		func(err error, _ time.Duration) {
			attempt++
			slog.DebugContext(ctx, "retrying operation",
				"operation", label, "attempt", attempt, "max_retries", e.maxRetries, "error", err)
		},
	)
	if err == nil {
		return result, nil
	}
	var zero T
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return zero, fmt.Errorf("%s: %w", label, err)
	}
	if !e.retryable(err) {
		return zero, err
	}
	slog.WarnContext(ctx, "operation retries exhausted",
		"operation", label, "max_retries", e.maxRetries, "error", err)
	return zero, e.exhausted(label, e.maxRetries, err)
}

// policy builds the per-call backoff: a constant delay, at most maxRetries
// retries, abandoned when ctx ends.
func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.delay), uint64(e.maxRetries)),
		ctx,
	)
}

// Run is Execute for operations without a result value.
func Run(ctx context.Context, e *Executor, label string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, e, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
