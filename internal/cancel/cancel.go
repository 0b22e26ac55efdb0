// Package cancel handles user cancel requests and reconciles requests no
// worker ever picked up.
package cancel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/job"
)

// Requester marks a running job as CANCEL_REQUESTED.
type Requester interface {
	MarkCancelRequested(ctx context.Context, id uuid.UUID) error
}

// Service is the user facing cancel operation.
type Service struct {
	tx Requester
}

// NewService creates the user facing cancel service.
func NewService(tx Requester) *Service {
	return &Service{tx: tx}
}

// RequestCancellation asks the worker executing id to stop. It is idempotent,
// and jobs that are not running are silently left alone.
func (s *Service) RequestCancellation(ctx context.Context, id uuid.UUID) error {
	err := s.tx.MarkCancelRequested(ctx, id)
	if errors.Is(err, job.ErrNotAcceptable) {
		slog.InfoContext(ctx, "nothing to cancel", "job_id", id, "reason", err)
		return nil
	}
	return err
}
