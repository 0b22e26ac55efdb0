package stream

import (
	"context"

	"github.com/google/uuid"
)

// StreamWriter persists worker side stream text.
type StreamWriter interface {
	UpdateStreamContent(ctx context.Context, id uuid.UUID, output, errText string) error
	UpdateMetaData(ctx context.Context, id uuid.UUID, metaData string) error
}

// UpdateService is the worker side of the stream protocol.
type UpdateService struct {
	jobs    JobReader
	writer  StreamWriter
	checker UpdateChecker
}

// NewUpdateService creates the worker side of the stream protocol.
func NewUpdateService(jobs JobReader, writer StreamWriter) *UpdateService {
	return &UpdateService{jobs: jobs, writer: writer, checker: NewUpdateChecker(DefaultCacheWindow)}
}

// RefreshRequested reports whether a reader is waiting on fresh text for id.
func (s *UpdateService) RefreshRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.checker.IsRefreshRequested(j), nil
}

func (s *UpdateService) UpdateStreamContent(ctx context.Context, id uuid.UUID, output, errText string) error {
	return s.writer.UpdateStreamContent(ctx, id, output, errText)
}

func (s *UpdateService) UpdateMetaData(ctx context.Context, id uuid.UUID, metaData string) error {
	return s.writer.UpdateMetaData(ctx, id, metaData)
}
