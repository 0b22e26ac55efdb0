// Package artifact is the durable per-job blob store holding uploaded archives
// until a worker imports them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("artifact not found")

// Store is a key/value blob store keyed by job id and artifact name.
type Store interface {
	ListNames(ctx context.Context, jobID uuid.UUID) ([]string, error)
	Fetch(ctx context.Context, jobID uuid.UUID, name string) (io.ReadCloser, error)
	Put(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) error
	DeleteAll(ctx context.Context, jobID uuid.UUID) error
	Close() error
}

// FileSystemStore keeps artifacts under <root>/<jobID>/<name>.
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates root if needed and stores artifacts below it.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) ListNames(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.jobDir(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts of job %s: %w", jobID, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *FileSystemStore) Fetch(ctx context.Context, jobID uuid.UUID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(jobID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s/%s: %w", jobID, name, err)
	}
	return f, nil
}

// Put writes r to a hidden temp file first and renames it into place, so a
// concurrent ListNames never sees a half written artifact.
func (s *FileSystemStore) Put(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(jobID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create job storage folder: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact %s/%s: %w", jobID, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact %s/%s: %w", jobID, name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store artifact %s/%s: %w", jobID, name, err)
	}
	return nil
}

func (s *FileSystemStore) DeleteAll(ctx context.Context, jobID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("delete artifacts of job %s: %w", jobID, err)
	}
	return nil
}

func (s *FileSystemStore) Close() error { return nil }

func (s *FileSystemStore) jobDir(jobID uuid.UUID) string {
	return filepath.Join(s.root, jobID.String())
}

func (s *FileSystemStore) path(jobID uuid.UUID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.jobDir(jobID), name), nil
}
