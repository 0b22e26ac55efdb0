package artifact_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore_PutFetchList(t *testing.T) {
	s, err := artifact.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, s.Put(ctx, jobID, "sourcecode.zip", strings.NewReader("zipdata")))
	require.NoError(t, s.Put(ctx, jobID, "binaries.tar", strings.NewReader("tardata")))

	names, err := s.ListNames(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"binaries.tar", "sourcecode.zip"}, names)

	rc, err := s.Fetch(ctx, jobID, "sourcecode.zip")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))
}

func TestFileSystemStore_PutOverwrites(t *testing.T) {
	s, err := artifact.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, s.Put(ctx, jobID, "sourcecode.zip", strings.NewReader("v1")))
	require.NoError(t, s.Put(ctx, jobID, "sourcecode.zip", strings.NewReader("v2")))

	rc, err := s.Fetch(ctx, jobID, "sourcecode.zip")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "v2", string(data))
}

func TestFileSystemStore_UnknownJob(t *testing.T) {
	s, err := artifact.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	names, err := s.ListNames(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Fetch(ctx, uuid.New(), "sourcecode.zip")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestFileSystemStore_RejectsPathNames(t *testing.T) {
	s, err := artifact.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../escape", "a/b", "..", ""} {
		assert.Error(t, s.Put(context.Background(), uuid.New(), name, strings.NewReader("x")), name)
	}
}

func TestFileSystemStore_DeleteAll(t *testing.T) {
	s, err := artifact.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, s.Put(ctx, jobID, "sourcecode.zip", strings.NewReader("x")))
	require.NoError(t, s.DeleteAll(ctx, jobID))

	names, err := s.ListNames(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Deleting again is fine.
	assert.NoError(t, s.DeleteAll(ctx, jobID))
}
