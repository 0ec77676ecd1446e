package migrate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

func TestCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cp := NewCheckpoint()
	cp.Progress(source.KindEntities).Total = 72
	cp.Progress(source.KindEntities).Migrated = 40
	cp.LastKey = "entity-40"
	cp.RecordError(errors.New("batch at 20 timed out"))
	require.NoError(t, cp.Save(path))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.JobID, loaded.JobID)
	assert.Equal(t, CheckpointInProgress, loaded.Status)
	assert.Equal(t, 72, loaded.Progress(source.KindEntities).Total)
	assert.Equal(t, 40, loaded.Progress(source.KindEntities).Migrated)
	assert.Equal(t, "entity-40", loaded.LastKey)
	assert.Equal(t, []string{"batch at 20 timed out"}, loaded.Errors)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestLoadCheckpoint_Missing(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoint_Resumable(t *testing.T) {
	cp := NewCheckpoint()
	assert.True(t, cp.Resumable())

	cp.Status = CheckpointFailed
	assert.True(t, cp.Resumable())

	cp.Status = CheckpointCompleted
	assert.False(t, cp.Resumable())
}

func TestCheckpoint_ProgressLazyCreate(t *testing.T) {
	cp := NewCheckpoint()
	p := cp.Progress(source.KindChunks)
	p.Migrated = 5

	assert.Equal(t, 5, cp.Progress(source.KindChunks).Migrated)
	assert.Len(t, cp.Kinds, 1)
}
