package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

func chunkRecords(n, dim int) []source.Record {
	records := make([]source.Record, n)
	for i := range records {
		embedding := make([]float64, dim)
		for j := range embedding {
			embedding[j] = float64(i*dim + j)
		}
		records[i] = source.Record{
			Key: fmt.Sprintf("chunk-%04d", i),
			Value: map[string]any{
				"content":   fmt.Sprintf("chunk content %d", i),
				"embedding": embedding,
			},
		}
	}
	return records
}

func TestUpsertRecords_IdempotentOnReplay(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	records := []source.Record{
		{Key: "alice", Value: map[string]any{"entity_type": "person", "description": "first"}},
		{Key: "bob", Value: map[string]any{"entity_type": "person", "description": "second"}},
	}
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", records, false))

	// Replaying the same batch must not create duplicate rows.
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", records, false))

	n, err := testDB.CountRecords(ctx, source.KindEntities, "default", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertRecords_LastWriteWins(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", []source.Record{
		{Key: "alice", Value: map[string]any{"description": "old"}},
	}, false))
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", []source.Record{
		{Key: "alice", Value: map[string]any{"description": "new"}},
	}, false))

	values, err := testDB.FetchValues(ctx, source.KindEntities, "default", []string{"alice"}, false)
	require.NoError(t, err)
	require.Contains(t, values, "alice")
	assert.Equal(t, "new", values["alice"]["description"])
}

func TestUpsertRecords_WorkspaceIsolation(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "ws-a", []source.Record{
		{Key: "alice", Value: map[string]any{"description": "a"}},
	}, false))
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "ws-b", []source.Record{
		{Key: "alice", Value: map[string]any{"description": "b"}},
		{Key: "bob", Value: map[string]any{"description": "b"}},
	}, false))

	nA, err := testDB.CountRecords(ctx, source.KindEntities, "ws-a", false)
	require.NoError(t, err)
	nB, err := testDB.CountRecords(ctx, source.KindEntities, "ws-b", false)
	require.NoError(t, err)
	assert.Equal(t, 1, nA)
	assert.Equal(t, 2, nB)
}

func TestFetchValues_FoldsEmbeddingBack(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.UpsertRecords(ctx, source.KindChunks, "default", chunkRecords(2, 3), false))

	values, err := testDB.FetchValues(ctx, source.KindChunks, "default", []string{"chunk-0000"}, false)
	require.NoError(t, err)
	require.Contains(t, values, "chunk-0000")
	assert.Equal(t, "chunk content 0", values["chunk-0000"]["content"])
	assert.Equal(t, 3, source.EmbeddingDim(values["chunk-0000"]))
}

func TestVectorDimRange(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	// No chunk rows at all.
	_, _, ok, err := testDB.VectorDimRange(ctx, "default", false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testDB.UpsertRecords(ctx, source.KindChunks, "default", chunkRecords(3, 3), false))

	minDim, maxDim, ok, err := testDB.VectorDimRange(ctx, "default", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, minDim)
	assert.Equal(t, 3, maxDim)
}

func TestStagingLifecycle(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.CreateStagingTables(ctx, 3))

	records := []source.Record{
		{Key: "alice", Value: map[string]any{"entity_type": "person"}},
		{Key: "bob", Value: map[string]any{"entity_type": "person"}},
	}
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", records, true))

	// Staging rows are invisible to production reads.
	stagingCount, err := testDB.CountRecords(ctx, source.KindEntities, "default", true)
	require.NoError(t, err)
	prodCount, err := testDB.CountRecords(ctx, source.KindEntities, "default", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stagingCount)
	assert.Equal(t, 0, prodCount)

	require.NoError(t, testDB.PromoteStaging(ctx, 3))

	prodCount, err = testDB.CountRecords(ctx, source.KindEntities, "default", false)
	require.NoError(t, err)
	assert.Equal(t, 2, prodCount)

	// Promoted rows keep their values and remain addressable by key.
	values, err := testDB.FetchValues(ctx, source.KindEntities, "default", []string{"alice", "bob"}, false)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, "person", values["alice"]["entity_type"])
}

func TestPromoteStaging_ReplacesExistingProduction(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	// Old production content that must disappear on promote.
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", []source.Record{
		{Key: "stale", Value: map[string]any{"entity_type": "old"}},
	}, false))

	require.NoError(t, testDB.CreateStagingTables(ctx, 3))
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", []source.Record{
		{Key: "fresh", Value: map[string]any{"entity_type": "new"}},
	}, true))
	require.NoError(t, testDB.PromoteStaging(ctx, 3))

	values, err := testDB.FetchValues(ctx, source.KindEntities, "default", []string{"stale", "fresh"}, false)
	require.NoError(t, err)
	assert.NotContains(t, values, "stale")
	assert.Contains(t, values, "fresh")
}

func TestDropStagingTables(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.CreateStagingTables(ctx, 3))
	require.NoError(t, testDB.UpsertRecords(ctx, source.KindEntities, "default", []source.Record{
		{Key: "alice", Value: map[string]any{}},
	}, true))
	require.NoError(t, testDB.DropStagingTables(ctx))

	// Dropping twice is fine.
	require.NoError(t, testDB.DropStagingTables(ctx))

	// Schema is needed again for later tests.
	require.NoError(t, testDB.InitSchema(ctx, 3))
}
