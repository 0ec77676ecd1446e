package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/memcp-migrate/internal/models"
)

func discoveredItem(path string, priority int) *models.QueueItem {
	return &models.QueueItem{
		Path:         path,
		ContentHash:  "hash-" + path,
		ModifiedAt:   time.Now().UTC(),
		Size:         100,
		Status:       models.QueueStatusDiscovered,
		Priority:     priority,
		MaxRetries:   3,
		DiscoveredAt: time.Now().UTC(),
	}
}

func TestPutGetQueueItem(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	item := discoveredItem("/data/doc.md", models.DefaultQueuePriority)
	require.NoError(t, testDB.PutQueueItem(ctx, item))

	got, err := testDB.GetQueueItem(ctx, "/data/doc.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, item.Path, got.Path)
	assert.Equal(t, item.ContentHash, got.ContentHash)
	assert.Equal(t, models.QueueStatusDiscovered, got.Status)
	assert.Nil(t, got.LockedBy)

	missing, err := testDB.GetQueueItem(ctx, "/data/absent.md")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPutQueueItem_UpsertsByPath(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	item := discoveredItem("/data/doc.md", models.DefaultQueuePriority)
	require.NoError(t, testDB.PutQueueItem(ctx, item))

	item.ContentHash = "changed"
	require.NoError(t, testDB.PutQueueItem(ctx, item))

	stats, err := testDB.QueueStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Count)

	got, err := testDB.GetQueueItem(ctx, "/data/doc.md")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.ContentHash)
}

func TestCreateQueueItem_DuplicateIsRejected(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	item := discoveredItem("/data/doc.md", models.DefaultQueuePriority)
	require.NoError(t, testDB.CreateQueueItem(ctx, item))

	err := testDB.CreateQueueItem(ctx, item)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestUpdateQueueItemGuarded_StaleSnapshotRefused(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	item := discoveredItem("/data/doc.md", 50)
	require.NoError(t, testDB.PutQueueItem(ctx, item))

	// A worker claims the row after the discovery read.
	claimed, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The discovery write carries the pre-claim snapshot and must not
	// land over the worker's lock.
	stale := *item
	stale.ContentHash = "rediscovered"
	written, err := testDB.UpdateQueueItemGuarded(ctx, &stale, item.ContentHash, models.QueueStatusDiscovered)
	require.NoError(t, err)
	assert.False(t, written)

	current, err := testDB.GetQueueItem(ctx, item.Path)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusVectorizing, current.Status)
	require.NotNil(t, current.LockedBy)
	assert.Equal(t, "worker-1", *current.LockedBy)
	assert.Equal(t, item.ContentHash, current.ContentHash)
}

func TestUpdateQueueItemGuarded_MatchingSnapshotWrites(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	item := discoveredItem("/data/doc.md", 50)
	require.NoError(t, testDB.PutQueueItem(ctx, item))

	updated := *item
	updated.ContentHash = "rediscovered"
	written, err := testDB.UpdateQueueItemGuarded(ctx, &updated, item.ContentHash, models.QueueStatusDiscovered)
	require.NoError(t, err)
	assert.True(t, written)

	got, err := testDB.GetQueueItem(ctx, item.Path)
	require.NoError(t, err)
	assert.Equal(t, "rediscovered", got.ContentHash)
}

func TestClaimQueueItem_PicksMostUrgent(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/low.md", 50)))
	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/urgent.md", 10)))

	claimed, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "/data/urgent.md", claimed.Path)
	assert.Equal(t, models.QueueStatusVectorizing, claimed.Status)
	require.NotNil(t, claimed.LockedBy)
	assert.Equal(t, "worker-1", *claimed.LockedBy)
	assert.NotNil(t, claimed.LockedAt)
}

func TestClaimQueueItem_NeverDoubleClaims(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/only.md", 50)))

	first, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := testDB.ClaimQueueItem(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second, "a locked row is not claimable")
}

func TestClaimQueueItem_EmptyQueue(t *testing.T) {
	wipeTestData(t)
	claimed, err := testDB.ClaimQueueItem(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestUpdateLockedItem(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/doc.md", 50)))
	claimed, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Status = models.QueueStatusVectorized
	require.NoError(t, testDB.UpdateLockedItem(ctx, "worker-1", claimed))

	got, err := testDB.GetQueueItem(ctx, "/data/doc.md")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusVectorized, got.Status)

	// A worker that does not hold the lock is refused.
	err = testDB.UpdateLockedItem(ctx, "worker-2", claimed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredLocksAndRelease(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/doc.md", 50)))
	claimed, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A cutoff in the past finds nothing.
	stale, err := testDB.ExpiredLocks(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// A future cutoff treats the fresh lock as expired.
	cutoff := time.Now().UTC().Add(time.Hour)
	stale, err = testDB.ExpiredLocks(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "/data/doc.md", stale[0].Path)

	released, err := testDB.ReleaseLock(ctx, "/data/doc.md", stale[0].PreviousStatus(), cutoff)
	require.NoError(t, err)
	assert.True(t, released)

	got, err := testDB.GetQueueItem(ctx, "/data/doc.md")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusDiscovered, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)

	// The row is claimable again.
	reclaimed, err := testDB.ClaimQueueItem(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "/data/doc.md", reclaimed.Path)
}

func TestReleaseLock_KeepsResumedClaim(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem("/data/doc.md", 50)))
	claimed, err := testDB.ClaimQueueItem(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Cutoff before the lock was taken: the release is refused.
	released, err := testDB.ReleaseLock(ctx, "/data/doc.md", models.QueueStatusDiscovered, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, released)

	got, err := testDB.GetQueueItem(ctx, "/data/doc.md")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusVectorizing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "worker-1", *got.LockedBy)
}

func TestQueueStatsAndList(t *testing.T) {
	wipeTestData(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, testDB.PutQueueItem(ctx, discoveredItem(fmt.Sprintf("/data/doc-%d.md", i), 50-i)))
	}
	done := discoveredItem("/data/done.md", 50)
	done.Status = models.QueueStatusCompleted
	require.NoError(t, testDB.PutQueueItem(ctx, done))

	stats, err := testDB.QueueStats(ctx)
	require.NoError(t, err)
	byStatus := make(map[models.QueueStatus]int, len(stats))
	for _, s := range stats {
		byStatus[s.Status] = s.Count
	}
	assert.Equal(t, 3, byStatus[models.QueueStatusDiscovered])
	assert.Equal(t, 1, byStatus[models.QueueStatusCompleted])

	items, err := testDB.ListQueueItems(ctx, models.QueueStatusDiscovered, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/data/doc-2.md", items[0].Path, "lowest priority value first")
}
