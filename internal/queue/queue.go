package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/db"
	"github.com/raphaelgruber/memcp-migrate/internal/models"
)

// ErrNotLockHolder indicates an advance was attempted by a worker that
// does not hold the row's lock.
var ErrNotLockHolder = errors.New("worker does not hold item lock")

// Queue is the multi-worker ingestion queue backed by the target
// database. All writes pass through ApplyWriteRules.
type Queue struct {
	client *db.Client
	logger *slog.Logger
}

// New creates a queue over the given database client.
func New(client *db.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, logger: logger}
}

// enqueueRetries bounds the optimistic write loop in Enqueue.
const enqueueRetries = 5

// Enqueue records a discovered source item. An existing row for the
// same path is merged under the lifecycle rules, so re-discovery of a
// changed completed file reopens it and a change under an in-flight
// row marks it dirty. The write is optimistic: it lands only while the
// row still matches the hash and status it was read at, so a claim or
// advance racing this discovery is never overwritten; the merge is
// re-run against the fresh row instead.
func (q *Queue) Enqueue(ctx context.Context, incoming models.QueueItem) (*models.QueueItem, error) {
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		existing, err := q.client.GetQueueItem(ctx, incoming.Path)
		if err != nil {
			return nil, err
		}

		item := ApplyWriteRules(existing, incoming)

		if existing == nil {
			err := q.client.CreateQueueItem(ctx, &item)
			if errors.Is(err, db.ErrDuplicateKey) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return &item, nil
		}

		written, err := q.client.UpdateQueueItemGuarded(ctx, &item, existing.ContentHash, existing.Status)
		if err != nil {
			return nil, err
		}
		if !written {
			q.logger.Debug("enqueue lost write race, retrying", "path", incoming.Path)
			continue
		}

		if item.Status != existing.Status {
			q.logger.Info("queue item transitioned",
				"path", item.Path, "from", existing.Status, "to", item.Status)
		}
		return &item, nil
	}
	return nil, fmt.Errorf("enqueue %s: gave up after %d conflicting writes", incoming.Path, enqueueRetries)
}

// Claim atomically locks the most urgent discovered item for worker
// and advances it to vectorizing. Returns nil when the queue has no
// claimable item.
func (q *Queue) Claim(ctx context.Context, worker string) (*models.QueueItem, error) {
	item, err := q.client.ClaimQueueItem(ctx, worker)
	if err != nil {
		return nil, err
	}
	if item != nil {
		q.logger.Debug("queue item claimed", "path", item.Path, "worker", worker)
	}
	return item, nil
}

// Advance moves a locked item to the next lifecycle status. Only the
// lock holder may advance; completion clears the lock.
func (q *Queue) Advance(ctx context.Context, worker string, item *models.QueueItem, next models.QueueStatus) error {
	if item.LockedBy == nil || *item.LockedBy != worker {
		return fmt.Errorf("%w: %s", ErrNotLockHolder, item.Path)
	}

	now := time.Now().UTC()
	updated := *item
	updated.Status = next
	switch next {
	case models.QueueStatusVectorized:
		updated.VectorizedAt = &now
	case models.QueueStatusCompleted:
		updated.CompletedAt = &now
		updated.LockedBy = nil
		updated.LockedAt = nil
	}

	// Re-apply the rules against the current row so a hash change that
	// raced this advance still forces dirty.
	current, err := q.client.GetQueueItem(ctx, item.Path)
	if err != nil {
		return err
	}
	if current != nil && current.ContentHash != item.ContentHash {
		merged := ApplyWriteRules(&updated, *current)
		updated = merged
	}

	if err := q.client.UpdateLockedItem(ctx, worker, &updated); err != nil {
		return err
	}
	*item = updated
	return nil
}

// Fail records a processing error on a locked item. Items with retries
// left return to discovered; exhausted items go to failed. The lock is
// released either way.
func (q *Queue) Fail(ctx context.Context, worker string, item *models.QueueItem, cause error) error {
	if item.LockedBy == nil || *item.LockedBy != worker {
		return fmt.Errorf("%w: %s", ErrNotLockHolder, item.Path)
	}

	updated := *item
	msg := cause.Error()
	updated.LastError = &msg
	updated.RetryCount++
	if updated.RetryCount >= updated.MaxRetries {
		updated.Status = models.QueueStatusFailed
	} else {
		updated.Status = models.QueueStatusDiscovered
	}
	updated.LockedBy = nil
	updated.LockedAt = nil

	if err := q.client.UpdateLockedItem(ctx, worker, &updated); err != nil {
		return err
	}
	q.logger.Warn("queue item failed",
		"path", item.Path, "retries", updated.RetryCount, "status", updated.Status, "error", cause)
	*item = updated
	return nil
}

// CleanupStaleLocks clears lock ownership and reverts status one step
// backward for every row locked past timeout, recovering work from
// crashed workers. Returns the number of rows recovered. Reclamation
// is maintenance, never an error condition.
func (q *Queue) CleanupStaleLocks(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	expired, err := q.client.ExpiredLocks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range expired {
		item := &expired[i]
		released, err := q.client.ReleaseLock(ctx, item.Path, item.PreviousStatus(), cutoff)
		if err != nil {
			return recovered, err
		}
		if released {
			recovered++
			q.logger.Info("stale lock reclaimed",
				"path", item.Path, "worker", deref(item.LockedBy),
				"reverted_to", item.PreviousStatus())
		}
	}
	return recovered, nil
}

// Stats returns per-status row counts.
func (q *Queue) Stats(ctx context.Context) (map[models.QueueStatus]int, error) {
	counts, err := q.client.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[models.QueueStatus]int, len(counts))
	for _, c := range counts {
		stats[c.Status] = c.Count
	}
	return stats, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
