// Ingestion queue queries. Writers go through the queue package, which
// applies the lifecycle rules before any row reaches these methods.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/memcp-migrate/internal/models"
)

// GetQueueItem returns the queue row for path, or nil if absent.
func (c *Client) GetQueueItem(ctx context.Context, path string) (*models.QueueItem, error) {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		SELECT * FROM ingest_queue WHERE path = $path LIMIT 1
	`, map[string]any{"path": path})
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// PutQueueItem writes a queue row keyed by its path.
func (c *Client) PutQueueItem(ctx context.Context, item *models.QueueItem) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::thing("ingest_queue", $path) CONTENT $content
	`, map[string]any{
		"path":    item.Path,
		"content": queueItemContent(item),
	})
	if err != nil {
		return fmt.Errorf("put queue item: %w", wrapQueryError(err))
	}
	return nil
}

// CreateQueueItem inserts a brand-new queue row. A concurrent writer
// that created the row first surfaces as ErrDuplicateKey.
func (c *Client) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::thing("ingest_queue", $path) CONTENT $content
	`, map[string]any{
		"path":    item.Path,
		"content": queueItemContent(item),
	})
	if err != nil {
		return fmt.Errorf("create queue item: %w", wrapQueryError(err))
	}
	return nil
}

// UpdateQueueItemGuarded rewrites a row only while it still matches the
// hash and status the caller read it at. Returns false when a
// concurrent writer (a claim, an advance) changed the row first, so the
// caller re-reads and re-applies the lifecycle rules.
func (c *Client) UpdateQueueItemGuarded(ctx context.Context, item *models.QueueItem, prevHash string, prevStatus models.QueueStatus) (bool, error) {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		UPDATE type::thing("ingest_queue", $path) CONTENT $content
		WHERE content_hash = $prev_hash AND status = $prev_status
		RETURN AFTER
	`, map[string]any{
		"path":        item.Path,
		"content":     queueItemContent(item),
		"prev_hash":   prevHash,
		"prev_status": string(prevStatus),
	})
	if err != nil {
		return false, fmt.Errorf("update queue item: %w", wrapQueryError(err))
	}
	written := results != nil && len(*results) > 0 && len((*results)[0].Result) > 0
	return written, nil
}

// ClaimQueueItem atomically locks the most urgent discovered row for
// the worker and advances it to vectorizing. Lock fields and the
// status advance are written in one transaction. Returns nil when no
// row is claimable. Each worker id runs one claim at a time.
func (c *Client) ClaimQueueItem(ctx context.Context, worker string) (*models.QueueItem, error) {
	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		LET $row = (
			SELECT id FROM ingest_queue
			WHERE status = "discovered" AND locked_by = NONE
			ORDER BY priority ASC, discovered_at ASC
			LIMIT 1
		)[0];
		IF $row != NONE {
			UPDATE $row.id SET
				status = "vectorizing",
				locked_by = $worker,
				locked_at = time::now();
		};
		COMMIT TRANSACTION;
	`, map[string]any{"worker": worker})
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", wrapQueryError(err))
	}

	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		SELECT * FROM ingest_queue
		WHERE locked_by = $worker AND status = "vectorizing"
		ORDER BY locked_at DESC
		LIMIT 1
	`, map[string]any{"worker": worker})
	if err != nil {
		return nil, fmt.Errorf("read claimed item: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// UpdateLockedItem rewrites a row while verifying the caller still
// holds its lock. Returns ErrNotFound when the lock was lost.
func (c *Client) UpdateLockedItem(ctx context.Context, worker string, item *models.QueueItem) error {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		UPDATE ingest_queue CONTENT $content
		WHERE path = $path AND locked_by = $worker
		RETURN AFTER
	`, map[string]any{
		"path":    item.Path,
		"worker":  worker,
		"content": queueItemContent(item),
	})
	if err != nil {
		return fmt.Errorf("update locked item: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("%w: lock on %s not held by %s", ErrNotFound, item.Path, worker)
	}
	return nil
}

// ExpiredLocks returns rows whose lock is older than cutoff.
func (c *Client) ExpiredLocks(ctx context.Context, cutoff time.Time) ([]models.QueueItem, error) {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		SELECT * FROM ingest_queue
		WHERE locked_by != NONE AND locked_at < $cutoff
	`, map[string]any{"cutoff": cutoff})
	if err != nil {
		return nil, fmt.Errorf("expired locks: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []models.QueueItem{}, nil
	}
	return (*results)[0].Result, nil
}

// ReleaseLock clears lock ownership and reverts the row to prev, but
// only while the lock is still past cutoff. A worker that resumed in
// the meantime keeps its claim.
func (c *Client) ReleaseLock(ctx context.Context, path string, prev models.QueueStatus, cutoff time.Time) (bool, error) {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		UPDATE ingest_queue SET
			status = $prev,
			locked_by = NONE,
			locked_at = NONE
		WHERE path = $path AND locked_at < $cutoff
		RETURN AFTER
	`, map[string]any{"path": path, "prev": string(prev), "cutoff": cutoff})
	if err != nil {
		return false, fmt.Errorf("release lock: %w", wrapQueryError(err))
	}
	released := results != nil && len(*results) > 0 && len((*results)[0].Result) > 0
	return released, nil
}

// StatusCount pairs a queue status with its row count.
type StatusCount struct {
	Status models.QueueStatus `json:"status"`
	Count  int                `json:"count"`
}

// QueueStats returns per-status row counts.
func (c *Client) QueueStats(ctx context.Context) ([]StatusCount, error) {
	results, err := surrealdb.Query[[]StatusCount](ctx, c.db, `
		SELECT status, count() AS count FROM ingest_queue GROUP BY status
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []StatusCount{}, nil
	}
	return (*results)[0].Result, nil
}

// ListQueueItems returns up to limit rows with the given status,
// most urgent first.
func (c *Client) ListQueueItems(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	results, err := surrealdb.Query[[]models.QueueItem](ctx, c.db, `
		SELECT * FROM ingest_queue
		WHERE status = $status
		ORDER BY priority ASC, discovered_at ASC
		LIMIT $limit
	`, map[string]any{"status": string(status), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []models.QueueItem{}, nil
	}
	return (*results)[0].Result, nil
}

// queueItemContent builds the row content map, omitting unset optional
// fields so SCHEMAFULL option<> fields stay NONE.
func queueItemContent(item *models.QueueItem) map[string]any {
	content := map[string]any{
		"path":          item.Path,
		"content_hash":  item.ContentHash,
		"modified_at":   item.ModifiedAt,
		"size":          item.Size,
		"status":        string(item.Status),
		"priority":      item.Priority,
		"retry_count":   item.RetryCount,
		"max_retries":   item.MaxRetries,
		"discovered_at": item.DiscoveredAt,
	}
	if item.LastError != nil {
		content["last_error"] = *item.LastError
	}
	if item.VectorizedAt != nil {
		content["vectorized_at"] = *item.VectorizedAt
	}
	if item.CompletedAt != nil {
		content["completed_at"] = *item.CompletedAt
	}
	if item.LockedBy != nil {
		content["locked_by"] = *item.LockedBy
	}
	if item.LockedAt != nil {
		content["locked_at"] = *item.LockedAt
	}
	if item.Folder != nil {
		content["folder"] = *item.Folder
	}
	if item.ProjectPath != nil {
		content["project_path"] = *item.ProjectPath
	}
	return content
}
