// Package queue holds the ingestion queue, its lifecycle rules, the
// durable pending list and the batch ingestion controller.
package queue

import (
	"time"

	"github.com/raphaelgruber/memcp-migrate/internal/models"
)

// ApplyWriteRules merges an incoming observation of a source item into
// its existing queue row and enforces the lifecycle rules. It is a
// pure function invoked by every writer, independent of the backing
// store:
//
//   - a content-hash change while the row is in flight forces the row
//     dirty and raises its priority;
//   - a content-hash change on a completed row reopens it as
//     discovered with raised priority;
//   - otherwise in-flight and terminal rows keep their state, and
//     fresh metadata (hash, size, mtime) is recorded.
//
// A nil existing row yields a newly discovered item.
func ApplyWriteRules(existing *models.QueueItem, incoming models.QueueItem) models.QueueItem {
	if existing == nil {
		item := incoming
		item.Status = models.QueueStatusDiscovered
		if item.Priority == 0 {
			item.Priority = models.DefaultQueuePriority
		}
		if item.MaxRetries == 0 {
			item.MaxRetries = 3
		}
		if item.DiscoveredAt.IsZero() {
			item.DiscoveredAt = time.Now().UTC()
		}
		return item
	}

	item := *existing
	changed := incoming.ContentHash != "" && incoming.ContentHash != existing.ContentHash

	item.ContentHash = pick(incoming.ContentHash, existing.ContentHash)
	if !incoming.ModifiedAt.IsZero() {
		item.ModifiedAt = incoming.ModifiedAt
	}
	if incoming.Size > 0 {
		item.Size = incoming.Size
	}
	if incoming.Folder != nil {
		item.Folder = incoming.Folder
	}
	if incoming.ProjectPath != nil {
		item.ProjectPath = incoming.ProjectPath
	}

	if changed {
		switch {
		case existing.InFlight():
			item.Status = models.QueueStatusDirty
			item.Priority = boost(existing.Priority)
		case existing.Status == models.QueueStatusCompleted:
			item.Status = models.QueueStatusDiscovered
			item.Priority = boost(existing.Priority)
			item.CompletedAt = nil
			item.VectorizedAt = nil
			item.RetryCount = 0
			item.LastError = nil
		}
	}

	return item
}

func pick(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}

func boost(current int) int {
	if current < models.BoostedQueuePriority {
		return current
	}
	return models.BoostedQueuePriority
}
