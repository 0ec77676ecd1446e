package models

import "time"

// QueueStatus is the lifecycle state of an ingestion queue item.
type QueueStatus string

const (
	QueueStatusDiscovered  QueueStatus = "discovered"
	QueueStatusVectorizing QueueStatus = "vectorizing"
	QueueStatusVectorized  QueueStatus = "vectorized"
	QueueStatusGraphing    QueueStatus = "graphing"
	QueueStatusCompleted   QueueStatus = "completed"
	QueueStatusFailed      QueueStatus = "failed"
	QueueStatusDirty       QueueStatus = "dirty"
)

// QueueStatuses lists every status in lifecycle order.
var QueueStatuses = []QueueStatus{
	QueueStatusDiscovered,
	QueueStatusVectorizing,
	QueueStatusVectorized,
	QueueStatusGraphing,
	QueueStatusCompleted,
	QueueStatusFailed,
	QueueStatusDirty,
}

// QueueItem is one discoverable source item. Path is the unique key.
// Lower priority values are more urgent. Lock fields are both set or
// both nil.
type QueueItem struct {
	Path        string      `json:"path"`
	ContentHash string      `json:"content_hash"`
	ModifiedAt  time.Time   `json:"modified_at"`
	Size        int64       `json:"size"`
	Status      QueueStatus `json:"status"`
	Priority    int         `json:"priority"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	LastError   *string     `json:"last_error,omitempty"`

	DiscoveredAt time.Time  `json:"discovered_at"`
	VectorizedAt *time.Time `json:"vectorized_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	LockedBy *string    `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	Folder      *string `json:"folder,omitempty"`
	ProjectPath *string `json:"project_path,omitempty"`
}

// DefaultQueuePriority is the priority assigned on first discovery.
const DefaultQueuePriority = 50

// BoostedQueuePriority is assigned when a content change forces a row
// dirty or reopens a completed row.
const BoostedQueuePriority = 10

// InFlight reports whether the item is between claim and completion.
func (q *QueueItem) InFlight() bool {
	switch q.Status {
	case QueueStatusVectorizing, QueueStatusVectorized, QueueStatusGraphing:
		return true
	}
	return false
}

// Locked reports whether a worker currently owns the item.
func (q *QueueItem) Locked() bool {
	return q.LockedBy != nil
}

// PreviousStatus returns the status one lifecycle step backward, used
// when a stale lock is reclaimed. Non-advancing states map to
// themselves.
func (q *QueueItem) PreviousStatus() QueueStatus {
	switch q.Status {
	case QueueStatusVectorizing:
		return QueueStatusDiscovered
	case QueueStatusVectorized:
		return QueueStatusVectorizing
	case QueueStatusGraphing:
		return QueueStatusVectorized
	default:
		return q.Status
	}
}
