// Package migrate moves a file-based dataset into SurrealDB: a
// checkpointed direct job, a staged four-phase coordinator and the
// verification engine that certifies both.
package migrate

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/memcp-migrate/internal/fsutil"
	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// CheckpointStatus is the lifecycle state of a migration job run.
type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// KindProgress tracks per-kind totals. Migrated never exceeds Total.
type KindProgress struct {
	Total    int `json:"total"`
	Migrated int `json:"migrated"`
}

// Checkpoint is the durable progress record of one direct migration
// job. Persisted after every batch; owned by exactly one run at a
// time.
type Checkpoint struct {
	JobID     string                        `json:"job_id"`
	Status    CheckpointStatus              `json:"status"`
	Kinds     map[source.Kind]*KindProgress `json:"kinds"`
	LastKey   string                        `json:"last_key,omitempty"`
	Errors    []string                      `json:"errors,omitempty"`
	StartedAt time.Time                     `json:"started_at"`
	UpdatedAt time.Time                     `json:"updated_at"`
}

// NewCheckpoint creates a fresh checkpoint with a new job id.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		JobID:     uuid.New().String(),
		Status:    CheckpointInProgress,
		Kinds:     make(map[source.Kind]*KindProgress),
		StartedAt: time.Now().UTC(),
	}
}

// LoadCheckpoint reads a checkpoint file. Returns (nil, nil) when the
// file does not exist.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := fsutil.ReadJSON(path, &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Kinds == nil {
		cp.Kinds = make(map[source.Kind]*KindProgress)
	}
	return &cp, nil
}

// Save persists the checkpoint atomically.
func (c *Checkpoint) Save(path string) error {
	c.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSONAtomic(path, c); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Progress returns the per-kind counters, creating them on first use.
func (c *Checkpoint) Progress(kind source.Kind) *KindProgress {
	p, ok := c.Kinds[kind]
	if !ok {
		p = &KindProgress{}
		c.Kinds[kind] = p
	}
	return p
}

// Resumable reports whether a later run may pick this checkpoint up.
func (c *Checkpoint) Resumable() bool {
	return c.Status == CheckpointInProgress || c.Status == CheckpointFailed
}

// RecordError appends an error to the durable error list.
func (c *Checkpoint) RecordError(err error) {
	c.Errors = append(c.Errors, err.Error())
}
