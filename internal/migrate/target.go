package migrate

import (
	"context"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// TargetStore is the write/read surface the migration job and the
// verification engine need from the target database. Implemented by
// db.Client; tests substitute an in-memory fake.
type TargetStore interface {
	// UpsertRecords writes a batch keyed by (workspace, record_id);
	// re-applying a partially committed batch is safe.
	UpsertRecords(ctx context.Context, kind source.Kind, workspace string, records []source.Record, staging bool) error

	// CountRecords returns the stored row count for a kind.
	CountRecords(ctx context.Context, kind source.Kind, workspace string, staging bool) (int, error)

	// FetchValues returns stored values for the given record keys.
	FetchValues(ctx context.Context, kind source.Kind, workspace string, keys []string, staging bool) (map[string]map[string]any, error)

	// VectorDimRange returns the min/max embedding width across stored
	// chunk rows; ok is false when no row carries an embedding.
	VectorDimRange(ctx context.Context, workspace string, staging bool) (minDim, maxDim int, ok bool, err error)
}

// StagingStore adds the staging table lifecycle needed by the staged
// coordinator.
type StagingStore interface {
	TargetStore

	InitSchema(ctx context.Context, vectorDim int) error
	CreateStagingTables(ctx context.Context, vectorDim int) error
	PromoteStaging(ctx context.Context, vectorDim int) error
	DropStagingTables(ctx context.Context) error
}
