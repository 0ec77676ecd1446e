package db

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// StagingSuffix is appended to production table names during staged
// migration.
const StagingSuffix = "_staging"

// kindTables maps each source record kind to its production table.
var kindTables = map[source.Kind]string{
	source.KindEntities:  "entity",
	source.KindRelations: "relation",
	source.KindChunks:    "chunk",
	source.KindDocStatus: "doc_status",
}

// TableFor returns the target table for a record kind, with the
// staging suffix applied when staging is set.
func TableFor(kind source.Kind, staging bool) string {
	table := kindTables[kind]
	if staging {
		table += StagingSuffix
	}
	return table
}

// recordTableSQL defines one record table. All four kinds share the
// same shape: rows keyed by (workspace, record_id) with the source
// value carried as a flexible object and an optional embedding.
func recordTableSQL(table string, vectorDim int, withIndex bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
    DEFINE TABLE IF NOT EXISTS %[1]s SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS workspace ON %[1]s TYPE string;
    DEFINE FIELD IF NOT EXISTS record_id ON %[1]s TYPE string;
    DEFINE FIELD IF NOT EXISTS value ON %[1]s FLEXIBLE TYPE object;
    DEFINE FIELD IF NOT EXISTS embedding ON %[1]s TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS updated_at ON %[1]s TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS %[1]s_key ON %[1]s FIELDS workspace, record_id UNIQUE;
`, table)
	if withIndex {
		fmt.Fprintf(&b, `
    DEFINE INDEX IF NOT EXISTS %[1]s_embedding ON %[1]s FIELDS embedding HNSW DIMENSION %[2]d DIST COSINE TYPE F32;
`, table, vectorDim)
	}
	return b.String()
}

// SchemaSQL returns the production schema: the four record tables plus
// the ingestion queue. Only the chunk table carries a vector index;
// its dimension is fixed at creation from detected source width.
func SchemaSQL(vectorDim int) string {
	var b strings.Builder
	for _, kind := range source.Kinds {
		withIndex := kind == source.KindChunks
		b.WriteString(recordTableSQL(TableFor(kind, false), vectorDim, withIndex))
	}
	b.WriteString(queueSchemaSQL)
	return b.String()
}

// StagingSchemaSQL returns definitions for the staging-suffixed record
// tables, sized to the given vector width.
func StagingSchemaSQL(vectorDim int) string {
	var b strings.Builder
	for _, kind := range source.Kinds {
		withIndex := kind == source.KindChunks
		b.WriteString(recordTableSQL(TableFor(kind, true), vectorDim, withIndex))
	}
	return b.String()
}

// queueSchemaSQL defines the ingestion queue table: one row per
// discoverable source item with status lifecycle, priority and
// lock ownership.
const queueSchemaSQL = `
    DEFINE TABLE IF NOT EXISTS ingest_queue SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS path ON ingest_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS content_hash ON ingest_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS modified_at ON ingest_queue TYPE datetime;
    DEFINE FIELD IF NOT EXISTS size ON ingest_queue TYPE int;
    DEFINE FIELD IF NOT EXISTS status ON ingest_queue TYPE string
        ASSERT $value IN ["discovered", "vectorizing", "vectorized", "graphing", "completed", "failed", "dirty"];
    DEFINE FIELD IF NOT EXISTS priority ON ingest_queue TYPE int DEFAULT 50;
    DEFINE FIELD IF NOT EXISTS retry_count ON ingest_queue TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS max_retries ON ingest_queue TYPE int DEFAULT 3;
    DEFINE FIELD IF NOT EXISTS last_error ON ingest_queue TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS discovered_at ON ingest_queue TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS vectorized_at ON ingest_queue TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON ingest_queue TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS locked_by ON ingest_queue TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS locked_at ON ingest_queue TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS folder ON ingest_queue TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS project_path ON ingest_queue TYPE option<string>;

    DEFINE INDEX IF NOT EXISTS ingest_queue_path ON ingest_queue FIELDS path UNIQUE;
    DEFINE INDEX IF NOT EXISTS ingest_queue_status ON ingest_queue FIELDS status;
`
