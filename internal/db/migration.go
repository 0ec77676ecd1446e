// Migration queries: batch upserts, count/sample reads and the staging
// table lifecycle used by the direct and staged migration paths.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// UpsertRecords writes a batch of source records into the table for
// kind, keyed by (workspace, record_id). The write is idempotent:
// re-applying a partially committed batch leaves the same rows.
// Embeddings are lifted out of the value into the typed column.
func (c *Client) UpsertRecords(ctx context.Context, kind source.Kind, workspace string, records []source.Record, staging bool) error {
	if len(records) == 0 {
		return nil
	}
	table := TableFor(kind, staging)

	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		value := rec.Value
		var embedding any
		if raw, ok := value["embedding"]; ok {
			embedding = raw
			stripped := make(map[string]any, len(value)-1)
			for k, v := range value {
				if k != "embedding" {
					stripped[k] = v
				}
			}
			value = stripped
		}
		rows[i] = map[string]any{
			"key":       rec.Key,
			"value":     value,
			"embedding": embedding,
		}
	}

	sql := fmt.Sprintf(`
		FOR $rec IN $records {
			UPSERT type::thing(%q, [$workspace, $rec.key]) CONTENT {
				workspace:  $workspace,
				record_id:  $rec.key,
				value:      $rec.value,
				embedding:  $rec.embedding,
				updated_at: time::now()
			};
		};
	`, table)

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"workspace": workspace,
		"records":   rows,
	})
	if err != nil {
		return fmt.Errorf("upsert %s batch: %w", table, wrapQueryError(err))
	}
	return nil
}

type countRow struct {
	Count int `json:"count"`
}

// CountRecords returns the number of rows of a kind in the workspace.
func (c *Client) CountRecords(ctx context.Context, kind source.Kind, workspace string, staging bool) (int, error) {
	table := TableFor(kind, staging)
	results, err := surrealdb.Query[[]countRow](ctx, c.db, `
		SELECT count() FROM type::table($table) WHERE workspace = $workspace GROUP ALL
	`, map[string]any{"table": table, "workspace": workspace})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

type valueRow struct {
	RecordID  string         `json:"record_id"`
	Value     map[string]any `json:"value"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// FetchValues returns the stored values for the given record keys,
// with embeddings folded back into the value map for comparison
// against source records.
func (c *Client) FetchValues(ctx context.Context, kind source.Kind, workspace string, keys []string, staging bool) (map[string]map[string]any, error) {
	table := TableFor(kind, staging)
	results, err := surrealdb.Query[[]valueRow](ctx, c.db, `
		SELECT record_id, value, embedding FROM type::table($table)
		WHERE workspace = $workspace AND record_id IN $keys
	`, map[string]any{"table": table, "workspace": workspace, "keys": keys})
	if err != nil {
		return nil, fmt.Errorf("fetch %s values: %w", table, wrapQueryError(err))
	}

	out := make(map[string]map[string]any)
	if results == nil || len(*results) == 0 {
		return out, nil
	}
	for _, row := range (*results)[0].Result {
		value := row.Value
		if len(row.Embedding) > 0 {
			value["embedding"] = row.Embedding
		}
		out[row.RecordID] = value
	}
	return out, nil
}

type dimRow struct {
	MinDim int `json:"min_dim"`
	MaxDim int `json:"max_dim"`
}

// VectorDimRange returns the minimum and maximum embedding width
// observed across chunk rows in the workspace. ok is false when no row
// carries an embedding.
func (c *Client) VectorDimRange(ctx context.Context, workspace string, staging bool) (minDim, maxDim int, ok bool, err error) {
	table := TableFor(source.KindChunks, staging)
	results, qerr := surrealdb.Query[[]dimRow](ctx, c.db, `
		SELECT math::min(len) AS min_dim, math::max(len) AS max_dim FROM (
			SELECT array::len(embedding) AS len FROM type::table($table)
			WHERE workspace = $workspace AND embedding != NONE
		) GROUP ALL
	`, map[string]any{"table": table, "workspace": workspace})
	if qerr != nil {
		return 0, 0, false, fmt.Errorf("vector dims %s: %w", table, wrapQueryError(qerr))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, 0, false, nil
	}
	row := (*results)[0].Result[0]
	return row.MinDim, row.MaxDim, true, nil
}

// CreateStagingTables drops any leftover staging tables and defines a
// fresh set sized to vectorDim.
func (c *Client) CreateStagingTables(ctx context.Context, vectorDim int) error {
	c.logger.Info("creating staging tables", "vector_dim", vectorDim)
	var b strings.Builder
	for _, kind := range source.Kinds {
		fmt.Fprintf(&b, "REMOVE TABLE IF EXISTS %s;\n", TableFor(kind, true))
	}
	b.WriteString(StagingSchemaSQL(vectorDim))
	if _, err := surrealdb.Query[any](ctx, c.db, b.String(), nil); err != nil {
		return fmt.Errorf("create staging tables: %w", wrapQueryError(err))
	}
	return nil
}

// DropStagingTables removes the staging table set.
func (c *Client) DropStagingTables(ctx context.Context) error {
	var b strings.Builder
	for _, kind := range source.Kinds {
		fmt.Fprintf(&b, "REMOVE TABLE IF EXISTS %s;\n", TableFor(kind, true))
	}
	if _, err := surrealdb.Query[any](ctx, c.db, b.String(), nil); err != nil {
		return fmt.Errorf("drop staging tables: %w", wrapQueryError(err))
	}
	return nil
}

// PromoteStaging replaces the production record tables with the
// staging set. The whole table set moves in a single transaction, so a
// failure promotes nothing and the staging tables survive for retry.
func (c *Client) PromoteStaging(ctx context.Context, vectorDim int) error {
	c.logger.Info("promoting staging tables", "vector_dim", vectorDim)

	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	for _, kind := range source.Kinds {
		prod := TableFor(kind, false)
		stage := TableFor(kind, true)
		fmt.Fprintf(&b, "REMOVE TABLE IF EXISTS %s;\n", prod)
		b.WriteString(recordTableSQL(prod, vectorDim, kind == source.KindChunks))
		fmt.Fprintf(&b, `
		INSERT INTO %[1]s (
			SELECT type::thing(%[1]q, [workspace, record_id]) AS id,
			       workspace, record_id, value, embedding, updated_at
			FROM %[2]s
		);
		REMOVE TABLE %[2]s;
`, prod, stage)
	}
	b.WriteString("COMMIT TRANSACTION;\n")

	if _, err := surrealdb.Query[any](ctx, c.db, b.String(), nil); err != nil {
		return fmt.Errorf("promote staging tables: %w", wrapQueryError(err))
	}
	c.logger.Info("staging tables promoted")
	return nil
}
