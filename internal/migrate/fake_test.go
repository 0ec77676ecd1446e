package migrate

import (
	"context"
	"sync"

	"github.com/raphaelgruber/memcp-migrate/internal/source"
)

// fakeStore is an in-memory StagingStore. It mirrors the target's
// keying: one value map per (kind, workspace, key), with separate
// production and staging table sets.
type fakeStore struct {
	mu      sync.Mutex
	prod    map[string]map[string]any
	staging map[string]map[string]any

	upsertCalls int

	stagingCreated  bool
	stagingDropped  bool
	promoted        bool
	schemaVectorDim int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prod:    make(map[string]map[string]any),
		staging: make(map[string]map[string]any),
	}
}

func storeKey(kind source.Kind, workspace, key string) string {
	return string(kind) + "\x00" + workspace + "\x00" + key
}

func (f *fakeStore) tables(staging bool) map[string]map[string]any {
	if staging {
		return f.staging
	}
	return f.prod
}

func (f *fakeStore) UpsertRecords(ctx context.Context, kind source.Kind, workspace string, records []source.Record, staging bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	tables := f.tables(staging)
	for _, r := range records {
		tables[storeKey(kind, workspace, r.Key)] = r.Value
	}
	return nil
}

func (f *fakeStore) CountRecords(ctx context.Context, kind source.Kind, workspace string, staging bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := string(kind) + "\x00" + workspace + "\x00"
	n := 0
	for k := range f.tables(staging) {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) FetchValues(ctx context.Context, kind source.Kind, workspace string, keys []string, staging bool) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]any, len(keys))
	tables := f.tables(staging)
	for _, key := range keys {
		if v, ok := tables[storeKey(kind, workspace, key)]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (f *fakeStore) VectorDimRange(ctx context.Context, workspace string, staging bool) (int, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := string(source.KindChunks) + "\x00" + workspace + "\x00"
	minDim, maxDim := 0, 0
	found := false
	for k, v := range f.tables(staging) {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		dim := source.EmbeddingDim(v)
		if dim == 0 {
			continue
		}
		if !found || dim < minDim {
			minDim = dim
		}
		if dim > maxDim {
			maxDim = dim
		}
		found = true
	}
	return minDim, maxDim, found, nil
}

func (f *fakeStore) InitSchema(ctx context.Context, vectorDim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemaVectorDim = vectorDim
	return nil
}

func (f *fakeStore) CreateStagingTables(ctx context.Context, vectorDim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stagingCreated = true
	f.schemaVectorDim = vectorDim
	f.staging = make(map[string]map[string]any)
	return nil
}

func (f *fakeStore) PromoteStaging(ctx context.Context, vectorDim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = true
	f.prod = f.staging
	f.staging = make(map[string]map[string]any)
	return nil
}

func (f *fakeStore) DropStagingTables(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stagingDropped = true
	f.staging = make(map[string]map[string]any)
	return nil
}

var _ StagingStore = (*fakeStore)(nil)
