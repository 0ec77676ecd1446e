// Package source reads a file-based memcp dataset: four record kinds
// persisted as JSON stores in a single dataset directory.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// Kind identifies one of the four migratable record kinds.
type Kind string

const (
	KindEntities  Kind = "entities"
	KindRelations Kind = "relations"
	KindChunks    Kind = "chunks"
	KindDocStatus Kind = "doc_status"
)

// Kinds is the fixed migration order.
var Kinds = []Kind{KindEntities, KindRelations, KindChunks, KindDocStatus}

// Data-bearing files per kind.
var kindFiles = map[Kind]string{
	KindEntities:  "kv_store_entities.json",
	KindRelations: "kv_store_relations.json",
	KindChunks:    "kv_store_chunks.json",
	KindDocStatus: "kv_store_doc_status.json",
}

// DataFilePatterns enumerates every data-bearing file pattern in a
// dataset directory. Backups cover exactly these.
func DataFilePatterns() []string {
	return []string{"kv_store_*.json", "vdb_*.json", "*.graphml"}
}

// DefaultVectorDim is assumed when no source chunk carries an
// embedding. Matches the memcp server's all-minilm:l6-v2 index.
const DefaultVectorDim = 384

// ErrNotADataset indicates the directory holds no recognizable dataset files.
var ErrNotADataset = errors.New("directory contains no dataset files")

// Record is a single source record with its stable identifier.
type Record struct {
	Key   string
	Value map[string]any
}

// Store reads records from a dataset directory. All reads go to disk;
// nothing is cached between calls, so in-flight file mutation is
// observed on the next read.
type Store struct {
	dir string
}

// Open validates the dataset directory and returns a store over it.
// At least one data-bearing file must exist.
func Open(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open dataset: %s is not a directory", dir)
	}

	found := false
	for _, pattern := range DataFilePatterns() {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		if len(matches) > 0 {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotADataset, dir)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the dataset directory.
func (s *Store) Dir() string {
	return s.dir
}

// Count returns the number of records of the given kind.
// A missing kind file counts as zero records.
func (s *Store) Count(kind Kind) (int, error) {
	records, err := s.Load(kind)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Load reads all records of a kind, sorted by key. Sorting gives every
// call a stable order so offset-based resume lands on the same records.
func (s *Store) Load(kind Kind) ([]Record, error) {
	file, ok := kindFiles[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	path := filepath.Join(s.dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	var records []Record
	if kind == KindRelations {
		records, err = decodeEdgeList(data)
	} else {
		records, err = decodeKVMap(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records, nil
}

// Range returns up to limit records of a kind starting at offset in
// stable key order.
func (s *Store) Range(kind Kind, offset, limit int) ([]Record, error) {
	records, err := s.Load(kind)
	if err != nil {
		return nil, err
	}
	if offset >= len(records) {
		return []Record{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

// Get returns the record with the given key, or nil if absent.
func (s *Store) Get(kind Kind, key string) (*Record, error) {
	records, err := s.Load(kind)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Key == key {
			return &records[i], nil
		}
	}
	return nil, nil
}

// SampleKeys returns up to n distinct record keys chosen at random.
func (s *Store) SampleKeys(kind Kind, n int) ([]string, error) {
	records, err := s.Load(kind)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	if n >= len(keys) {
		return keys, nil
	}
	rand.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	return keys[:n], nil
}

// DetectVectorDim inspects up to sampleSize chunk records and returns
// the length of the first non-empty embedding. Falls back to
// DefaultVectorDim when no sampled chunk carries one.
func (s *Store) DetectVectorDim(sampleSize int) (int, error) {
	if sampleSize <= 0 {
		sampleSize = 10
	}
	records, err := s.Range(KindChunks, 0, sampleSize)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if dim := EmbeddingDim(r.Value); dim > 0 {
			return dim, nil
		}
	}
	return DefaultVectorDim, nil
}

// EmbeddingDim returns the embedding length carried by a record value,
// or 0 if the value has no non-empty embedding.
func EmbeddingDim(value map[string]any) int {
	raw, ok := value["embedding"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case []any:
		return len(v)
	case []float64:
		return len(v)
	case []float32:
		return len(v)
	default:
		return 0
	}
}

// decodeKVMap decodes an id-to-record JSON object store.
func decodeKVMap(data []byte) ([]Record, error) {
	var kv map[string]map[string]any
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(kv))
	for key, value := range kv {
		records = append(records, Record{Key: key, Value: value})
	}
	return records, nil
}

// decodeEdgeList decodes the relations store, a JSON array of edges.
// An edge without an explicit id gets one derived from its endpoints.
func decodeEdgeList(data []byte) ([]Record, error) {
	var edges []map[string]any
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(edges))
	for _, edge := range edges {
		key, _ := edge["id"].(string)
		if key == "" {
			src, _ := edge["src_id"].(string)
			tgt, _ := edge["tgt_id"].(string)
			key = src + "->" + tgt
		}
		records = append(records, Record{Key: key, Value: edge})
	}
	return records, nil
}
