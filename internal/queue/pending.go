package queue

import (
	"fmt"
	"os"
	"sync"

	"github.com/raphaelgruber/memcp-migrate/internal/fsutil"
)

// PendingList is the durable list of item paths awaiting ingestion.
// Append-only on discovery; an item is removed only after confirmed
// success. Every mutation rewrites the file atomically, so a killed
// controller resumes with completed work gone and unprocessed work
// intact.
type PendingList struct {
	path string

	mu    sync.Mutex
	items []string
}

// LoadPendingList reads the pending list at path, creating an empty
// one when the file does not exist.
func LoadPendingList(path string) (*PendingList, error) {
	var items []string
	if err := fsutil.ReadJSON(path, &items); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load pending list: %w", err)
		}
		items = []string{}
	}
	return &PendingList{path: path, items: items}, nil
}

// Items returns a copy of the current pending paths.
func (p *PendingList) Items() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.items...)
}

// Len returns the number of pending paths.
func (p *PendingList) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Append adds paths not already listed and persists the list.
func (p *PendingList) Append(paths ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(p.items))
	for _, item := range p.items {
		seen[item] = struct{}{}
	}
	added := false
	for _, path := range paths {
		if _, ok := seen[path]; ok {
			continue
		}
		p.items = append(p.items, path)
		seen[path] = struct{}{}
		added = true
	}
	if !added {
		return nil
	}
	return p.persist()
}

// Remove deletes paths from the list and persists it. Missing paths
// are ignored.
func (p *PendingList) Remove(paths ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		drop[path] = struct{}{}
	}
	kept := p.items[:0]
	removed := false
	for _, item := range p.items {
		if _, ok := drop[item]; ok {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	p.items = kept
	if !removed {
		return nil
	}
	return p.persist()
}

func (p *PendingList) persist() error {
	if err := fsutil.WriteJSONAtomic(p.path, p.items); err != nil {
		return fmt.Errorf("persist pending list: %w", err)
	}
	return nil
}
