// Package fscache holds the in-memory view of what the last scan observed in
// the managed plugin directory.
//
// A Cache is owned by exactly one scanner instance. The scanner and the
// reconciler mutate it during a cycle; readers such as the status endpoint
// only take snapshots.
package fscache

import (
	"sort"
	"sync"

	"github.com/steveyegge/plugsync/internal/plugin"
)

// Entry is the cached record for one file. Content is never populated.
type Entry = plugin.Record

// Cache maps absolute file paths to the record last observed for them.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Get returns a copy of the entry for path.
func (c *Cache) Get(path string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Put stores a copy of e for path, replacing any previous entry.
func (c *Cache) Put(path string, e *Entry) {
	cp := e.WithoutContent()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cp
}

// Remove drops the entry for path. Removing a missing path is a no-op.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Paths returns all cached paths in lexicographic order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FindByName returns the first path, in lexicographic order, whose entry
// carries the given logical name.
func (c *Cache) FindByName(name string) (string, *Entry, bool) {
	for _, p := range c.Paths() {
		if e, ok := c.Get(p); ok && e.Name == name {
			return p, e, true
		}
	}
	return "", nil, false
}

// GroupByName returns the cached paths for every logical name, each group
// sorted lexicographically.
func (c *Cache) GroupByName() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make(map[string][]string)
	for p, e := range c.entries {
		groups[e.Name] = append(groups[e.Name], p)
	}
	for _, paths := range groups {
		sort.Strings(paths)
	}
	return groups
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns copies of all entries keyed by path.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for p, e := range c.entries {
		out[p] = *e
	}
	return out
}
