package core

import (
	"sync"
)

// CacheEntry pairs a computed result with the store generation observed when
// it was computed. The entry is valid only while the store still reports
// that generation.
type CacheEntry struct {
	Generation uint64
	Value      any
}

// Cache is the process-local computation cache. It is purely an
// optimization: every read must produce identical results with the cache
// disabled. Correctness is enforced two ways: mutations on this instance
// call InvalidateAll before reporting success, and the orchestrator
// validates each hit's generation against the store so other instances'
// committed mutations are seen on the next read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]CacheEntry)}
}

// Get returns the entry for key if present.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put stores an entry under key, replacing any previous one.
func (c *Cache) Put(key string, e CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// Drop removes a single entry, used when a hit turns out stale.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll empties the cache. Called synchronously by every committed
// mutation before it returns success.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CacheEntry)
}

// Len reports the number of live entries, used by tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
