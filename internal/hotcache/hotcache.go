// Package hotcache holds the authoritative in-memory view of
// preferences and mediates between optimistic writes and backend
// snapshots. Grounded on cryptoengine's sync.Map-per-concern shape
// (lock-free reads, no interned global lock), adapted here to cache
// entries plus an additive-only dirty set rather than keys plus
// per-alias locks.
package hotcache

import (
	"sync"
	"sync/atomic"

	"github.com/ksafevault/ksafe/internal/prefstore"
)

// Cache is the concurrent in-memory map from raw cache key to cached
// value (a primitive or the canonical textual encoding of a compound
// value), plus an initialized flag and an additive-only dirty set.
type Cache struct {
	entries sync.Map // rawKey string -> any
	dirty   sync.Map // rawKey string -> struct{}

	initialized atomic.Bool
}

// New returns an empty, uninitialized Cache.
func New() *Cache {
	return &Cache{}
}

// Get is a lock-free lookup.
func (c *Cache) Get(rawKey string) (any, bool) {
	return c.entries.Load(rawKey)
}

// Put sets a single entry.
func (c *Cache) Put(rawKey string, value any) {
	c.entries.Store(rawKey, value)
}

// Remove deletes a single entry.
func (c *Cache) Remove(rawKey string) {
	c.entries.Delete(rawKey)
}

// MarkDirty adds rawKey to the dirty set. The set is additive only:
// a snapshot observed during a write's in-flight window may predate
// that write's commit, so clearing dirty on snapshot application
// would let a later-arriving stale snapshot clobber a newer cached
// value. Callers never clear dirty; entries accumulate for the life
// of the cache, costing O(unique keys ever written) memory.
func (c *Cache) MarkDirty(rawKey string) {
	c.dirty.Store(rawKey, struct{}{})
}

// IsDirty reports whether rawKey has ever been marked dirty.
func (c *Cache) IsDirty(rawKey string) bool {
	_, ok := c.dirty.Load(rawKey)
	return ok
}

// Clear removes every cached entry and dirty marking, for
// Vault.ClearAll's explicit hard reset. Unlike ApplySnapshot, Clear
// is a deliberate full wipe, not an observation merge, so it resets
// dirty too.
func (c *Cache) Clear() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.dirty.Range(func(k, _ any) bool {
		c.dirty.Delete(k)
		return true
	})
}

// Initialized reports whether at least one full snapshot has been
// applied.
func (c *Cache) Initialized() bool {
	return c.initialized.Load()
}

// ApplySnapshot merges a backend snapshot into the cache: for each
// key the snapshot reports, a dirty key keeps its current cached
// value (the pending write wins); a non-dirty key is overwritten.
// Entries present in the cache but absent from both the snapshot and
// dirty are removed, since they are no longer backed by anything
// optimistic or durable. Sets initialized to true.
func (c *Cache) ApplySnapshot(snapshot prefstore.Snapshot) {
	present := make(map[string]struct{}, len(snapshot))

	for rawKey, value := range snapshot {
		present[rawKey] = struct{}{}
		if c.IsDirty(rawKey) {
			continue
		}
		c.entries.Store(rawKey, value)
	}

	c.entries.Range(func(key, _ any) bool {
		rawKey := key.(string)
		if _, inSnapshot := present[rawKey]; inSnapshot {
			return true
		}
		if c.IsDirty(rawKey) {
			return true
		}
		c.entries.Delete(rawKey)
		return true
	})

	c.initialized.Store(true)
}
