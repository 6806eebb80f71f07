// Package cache provides a set-associative store for compiled traces keyed by
// guest entry address, built on the Akita cache directory with LRU
// replacement.
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Stats holds trace cache statistics.
type Stats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Evictions     uint64
	Invalidations uint64
}

// TraceCache maps entry addresses to values. Each address lives in one set;
// when a set is full the least recently used entry is evicted and handed
// back to the caller.
type TraceCache[V any] struct {
	ways      int
	directory *akitacache.DirectoryImpl
	values    []V
	stats     Stats
}

// New creates a cache with the given geometry.
func New[V any](sets, ways int) *TraceCache[V] {
	if sets < 1 {
		sets = 1
	}
	if ways < 1 {
		ways = 1
	}
	return &TraceCache[V]{
		ways: ways,
		// One "byte" per entry: the tag is the entry address itself.
		directory: akitacache.NewDirectory(sets, ways, 1, akitacache.NewLRUVictimFinder()),
		values:    make([]V, sets*ways),
	}
}

func (c *TraceCache[V]) index(block *akitacache.Block) int {
	return block.SetID*c.ways + block.WayID
}

func (c *TraceCache[V]) lookup(rip uint64) *akitacache.Block {
	block := c.directory.Lookup(0, rip)
	if block == nil || !block.IsValid {
		return nil
	}
	return block
}

// Lookup returns the value stored for rip and marks it recently used.
func (c *TraceCache[V]) Lookup(rip uint64) (V, bool) {
	c.stats.Lookups++

	block := c.lookup(rip)
	if block == nil {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.stats.Hits++
	c.directory.Visit(block)
	return c.values[c.index(block)], true
}

// Insert stores v for rip. A value it displaces, either an older value for
// the same address or the set's LRU victim, is returned with ok set.
func (c *TraceCache[V]) Insert(rip uint64, v V) (evicted V, ok bool) {
	c.stats.Inserts++

	block := c.lookup(rip)
	if block == nil {
		block = c.directory.FindVictim(rip)
		if block.IsValid {
			c.stats.Evictions++
		}
	}

	idx := c.index(block)
	if block.IsValid {
		evicted, ok = c.values[idx], true
	}

	block.Tag = rip
	block.IsValid = true
	block.IsDirty = false
	c.values[idx] = v
	c.directory.Visit(block)

	return evicted, ok
}

// Invalidate removes rip and returns its value.
func (c *TraceCache[V]) Invalidate(rip uint64) (V, bool) {
	var zero V
	block := c.lookup(rip)
	if block == nil {
		return zero, false
	}

	c.stats.Invalidations++
	idx := c.index(block)
	v := c.values[idx]
	c.values[idx] = zero
	block.IsValid = false
	return v, true
}

// Reset empties the cache and returns every value it held.
func (c *TraceCache[V]) Reset() []V {
	var zero V
	var out []V
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				idx := c.index(block)
				out = append(out, c.values[idx])
				c.values[idx] = zero
			}
		}
	}
	c.directory.Reset()
	return out
}

// Len returns the number of stored entries.
func (c *TraceCache[V]) Len() int {
	n := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}

// Stats returns cache statistics.
func (c *TraceCache[V]) Stats() Stats {
	return c.stats
}
