// Package cache holds recently read storage fragments in memory.
package cache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"bwtree/internal/base"
)

const (
	MinCacheSize = 16
)

// Cache is a read-through LRU over fragment locations. Cached payloads are
// shared and must not be modified by callers.
type Cache struct {
	lru *freelru.SyncedLRU[base.Location, []byte]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashLocation(loc base.Location) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(loc))
	return uint32(xxhash.Sum64(b[:]))
}

// New creates a cache holding at most maxSize fragments.
func New(maxSize int) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)

	lru, err := freelru.NewSynced[base.Location, []byte](uint32(maxSize), hashLocation)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: lru}
	lru.SetOnEvict(func(base.Location, []byte) {
		c.evictions.Add(1)
	})
	return c, nil
}

// Put caches the payload stored at loc.
func (c *Cache) Put(loc base.Location, payload []byte) {
	c.lru.Add(loc, payload)
}

// Get returns the cached payload for loc.
func (c *Cache) Get(loc base.Location) ([]byte, bool) {
	payload, ok := c.lru.Get(loc)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return payload, true
}

// Delete drops loc, typically once its fragment has been retired.
func (c *Cache) Delete(loc base.Location) {
	c.lru.Remove(loc)
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	return c.lru.Len()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
