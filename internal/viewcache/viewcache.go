// Package viewcache keeps recently consolidated page views so that readers of
// an unchanged chain skip replaying it.
package viewcache

import (
	"strconv"

	"github.com/dgraph-io/ristretto/v2"

	"bwtree/internal/base"
	"bwtree/internal/page"
)

// Cache maps (page, version) to the state consolidated from that head. A
// version is never reused by a page, so entries never go stale; superseded
// ones simply stop being asked for and age out. A nil *Cache is a valid,
// always-missing cache.
type Cache struct {
	c *ristretto.Cache[string, *page.State]
}

// New creates a cache bounded by maxBytes of logical state size. It returns
// nil when maxBytes is not positive.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *page.State]{
		// ~10x the expected number of entries, assuming 1 KiB average views.
		NumCounters:        max(maxBytes/1024*10, 1000),
		MaxCost:            maxBytes,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func key(id base.PageID, version uint64) string {
	return strconv.FormatUint(uint64(id), 10) + ":" + strconv.FormatUint(version, 10)
}

// Get returns the view of page id at version.
func (c *Cache) Get(id base.PageID, version uint64) (*page.State, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(key(id, version))
}

// Put offers st for caching. Admission is asynchronous and may be refused.
func (c *Cache) Put(id base.PageID, st *page.State) {
	if c == nil {
		return
	}
	c.c.Set(key(id, st.Version), st, int64(max(st.Size(), 1)))
}

// Wait blocks until pending Puts are applied.
func (c *Cache) Wait() {
	if c != nil {
		c.c.Wait()
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c != nil {
		c.c.Close()
	}
}

type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	m := c.c.Metrics
	return Stats{Hits: m.Hits(), Misses: m.Misses()}
}
