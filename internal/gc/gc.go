// Package gc releases pages and fragments once no in-flight operation can
// still reach them.
package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"bwtree/internal/base"
	"bwtree/internal/epoch"
)

// Item is something unlinked from the tree. Page is InvalidPageID when only
// fragments are retired.
type Item struct {
	Page      base.PageID
	Fragments []base.Location
}

// Pages releases mapping table slots.
type Pages interface {
	Remove(id base.PageID) bool
}

// Fragments releases durable fragments.
type Fragments interface {
	Release(loc base.Location)
}

// Logger receives reclaim events.
type Logger interface {
	Debug(msg string, args ...any)
}

// Collector retires items in two stages:
// 1. Pending: items retired at epoch e stay until every operation that
// entered at or before e has left
// 2. Reclaimed: the mapping slot and fragments are released
type Collector struct {
	epochs    *epoch.Manager
	pages     Pages
	fragments Fragments
	log       Logger

	mu      sync.Mutex
	pending map[uint64][]Item // epoch -> items retired at that epoch

	retired            atomic.Uint64
	reclaimedPages     atomic.Uint64
	reclaimedFragments atomic.Uint64

	kickC chan struct{}
	stopC chan struct{}
	wg    sync.WaitGroup
}

// New creates a collector. It does nothing in the background until Start.
func New(epochs *epoch.Manager, pages Pages, fragments Fragments, log Logger) *Collector {
	return &Collector{
		epochs:    epochs,
		pages:     pages,
		fragments: fragments,
		log:       log,
		pending:   make(map[uint64][]Item),
		kickC:     make(chan struct{}, 1),
		stopC:     make(chan struct{}),
	}
}

// Retire records item at the current epoch and advances the epoch, so that
// operations entering from now on are known not to see it.
func (c *Collector) Retire(item Item) {
	if item.Page == base.InvalidPageID && len(item.Fragments) == 0 {
		return
	}
	c.mu.Lock()
	e := c.epochs.Advance()
	c.pending[e] = append(c.pending[e], item)
	c.mu.Unlock()
	c.retired.Add(1)
}

// RetirePage is shorthand for retiring a merged-away page and its fragments.
func (c *Collector) RetirePage(id base.PageID, fragments []base.Location) {
	c.Retire(Item{Page: id, Fragments: fragments})
}

// RetireFragments retires superseded fragments.
func (c *Collector) RetireFragments(fragments ...base.Location) {
	c.Retire(Item{Page: base.InvalidPageID, Fragments: fragments})
}

// Reclaim releases every item retired strictly before the oldest active
// epoch and reports how many pages and fragments it freed.
func (c *Collector) Reclaim() (pages, fragments int) {
	minEpoch := c.epochs.MinActive()

	c.mu.Lock()
	var ready []Item
	for e, items := range c.pending {
		if e < minEpoch {
			ready = append(ready, items...)
			delete(c.pending, e)
		}
	}
	c.mu.Unlock()

	for _, item := range ready {
		if item.Page != base.InvalidPageID && c.pages.Remove(item.Page) {
			pages++
		}
		for _, loc := range item.Fragments {
			c.fragments.Release(loc)
			fragments++
		}
	}
	c.reclaimedPages.Add(uint64(pages))
	c.reclaimedFragments.Add(uint64(fragments))
	if pages+fragments > 0 && c.log != nil {
		c.log.Debug("gc reclaimed", "pages", pages, "fragments", fragments, "min_epoch", minEpoch)
	}
	return pages, fragments
}

// Pending returns the number of items waiting for readers to leave.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, items := range c.pending {
		n += len(items)
	}
	return n
}

// Kick asks the background loop to reclaim without waiting for the ticker.
func (c *Collector) Kick() {
	select {
	case c.kickC <- struct{}{}:
	default:
	}
}

// Start runs Reclaim every interval until Stop.
func (c *Collector) Start(interval time.Duration) {
	c.wg.Add(1)
	go c.backgroundReclaimer(interval)
}

func (c *Collector) backgroundReclaimer(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Reclaim()
		case <-c.kickC:
			c.Reclaim()
		case <-c.stopC:
			return
		}
	}
}

// Stop ends the background loop and makes a final reclaim pass. It is safe to
// call more than once.
func (c *Collector) Stop() {
	select {
	case <-c.stopC:
		return
	default:
		close(c.stopC)
	}
	c.wg.Wait()
	c.Reclaim()
}

type Stats struct {
	Retired            uint64
	Pending            int
	ReclaimedPages     uint64
	ReclaimedFragments uint64
}

func (c *Collector) Stats() Stats {
	return Stats{
		Retired:            c.retired.Load(),
		Pending:            c.Pending(),
		ReclaimedPages:     c.reclaimedPages.Load(),
		ReclaimedFragments: c.reclaimedFragments.Load(),
	}
}
