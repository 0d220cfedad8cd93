// Package mapping implements the indirection table from stable PageIDs to the
// page instances currently representing them.
package mapping

import (
	"math"
	"sync"
	"sync/atomic"

	"bwtree/internal/base"
	"bwtree/internal/page"
)

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
)

// Entry is an immutable snapshot of a slot. Updates replace the whole entry.
type Entry struct {
	Page           *page.Page
	PendingAlloc   bool
	PendingDealloc bool
	UnderSMO       bool
	Generation     uint64
}

type chunk [chunkSize]atomic.Pointer[Entry]

// Table is a slot arena indexed by PageID. Lookups are lock-free; growing the
// chunk directory takes mu.
type Table struct {
	mu   sync.Mutex
	dir  atomic.Pointer[[]*chunk]
	live atomic.Int64
}

// NewTable creates an empty mapping table.
func NewTable() *Table {
	t := &Table{}
	dir := make([]*chunk, 0, 16)
	t.dir.Store(&dir)
	return t
}

func (t *Table) slot(id base.PageID) *atomic.Pointer[Entry] {
	dir := *t.dir.Load()
	c := uint64(id) >> chunkBits
	if c >= uint64(len(dir)) {
		return nil
	}
	return &dir[c][uint64(id)&(chunkSize-1)]
}

// grow makes sure a slot exists for id.
func (t *Table) grow(id base.PageID) *atomic.Pointer[Entry] {
	if s := t.slot(id); s != nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := *t.dir.Load()
	need := int(uint64(id)>>chunkBits) + 1
	if need > len(dir) {
		next := make([]*chunk, len(dir), max(need, 2*len(dir)))
		copy(next, dir)
		for len(next) < need {
			next = append(next, new(chunk))
		}
		t.dir.Store(&next)
	}
	return t.slot(id)
}

// Get returns a copy of the entry for id.
func (t *Table) Get(id base.PageID) (Entry, bool) {
	s := t.slot(id)
	if s == nil {
		return Entry{}, false
	}
	e := s.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Page resolves id to its page or reports ErrPageMissing.
func (t *Table) Page(id base.PageID) (*page.Page, error) {
	e, ok := t.Get(id)
	if !ok {
		return nil, base.MissingPage(id)
	}
	return e.Page, nil
}

// Install registers p under its id. A page created by a split is installed
// with pendingAlloc set until the split is published.
func (t *Table) Install(p *page.Page, pendingAlloc bool) {
	s := t.grow(p.ID())
	if s.Swap(&Entry{Page: p, PendingAlloc: pendingAlloc, Generation: 1}) == nil {
		t.live.Add(1)
	}
}

// Update replaces the entry for id.
func (t *Table) Update(id base.PageID, e Entry) {
	s := t.grow(id)
	prev := s.Load()
	if prev != nil {
		e.Generation = prev.Generation + 1
	} else {
		e.Generation = 1
	}
	if s.Swap(&e) == nil {
		t.live.Add(1)
	}
}

// Remove releases the slot for id. Only the garbage collector calls it, once
// no reader can still reach the page.
func (t *Table) Remove(id base.PageID) bool {
	s := t.slot(id)
	if s == nil {
		return false
	}
	if s.Swap(nil) != nil {
		t.live.Add(-1)
		return true
	}
	return false
}

// modify applies fn to the entry for id with a compare-and-swap loop. fn
// returns false to leave the entry untouched.
func (t *Table) modify(id base.PageID, fn func(*Entry) bool) bool {
	s := t.slot(id)
	if s == nil {
		return false
	}
	for {
		cur := s.Load()
		if cur == nil {
			return false
		}
		next := *cur
		if !fn(&next) {
			return false
		}
		next.Generation = cur.Generation + 1
		if s.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// TryAcquireSMO atomically moves under_smo from false to true. Exactly one
// of any number of concurrent callers observes true.
func (t *Table) TryAcquireSMO(id base.PageID) bool {
	return t.modify(id, func(e *Entry) bool {
		if e.UnderSMO {
			return false
		}
		e.UnderSMO = true
		return true
	})
}

// ClearUnderSMO releases SMO ownership of id.
func (t *Table) ClearUnderSMO(id base.PageID) {
	t.modify(id, func(e *Entry) bool {
		if !e.UnderSMO {
			return false
		}
		e.UnderSMO = false
		return true
	})
}

// UnderSMO reports whether id is currently owned by a structure modification.
func (t *Table) UnderSMO(id base.PageID) bool {
	e, ok := t.Get(id)
	return ok && e.UnderSMO
}

func (t *Table) SetPendingAlloc(id base.PageID) {
	t.modify(id, func(e *Entry) bool {
		e.PendingAlloc = true
		return true
	})
}

func (t *Table) ClearPendingAlloc(id base.PageID) {
	t.modify(id, func(e *Entry) bool {
		e.PendingAlloc = false
		return true
	})
}

func (t *Table) SetPendingDealloc(id base.PageID) {
	t.modify(id, func(e *Entry) bool {
		e.PendingDealloc = true
		return true
	})
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return int(t.live.Load())
}

// Range calls fn for every live entry in PageID order until fn returns false.
func (t *Table) Range(fn func(base.PageID, Entry) bool) {
	dir := *t.dir.Load()
	for ci, c := range dir {
		for i := range c {
			e := c[i].Load()
			if e == nil {
				continue
			}
			if !fn(base.PageID(ci<<chunkBits|i), *e) {
				return
			}
		}
	}
}

// Allocator issues PageIDs from a monotonic counter. IDs are never reused.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator returns an allocator whose first ID is first.
func NewAllocator(first base.PageID) *Allocator {
	a := &Allocator{}
	a.next.Store(uint64(first))
	return a
}

// Next returns a fresh PageID, or ErrPageIDExhausted once the counter would
// reach InvalidPageID.
func (a *Allocator) Next() (base.PageID, error) {
	for {
		cur := a.next.Load()
		if cur >= math.MaxUint64-1 {
			return base.InvalidPageID, base.ErrPageIDExhausted
		}
		if a.next.CompareAndSwap(cur, cur+1) {
			return base.PageID(cur), nil
		}
	}
}
