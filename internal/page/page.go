// Package page implements Bw-Tree pages: an immutable, newest-first delta chain
// published through a single atomic head and terminated by a base node.
package page

import (
	"sync"
	"sync/atomic"

	"bwtree/internal/base"
)

// LinkStride is the number of deltas between Link markers. ChainLength never
// walks more than LinkStride nodes.
const LinkStride = 8

// Page is the in-memory instance a mapping table slot points to.
type Page struct {
	id    base.PageID
	typ   base.NodeType
	level int

	head atomic.Pointer[Delta]

	// gate is held shared by writers across "check flags, verify bounds,
	// append" and exclusively (briefly) by an SMO owner to drain them.
	gate sync.RWMutex
}

// New creates a page whose chain is a single base node holding st.
func New(id base.PageID, st *State) *Page {
	p := &Page{
		id:    id,
		typ:   st.Type,
		level: st.Level,
	}
	b := NewBase(st)
	b.version = 1
	p.head.Store(b)
	return p
}

func (p *Page) ID() base.PageID     { return p.id }
func (p *Page) Type() base.NodeType { return p.typ }
func (p *Page) Level() int          { return p.level }
func (p *Page) IsLeaf() bool        { return p.typ == base.Leaf }
func (p *Page) Head() *Delta        { return p.head.Load() }
func (p *Page) Version() uint64     { return p.head.Load().version }
func (p *Page) Consolidate() *State { return Consolidate(p.head.Load()) }
func (p *Page) Enter()              { p.gate.RLock() }
func (p *Page) Leave()              { p.gate.RUnlock() }

// Drain waits for every writer currently inside the gate to leave.
func (p *Page) Drain() {
	p.gate.Lock()
	p.gate.Unlock()
}

// Append publishes d as the new head. Concurrent appends are ordered by the
// compare-and-swap; the loser relinks and retries.
func (p *Page) Append(d *Delta) {
	for {
		head := p.head.Load()
		d.next = head
		d.version = head.version + 1
		if p.head.CompareAndSwap(head, d) {
			return
		}
	}
}

// Swap replaces the chain headed by old with chain, given newest first and
// ending in a base node. It fails if any delta was published after old.
func (p *Page) Swap(old *Delta, chain ...*Delta) bool {
	if len(chain) == 0 || chain[len(chain)-1].Kind != KindBase {
		return false
	}
	v := old.version
	for i := len(chain) - 1; i >= 0; i-- {
		v++
		chain[i].version = v
		if i < len(chain)-1 {
			chain[i].next = chain[i+1]
		}
	}
	return p.head.CompareAndSwap(old, chain[0])
}

// Bounds is a page's effective key range and right link.
type Bounds struct {
	Low   base.Key
	High  base.Key
	Right base.PageID
}

// Covers reports whether key belongs to the range.
func (b Bounds) Covers(key base.Key) bool { return base.Covers(b.Low, b.High, key) }

// Bounds computes the effective range from the current head without
// materialising records.
func (p *Page) Bounds() Bounds {
	return boundsOf(p.head.Load())
}

func boundsOf(d *Delta) Bounds {
	var (
		b       Bounds
		highSet bool
		lows    []base.Key
	)
	for ; d.Kind != KindBase; d = d.next {
		switch d.Kind {
		case KindSplit:
			if !highSet {
				b.High, b.Right, highSet = d.Key, d.Page, true
			}
		case KindMerge:
			lows = append(lows, d.Key)
		}
	}
	b.Low = d.State.Low
	if !highSet {
		b.High, b.Right = d.State.High, d.State.Right
	}
	for _, low := range lows {
		b.Low = min(b.Low, low)
	}
	return b
}

// ChainLength returns the number of deltas above the base and how many of
// them were published since the newest Link marker.
func (p *Page) ChainLength() (length, sinceLink int) {
	for d := p.head.Load(); d.Kind != KindBase; d = d.next {
		if d.Kind == KindLink {
			return sinceLink + 1 + d.Count, sinceLink
		}
		sinceLink++
	}
	return sinceLink, sinceLink
}
