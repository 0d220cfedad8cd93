package page

import "bwtree/internal/base"

// Kind tags the variant held by a Delta.
type Kind uint8

const (
	KindBase Kind = iota
	KindData
	KindDelete
	KindIndex
	KindSplit
	KindMerge
	KindLink
	KindFlush
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindData:
		return "data"
	case KindDelete:
		return "delete"
	case KindIndex:
		return "index"
	case KindSplit:
		return "split"
	case KindMerge:
		return "merge"
	case KindLink:
		return "link"
	case KindFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Delta is one node of a page's chain. Once published it is never modified.
// Only the fields that belong to Kind are meaningful:
//
//	Data   LSN, Key, Value
//	Delete LSN, Key
//	Index  LSN, Entries
//	Split  LSN, Key (split key), Page (new right sibling)
//	Merge  LSN, Key (absorbed low key), Page (absorbed page)
//	Link   Count (deltas beneath this marker)
//	Flush  Location
//	Base   State
type Delta struct {
	Kind     Kind
	LSN      base.LSN
	Key      base.Key
	Value    base.Value
	Entries  []base.IndexEntry
	Page     base.PageID
	Count    int
	Location base.Location
	State    *State

	version uint64
	next    *Delta
}

func NewData(lsn base.LSN, key base.Key, value base.Value) *Delta {
	return &Delta{Kind: KindData, LSN: lsn, Key: key, Value: value}
}

func NewDelete(lsn base.LSN, key base.Key) *Delta {
	return &Delta{Kind: KindDelete, LSN: lsn, Key: key}
}

func NewIndex(lsn base.LSN, entries ...base.IndexEntry) *Delta {
	return &Delta{Kind: KindIndex, LSN: lsn, Entries: entries}
}

func NewSplit(lsn base.LSN, splitKey base.Key, right base.PageID) *Delta {
	return &Delta{Kind: KindSplit, LSN: lsn, Key: splitKey, Page: right}
}

func NewMerge(lsn base.LSN, absorbedLow base.Key, absorbed base.PageID) *Delta {
	return &Delta{Kind: KindMerge, LSN: lsn, Key: absorbedLow, Page: absorbed}
}

func NewLink(count int) *Delta {
	return &Delta{Kind: KindLink, Count: count}
}

func NewFlush(loc base.Location) *Delta {
	return &Delta{Kind: KindFlush, Location: loc}
}

// NewBase terminates a chain with st. st must not be modified afterwards.
func NewBase(st *State) *Delta {
	return &Delta{Kind: KindBase, State: st}
}

// Next returns the older node, or nil past the base.
func (d *Delta) Next() *Delta { return d.next }

// Version is strictly increasing along the heads a page has published.
func (d *Delta) Version() uint64 { return d.version }

// Locations returns the flush locations recorded in the chain starting at d.
func (d *Delta) Locations() []base.Location {
	var locs []base.Location
	for ; d != nil; d = d.next {
		if d.Kind == KindFlush {
			locs = append(locs, d.Location)
		}
	}
	return locs
}
