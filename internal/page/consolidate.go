package page

import (
	"slices"
	"sort"

	"github.com/google/btree"

	"bwtree/internal/base"
)

const resolutionDegree = 16

// State is the logical view of a page: the base content with every delta of
// its chain applied. States handed out by Consolidate are shared and must be
// treated as read-only.
type State struct {
	Type    base.NodeType
	Level   int
	Low     base.Key
	High    base.Key
	Right   base.PageID
	Records []base.Record
	Entries []base.IndexEntry
	Version uint64
}

// NewLeafState returns an empty leaf spanning [low, high).
func NewLeafState(low, high base.Key) *State {
	return &State{Type: base.Leaf, Low: low, High: high, Right: base.InvalidPageID}
}

// NewInternalState returns an internal page at level spanning [low, high).
func NewInternalState(level int, low, high base.Key, entries []base.IndexEntry) *State {
	return &State{
		Type:    base.Internal,
		Level:   level,
		Low:     low,
		High:    high,
		Right:   base.InvalidPageID,
		Entries: entries,
	}
}

// resolution is the winning write for one key during consolidation.
type resolution struct {
	key       base.Key
	value     base.Value
	lsn       base.LSN
	tombstone bool
}

func lessResolution(a, b resolution) bool { return a.key < b.key }

func lessEntry(a, b base.IndexEntry) bool { return a.Key < b.Key }

// resolve records r unless a newer write already won. Chain order is newest
// first, so the first write seen wins unless an older one carries a strictly
// greater LSN.
func resolve(t *btree.BTreeG[resolution], r resolution) {
	if cur, ok := t.Get(r); ok && cur.lsn >= r.lsn {
		return
	}
	t.ReplaceOrInsert(r)
}

// Consolidate replays the chain starting at head over its base.
func Consolidate(head *Delta) *State {
	var (
		st       = &State{Version: head.version}
		highSet  bool
		lows     []base.Key
		resolved *btree.BTreeG[resolution]
		entries  *btree.BTreeG[base.IndexEntry]
	)

	d := head
	for ; d.Kind != KindBase; d = d.next {
		switch d.Kind {
		case KindData:
			if resolved == nil {
				resolved = btree.NewG(resolutionDegree, lessResolution)
			}
			resolve(resolved, resolution{key: d.Key, value: d.Value, lsn: d.LSN})
		case KindDelete:
			if resolved == nil {
				resolved = btree.NewG(resolutionDegree, lessResolution)
			}
			resolve(resolved, resolution{key: d.Key, lsn: d.LSN, tombstone: true})
		case KindIndex:
			if entries == nil {
				entries = btree.NewG(resolutionDegree, lessEntry)
			}
			for _, e := range d.Entries {
				if !entries.Has(e) {
					entries.ReplaceOrInsert(e)
				}
			}
		case KindSplit:
			if !highSet {
				st.High, st.Right, highSet = d.Key, d.Page, true
			}
		case KindMerge:
			lows = append(lows, d.Key)
		}
	}

	b := d.State
	st.Type, st.Level, st.Low = b.Type, b.Level, b.Low
	if !highSet {
		st.High, st.Right = b.High, b.Right
	}
	for _, low := range lows {
		st.Low = min(st.Low, low)
	}

	if st.Type == base.Leaf {
		st.Records = mergeRecords(st, b.Records, resolved)
	} else {
		st.Entries = mergeEntries(st, b.Entries, entries)
	}
	return st
}

func mergeRecords(st *State, baseRecords []base.Record, resolved *btree.BTreeG[resolution]) []base.Record {
	if resolved == nil {
		// Fast path: nothing to resolve, only the bounds may have moved.
		lo, hi := boundsIndex(len(baseRecords), func(i int) base.Key { return baseRecords[i].Key }, st.Low, st.High)
		return baseRecords[lo:hi:hi]
	}
	for _, r := range baseRecords {
		resolve(resolved, resolution{key: r.Key, value: r.Value, lsn: r.LSN})
	}
	out := make([]base.Record, 0, resolved.Len())
	resolved.Ascend(func(r resolution) bool {
		if !r.tombstone && base.Covers(st.Low, st.High, r.key) {
			out = append(out, base.Record{Key: r.key, Value: r.value, LSN: r.lsn})
		}
		return true
	})
	return out
}

func mergeEntries(st *State, baseEntries []base.IndexEntry, entries *btree.BTreeG[base.IndexEntry]) []base.IndexEntry {
	if entries == nil {
		lo, hi := boundsIndex(len(baseEntries), func(i int) base.Key { return baseEntries[i].Key }, st.Low, st.High)
		return baseEntries[lo:hi:hi]
	}
	for _, e := range baseEntries {
		if !entries.Has(e) {
			entries.ReplaceOrInsert(e)
		}
	}
	out := make([]base.IndexEntry, 0, entries.Len())
	entries.Ascend(func(e base.IndexEntry) bool {
		if base.Covers(st.Low, st.High, e.Key) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// boundsIndex returns the half-open index range of sorted keys inside [low, high).
func boundsIndex(n int, key func(int) base.Key, low, high base.Key) (int, int) {
	lo := sort.Search(n, func(i int) bool { return key(i) >= low })
	hi := n
	if high != base.MaxKey {
		hi = sort.Search(n, func(i int) bool { return key(i) >= high })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// IsLeaf reports whether the state describes a leaf.
func (s *State) IsLeaf() bool { return s.Type == base.Leaf }

// Len is the number of records or index entries.
func (s *State) Len() int {
	if s.IsLeaf() {
		return len(s.Records)
	}
	return len(s.Entries)
}

// Covers reports whether key belongs to the state's range.
func (s *State) Covers(key base.Key) bool { return base.Covers(s.Low, s.High, key) }

// Size is the logical size used by the split and merge triggers.
func (s *State) Size() int {
	if !s.IsLeaf() {
		return len(s.Entries) * base.IndexEntrySize
	}
	size := 0
	for _, r := range s.Records {
		size += base.KeySize + len(r.Value)
	}
	return size
}

// sizeFrom is the logical size of the records or entries from index i on.
func (s *State) sizeFrom(i int) int {
	if !s.IsLeaf() {
		return (len(s.Entries) - i) * base.IndexEntrySize
	}
	size := 0
	for _, r := range s.Records[i:] {
		size += base.KeySize + len(r.Value)
	}
	return size
}

// Find returns the record stored under key.
func (s *State) Find(key base.Key) (base.Record, bool) {
	i := sort.Search(len(s.Records), func(i int) bool { return s.Records[i].Key >= key })
	if i < len(s.Records) && s.Records[i].Key == key {
		return s.Records[i], true
	}
	return base.Record{}, false
}

// Child returns the child to follow for key: the last entry whose separator
// is <= key, or the first entry when key precedes every separator.
func (s *State) Child(key base.Key) (base.PageID, bool) {
	if len(s.Entries) == 0 {
		return base.InvalidPageID, false
	}
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].Key > key }) - 1
	return s.Entries[max(i, 0)].Child, true
}

// LeftOf returns the entry routing to the child immediately left of child.
func (s *State) LeftOf(child base.PageID) (base.IndexEntry, bool) {
	for i, e := range s.Entries {
		if e.Child == child {
			if i == 0 {
				return base.IndexEntry{}, false
			}
			return s.Entries[i-1], true
		}
	}
	return base.IndexEntry{}, false
}

// SplitPoint is the median split position of a state.
type SplitPoint struct {
	Index     int
	Key       base.Key
	RightSize int
}

// SplitPoint picks the median key. It reports false for states holding fewer
// than two keys, and when the median is MaxKey: a left half ending at MaxKey
// would read as unbounded and keep owning MaxKey.
func (s *State) SplitPoint() (SplitPoint, bool) {
	n := s.Len()
	if n < 2 {
		return SplitPoint{}, false
	}
	mid := n / 2
	sp := SplitPoint{Index: mid, RightSize: s.sizeFrom(mid)}
	if s.IsLeaf() {
		sp.Key = s.Records[mid].Key
	} else {
		sp.Key = s.Entries[mid].Key
	}
	if sp.Key == base.MaxKey {
		return SplitPoint{}, false
	}
	return sp, true
}

// Upper builds the right half produced by splitting at sp.
func (s *State) Upper(sp SplitPoint) *State {
	right := &State{
		Type:  s.Type,
		Level: s.Level,
		Low:   sp.Key,
		High:  s.High,
		Right: s.Right,
	}
	if s.IsLeaf() {
		right.Records = slices.Clone(s.Records[sp.Index:])
	} else {
		right.Entries = slices.Clone(s.Entries[sp.Index:])
	}
	return right
}

// Absorb returns the state covering s followed by its right neighbour r.
func (s *State) Absorb(r *State) *State {
	merged := &State{
		Type:  s.Type,
		Level: s.Level,
		Low:   s.Low,
		High:  r.High,
		Right: r.Right,
	}
	if s.IsLeaf() {
		merged.Records = append(slices.Clone(s.Records), r.Records...)
	} else {
		merged.Entries = append(slices.Clone(s.Entries), r.Entries...)
	}
	return merged
}

// WithoutChild returns a copy of s with the entry routing to child removed.
func (s *State) WithoutChild(child base.PageID) (*State, bool) {
	i := slices.IndexFunc(s.Entries, func(e base.IndexEntry) bool { return e.Child == child })
	if i < 0 {
		return s, false
	}
	out := *s
	out.Entries = slices.Delete(slices.Clone(s.Entries), i, i+1)
	return &out, true
}
