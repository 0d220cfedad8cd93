package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bwtree/internal/base"
)

func newLeaf(records ...base.Record) *Page {
	st := NewLeafState(base.MinKey, base.MaxKey)
	st.Records = records
	return New(1, st)
}

func keys(st *State) []base.Key {
	out := make([]base.Key, 0, len(st.Records))
	for _, r := range st.Records {
		out = append(out, r.Key)
	}
	return out
}

func TestConsolidatePrecedence(t *testing.T) {
	tests := []struct {
		name   string
		base   []base.Record
		deltas []*Delta // oldest first
		want   map[base.Key]string
	}{
		{
			name:   "newest_write_wins",
			deltas: []*Delta{NewData(0, 1, []byte("a")), NewData(0, 1, []byte("b"))},
			want:   map[base.Key]string{1: "b"},
		},
		{
			name:   "delete_hides_insert",
			deltas: []*Delta{NewData(0, 1, []byte("a")), NewDelete(0, 1)},
			want:   map[base.Key]string{},
		},
		{
			name:   "insert_after_delete",
			deltas: []*Delta{NewData(0, 1, []byte("a")), NewDelete(0, 1), NewData(0, 1, []byte("c"))},
			want:   map[base.Key]string{1: "c"},
		},
		{
			name:   "higher_lsn_beats_chain_order",
			deltas: []*Delta{NewData(9, 1, []byte("late")), NewData(3, 1, []byte("stale"))},
			want:   map[base.Key]string{1: "late"},
		},
		{
			name:   "delta_overrides_base",
			base:   []base.Record{{Key: 1, Value: []byte("base")}, {Key: 2, Value: []byte("keep")}},
			deltas: []*Delta{NewData(0, 1, []byte("new"))},
			want:   map[base.Key]string{1: "new", 2: "keep"},
		},
		{
			name:   "tombstone_drops_base_record",
			base:   []base.Record{{Key: 1, Value: []byte("base")}, {Key: 2, Value: []byte("keep")}},
			deltas: []*Delta{NewDelete(0, 1)},
			want:   map[base.Key]string{2: "keep"},
		},
		{
			name:   "base_with_higher_lsn_survives",
			base:   []base.Record{{Key: 1, Value: []byte("base"), LSN: 10}},
			deltas: []*Delta{NewDelete(4, 1)},
			want:   map[base.Key]string{1: "base"},
		},
		{
			name:   "link_and_flush_are_markers",
			deltas: []*Delta{NewData(0, 5, []byte("x")), NewLink(1), NewFlush(4096)},
			want:   map[base.Key]string{5: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newLeaf(tt.base...)
			for _, d := range tt.deltas {
				p.Append(d)
			}
			st := p.Consolidate()

			got := make(map[base.Key]string, len(st.Records))
			for _, r := range st.Records {
				got[r.Key] = string(r.Value)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsolidateSortsAscending(t *testing.T) {
	p := newLeaf(base.Record{Key: 50}, base.Record{Key: 10})
	for _, k := range []base.Key{30, -4, 70, 20} {
		p.Append(NewData(0, k, []byte("v")))
	}

	st := p.Consolidate()
	assert.Equal(t, []base.Key{-4, 10, 20, 30, 50, 70}, keys(st))
	assert.Equal(t, p.Version(), st.Version)
}

func TestConsolidateSplitFiltersUpperHalf(t *testing.T) {
	p := newLeaf()
	for k := base.Key(1); k <= 6; k++ {
		p.Append(NewData(0, k, []byte("v")))
	}
	p.Append(NewSplit(0, 4, 2))
	// A later split with a smaller key is the one that counts.
	p.Append(NewSplit(0, 3, 3))

	st := p.Consolidate()
	assert.Equal(t, []base.Key{1, 2}, keys(st))
	assert.Equal(t, base.Key(3), st.High)
	assert.Equal(t, base.PageID(3), st.Right)

	b := p.Bounds()
	assert.Equal(t, st.High, b.High)
	assert.Equal(t, st.Right, b.Right)
	assert.False(t, b.Covers(3))
	assert.True(t, b.Covers(2))
}

func TestConsolidateIndexEntries(t *testing.T) {
	p := New(7, NewInternalState(1, base.MinKey, base.MaxKey, []base.IndexEntry{
		{Key: base.MinKey, Child: 1},
	}))
	p.Append(NewIndex(0, base.IndexEntry{Key: 100, Child: 2}))
	p.Append(NewIndex(0, base.IndexEntry{Key: 50, Child: 3}))

	st := p.Consolidate()
	require.Len(t, st.Entries, 3)
	assert.Equal(t, []base.IndexEntry{{Key: base.MinKey, Child: 1}, {Key: 50, Child: 3}, {Key: 100, Child: 2}}, st.Entries)

	tests := []struct {
		key  base.Key
		want base.PageID
	}{
		{key: base.MinKey, want: 1},
		{key: 49, want: 1},
		{key: 50, want: 3},
		{key: 99, want: 3},
		{key: 100, want: 2},
		{key: base.MaxKey, want: 2},
	}
	for _, tt := range tests {
		child, ok := st.Child(tt.key)
		require.True(t, ok)
		assert.Equal(t, tt.want, child, "key %d", tt.key)
	}

	left, ok := st.LeftOf(2)
	require.True(t, ok)
	assert.Equal(t, base.PageID(3), left.Child)
	_, ok = st.LeftOf(1)
	assert.False(t, ok)
}

func TestConsolidateMergeLowersLow(t *testing.T) {
	st := NewLeafState(100, 200)
	p := New(2, st)
	p.Append(NewMerge(0, 50, 9))

	got := p.Consolidate()
	assert.Equal(t, base.Key(50), got.Low)
	assert.Equal(t, base.Key(50), p.Bounds().Low)
}

func TestSplitPointAndUpper(t *testing.T) {
	p := newLeaf()
	for k := base.Key(1); k <= 10; k++ {
		p.Append(NewData(0, k, make([]byte, 92)))
	}
	st := p.Consolidate()
	assert.Equal(t, 1000, st.Size())

	sp, ok := st.SplitPoint()
	require.True(t, ok)
	assert.Equal(t, base.Key(6), sp.Key)
	assert.Equal(t, 500, sp.RightSize)

	right := st.Upper(sp)
	assert.Equal(t, []base.Key{6, 7, 8, 9, 10}, keys(right))
	assert.Equal(t, sp.Key, right.Low)
	assert.Equal(t, st.High, right.High)

	single := NewLeafState(base.MinKey, base.MaxKey)
	single.Records = []base.Record{{Key: 1}}
	_, ok = single.SplitPoint()
	assert.False(t, ok)

	// The median of two keys is the last one; MaxKey cannot become a high key.
	edge := NewLeafState(base.MinKey, base.MaxKey)
	edge.Records = []base.Record{{Key: 5}, {Key: base.MaxKey}}
	_, ok = edge.SplitPoint()
	assert.False(t, ok)

	edge.Records = []base.Record{{Key: 5}, {Key: 9}, {Key: base.MaxKey}}
	sp, ok = edge.SplitPoint()
	require.True(t, ok)
	assert.Equal(t, base.Key(9), sp.Key)
}

func TestAbsorbAndWithoutChild(t *testing.T) {
	left := NewLeafState(0, 10)
	left.Records = []base.Record{{Key: 1}, {Key: 5}}
	right := NewLeafState(10, 20)
	right.Right = 42
	right.Records = []base.Record{{Key: 12}}

	merged := left.Absorb(right)
	assert.Equal(t, []base.Key{1, 5, 12}, keys(merged))
	assert.Equal(t, base.Key(0), merged.Low)
	assert.Equal(t, base.Key(20), merged.High)
	assert.Equal(t, base.PageID(42), merged.Right)
	assert.Len(t, left.Records, 2, "absorb must not modify the receiver")

	parent := NewInternalState(1, base.MinKey, base.MaxKey, []base.IndexEntry{{Key: base.MinKey, Child: 1}, {Key: 10, Child: 2}})
	trimmed, ok := parent.WithoutChild(2)
	require.True(t, ok)
	assert.Equal(t, []base.IndexEntry{{Key: base.MinKey, Child: 1}}, trimmed.Entries)
	assert.Len(t, parent.Entries, 2)

	_, ok = parent.WithoutChild(99)
	assert.False(t, ok)
}
