// Package base holds the primitive types shared by every layer of the index.
package base

import "math"

const (
	// MinKey is the lowest key of the keyspace and the low bound of the first page.
	MinKey Key = math.MinInt64
	// MaxKey bounds the keyspace. A page whose high key is MaxKey is unbounded
	// on the right and therefore also owns MaxKey itself.
	MaxKey Key = math.MaxInt64

	// KeySize is the logical size of a key when measuring page size.
	KeySize = 8
	// IndexEntrySize is the fixed logical size of an index entry (key + child).
	IndexEntrySize = 16

	// InvalidPageID is never issued by the allocator.
	InvalidPageID PageID = math.MaxUint64
)

// Key is a totally ordered index key.
type Key int64

// Value is an opaque byte sequence.
type Value []byte

// LSN is the logical sequence number attached to a mutation.
type LSN uint64

// PageID is the stable logical identity of a page. It is only ever resolved
// through the mapping table.
type PageID uint64

// NodeType distinguishes leaf pages from internal pages.
type NodeType uint8

const (
	Leaf NodeType = iota + 1
	Internal
)

func (t NodeType) String() string {
	switch t {
	case Leaf:
		return "leaf"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Record is a key/value pair held by a leaf, tagged with the LSN that wrote it.
type Record struct {
	Key   Key
	Value Value
	LSN   LSN
}

// IndexEntry routes keys >= Key to Child. Key is the child's low key.
type IndexEntry struct {
	Key   Key
	Child PageID
}

// Covers reports whether key lies in [low, high). A high of MaxKey is unbounded.
func Covers(low, high, key Key) bool {
	if key < low {
		return false
	}
	return high == MaxKey || key < high
}

// Beyond reports whether key lies at or past an exclusive high bound.
func Beyond(high, key Key) bool {
	return high != MaxKey && key >= high
}

// BlockSize is the unit of the durable fragment store.
const BlockSize = 4096

// Location is an opaque token naming a durable fragment: block*BlockSize + offset.
type Location uint64

// NewLocation builds the token for a fragment starting at offset within block.
func NewLocation(block, offset uint64) Location {
	return Location(block*BlockSize + offset)
}

// Block returns the block number the fragment starts in.
func (l Location) Block() uint64 { return uint64(l) / BlockSize }

// Offset returns the fragment's byte offset within its first block.
func (l Location) Offset() uint64 { return uint64(l) % BlockSize }
