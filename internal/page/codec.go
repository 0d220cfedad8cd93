package page

import (
	"encoding/binary"

	"bwtree/internal/base"
)

// Fragment layout (little endian):
//
//	[Type:1][Level:1][Low:8][High:8][Right:8][Count:4]
//	leaf:     Count x [Key:8][LSN:8][ValueLen:4][Value:ValueLen]
//	internal: Count x [Key:8][Child:8]
const (
	fragmentHeaderSize = 1 + 1 + 8 + 8 + 8 + 4
	recordHeaderSize   = 8 + 8 + 4
)

// EncodedSize returns the number of bytes Encode produces for s.
func (s *State) EncodedSize() int {
	if !s.IsLeaf() {
		return fragmentHeaderSize + len(s.Entries)*base.IndexEntrySize
	}
	size := fragmentHeaderSize
	for _, r := range s.Records {
		size += recordHeaderSize + len(r.Value)
	}
	return size
}

// Encode serializes s into a self-contained fragment for the storage manager.
func (s *State) Encode() []byte {
	buf := make([]byte, 0, s.EncodedSize())
	buf = append(buf, byte(s.Type), byte(s.Level))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Low))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.High))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Right))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Len()))

	if s.IsLeaf() {
		for _, r := range s.Records {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Key))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LSN))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Value)))
			buf = append(buf, r.Value...)
		}
		return buf
	}
	for _, e := range s.Entries {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Key))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Child))
	}
	return buf
}
