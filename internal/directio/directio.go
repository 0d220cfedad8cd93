// Package directio opens files that bypass the OS page cache and hands out
// buffers aligned for such files. Adapted from https://github.com/ncw/directio.
package directio

import (
	"os"
	"unsafe"
)

// IsAligned checks whether passed byte slice is aligned
func IsAligned(block []byte) bool {
	if AlignSize == 0 || len(block) == 0 {
		return true
	}
	return alignment(block, AlignSize) == 0
}

// AlignedBlock returns []byte of size n aligned to a multiple of AlignSize in
// memory. n is rounded up to a whole number of BlockSize blocks.
func AlignedBlock(n int) []byte {
	n = Blocks(n) * BlockSize
	block := make([]byte, n+AlignSize)
	if AlignSize == 0 {
		return block[:n]
	}
	a := alignment(block, AlignSize)
	offset := 0
	if a != 0 {
		offset = AlignSize - a
	}
	return block[offset : offset+n]
}

// Blocks returns the number of blocks needed to hold n bytes.
func Blocks(n int) int {
	return (n + BlockSize - 1) / BlockSize
}

// Open opens name for reading and writing, creating it if needed. When direct
// is set it tries to bypass the page cache and reports whether it succeeded;
// filesystems that refuse direct I/O fall back to buffered access.
func Open(name string, direct bool) (*os.File, bool, error) {
	const flag, perm = os.O_RDWR | os.O_CREATE, 0o600
	if !direct || !DirectIO {
		f, err := os.OpenFile(name, flag, perm)
		return f, false, err
	}
	f, err := OpenFile(name, flag, perm)
	if err == nil {
		return f, true, nil
	}
	if !fallback(err) {
		return nil, false, err
	}
	f, err = os.OpenFile(name, flag, perm)
	return f, false, err
}

// alignment returns alignment of the block in memory
// with reference to AlignSize
//
// Can't check alignment of a zero sized block as &block[0] is invalid
func alignment(block []byte, alignSize int) int {
	return int(uintptr(unsafe.Pointer(&block[0])) & uintptr(alignSize-1))
}
