// Package storage is an append-only fragment store over a single file.
// Every fragment starts on a block boundary and is framed as
//
//	[Magic:4][Length:4][Checksum:8][Payload:Length][zero padding to BlockSize]
//
// where Checksum is the xxhash64 of the payload.
package storage

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/cache"
	"bwtree/internal/directio"
)

const (
	frameMagic      uint32 = 0x52545742 // "BWTR"
	frameHeaderSize        = 4 + 4 + 8
)

// Options configures a Storage.
type Options struct {
	DirectIO  bool // bypass the OS page cache when the filesystem allows it
	Sync      bool // fdatasync after every fragment
	CacheSize int  // fragments kept by the read cache
}

// Storage implements fragment storage using direct I/O with aligned buffers
type Storage struct {
	file    *os.File
	direct  bool
	sync    bool
	cache   *cache.Cache
	bufPool sync.Pool

	mu   sync.Mutex
	next uint64                // next free block
	live map[base.Location]int // frame size of every fragment not yet released

	// Stats counters
	reads       atomic.Uint64
	writes      atomic.Uint64
	read        atomic.Uint64
	written     atomic.Uint64
	invalidated atomic.Uint64
}

// New opens or creates the fragment file at path. New fragments are appended
// after any existing content.
func New(path string, opts Options) (*Storage, error) {
	file, direct, err := directio.Open(path, opts.DirectIO)
	if err != nil {
		return nil, base.StorageError(err, "open fragment file")
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, base.StorageError(err, "stat fragment file")
	}
	c, err := cache.New(opts.CacheSize)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "create fragment cache")
	}

	return &Storage{
		file:   file,
		direct: direct,
		sync:   opts.Sync,
		cache:  c,
		next:   uint64(directio.Blocks(int(info.Size()))),
		live:   make(map[base.Location]int),
		bufPool: sync.Pool{
			New: func() any {
				return directio.AlignedBlock(base.BlockSize)
			},
		},
	}, nil
}

// DirectIO reports whether the file was opened with direct I/O.
func (s *Storage) DirectIO() bool { return s.direct }

// WriteFragment appends payload as a new fragment. With Sync enabled the
// fragment is durable when WriteFragment returns.
func (s *Storage) WriteFragment(payload []byte) (base.Location, error) {
	size := frameHeaderSize + len(payload)
	buf := directio.AlignedBlock(size)
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], xxhash.Sum64(payload))
	copy(buf[frameHeaderSize:], payload)

	s.mu.Lock()
	block := s.next
	s.next += uint64(len(buf) / base.BlockSize)
	s.mu.Unlock()

	s.writes.Add(1)
	n, err := s.file.WriteAt(buf, int64(block*base.BlockSize))
	s.written.Add(uint64(n))
	if err != nil {
		return 0, base.StorageError(err, "write fragment")
	}
	if s.sync {
		if err := directio.Datasync(s.file); err != nil {
			return 0, base.StorageError(err, "sync fragment")
		}
	}

	loc := base.NewLocation(block, 0)
	s.mu.Lock()
	s.live[loc] = len(buf)
	s.mu.Unlock()
	s.cache.Put(loc, buf[frameHeaderSize:size:size])
	return loc, nil
}

// ReadFragment returns the payload stored at loc. The returned slice may be
// shared with the cache and must not be modified.
func (s *Storage) ReadFragment(loc base.Location) ([]byte, error) {
	if payload, ok := s.cache.Get(loc); ok {
		return payload, nil
	}
	if loc.Offset() != 0 {
		return nil, corrupt(loc, "fragment not block aligned")
	}

	off := int64(loc.Block() * base.BlockSize)
	head := s.bufPool.Get().([]byte)
	defer s.bufPool.Put(head)
	if err := s.readAt(head, off); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(head[0:4]) != frameMagic {
		return nil, corrupt(loc, "bad magic")
	}
	length := int(binary.LittleEndian.Uint32(head[4:8]))
	sum := binary.LittleEndian.Uint64(head[8:16])

	size := frameHeaderSize + length
	buf := head
	if size > base.BlockSize {
		buf = directio.AlignedBlock(size)
		copy(buf, head)
		if err := s.readAt(buf[base.BlockSize:], off+base.BlockSize); err != nil {
			return nil, err
		}
	}
	if xxhash.Sum64(buf[frameHeaderSize:size]) != sum {
		return nil, corrupt(loc, "checksum mismatch")
	}

	payload := make([]byte, length)
	copy(payload, buf[frameHeaderSize:size])
	s.cache.Put(loc, payload)
	return payload, nil
}

func (s *Storage) readAt(buf []byte, off int64) error {
	s.reads.Add(1)
	n, err := s.file.ReadAt(buf, off)
	s.read.Add(uint64(n))
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = errors.Newf("short read: got %d bytes, expected %d", n, len(buf))
	}
	return base.StorageError(err, "read fragment")
}

func corrupt(loc base.Location, reason string) error {
	return errors.Mark(errors.Wrapf(base.ErrCorruption, "%s at location %d", reason, loc), base.ErrStorage)
}

// Release marks the fragment at loc as garbage. Its blocks are accounted as
// invalidated and it is dropped from the read cache.
func (s *Storage) Release(loc base.Location) {
	s.mu.Lock()
	size, ok := s.live[loc]
	delete(s.live, loc)
	s.mu.Unlock()

	if ok {
		s.invalidated.Add(uint64(size))
	}
	s.cache.Delete(loc)
}

// Sync flushes buffered writes to disk
func (s *Storage) Sync() error {
	return base.StorageError(directio.Datasync(s.file), "sync")
}

// Close closes the file
func (s *Storage) Close() error {
	return base.StorageError(s.file.Close(), "close fragment file")
}

// Stats holds I/O statistics
type Stats struct {
	Reads       uint64
	Writes      uint64
	Read        uint64
	Written     uint64
	Invalidated uint64 // bytes of released fragments
	Live        int    // fragments written and not yet released
	Cache       cache.Stats
}

// Stats returns I/O statistics
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	live := len(s.live)
	s.mu.Unlock()

	return Stats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		Read:        s.read.Load(),
		Written:     s.written.Load(),
		Invalidated: s.invalidated.Load(),
		Live:        live,
		Cache:       s.cache.Stats(),
	}
}
