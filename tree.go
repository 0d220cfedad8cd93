// Package bwtree is an embedded, latch-free ordered index. Updates are
// published as immutable delta records on top of base pages, and every page is
// reached through a mapping table from stable PageIDs, so readers never block
// and writers only contend on a single atomic head per page.
package bwtree

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/epoch"
	"bwtree/internal/gc"
	"bwtree/internal/mapping"
	"bwtree/internal/page"
	"bwtree/internal/storage"
	"bwtree/internal/suspend"
	"bwtree/internal/viewcache"
)

type (
	Key    = base.Key
	LSN    = base.LSN
	PageID = base.PageID
)

const (
	MinKey = base.MinKey
	MaxKey = base.MaxKey
)

// maxRestarts bounds how often one operation may restart its descent before
// the tree is considered inconsistent.
const maxRestarts = 1 << 16

// Entry is one key/value pair returned by RangeQuery.
type Entry struct {
	Key   Key
	Value []byte
}

// Tree is a Bw-Tree over int64 keys.
type Tree struct {
	mu     sync.RWMutex // held shared by every operation, exclusively by Close
	closed bool

	opts     Options
	log      Logger
	root     atomic.Uint64
	maxLSN   atomic.Uint64
	table    *mapping.Table
	alloc    *mapping.Allocator
	registry *suspend.Registry
	epochs   *epoch.Manager
	gc       *gc.Collector
	store    *storage.Storage
	views    *viewcache.Cache

	// Stats
	splits         atomic.Uint64
	merges         atomic.Uint64
	consolidations atomic.Uint64
	flushFailures  atomic.Uint64
	replayed       atomic.Uint64
	restarts       atomic.Uint64
}

// Open creates a tree with an empty leaf root. path names the fragment file
// used by physical consolidation.
func Open(path string, options ...Option) (_ *Tree, err error) {
	// Apply options
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = DiscardLogger{}
	}
	if opts.smoThreshold < 4*base.IndexEntrySize {
		return nil, errors.Newf("smo threshold %d too small", opts.smoThreshold)
	}

	store, err := storage.New(path, storage.Options{
		DirectIO:  opts.directIO,
		Sync:      opts.syncMode == SyncEveryFlush,
		CacheSize: opts.fragmentCacheSize,
	})
	if err != nil {
		return nil, err
	}
	var views *viewcache.Cache
	defer func() {
		if err != nil {
			views.Close()
			_ = store.Close()
		}
	}()
	if views, err = viewcache.New(opts.viewCacheBytes); err != nil {
		return nil, errors.Wrap(err, "create view cache")
	}

	table := mapping.NewTable()
	t := &Tree{
		opts:     opts,
		log:      opts.logger,
		table:    table,
		alloc:    mapping.NewAllocator(opts.firstPageID),
		registry: suspend.NewRegistry(table),
		epochs:   epoch.NewManager(opts.maxReaders),
		store:    store,
		views:    views,
	}
	t.gc = gc.New(t.epochs, table, store, t.log)

	rootID, err := t.alloc.Next()
	if err != nil {
		return nil, errors.Wrap(err, "allocate root page")
	}
	table.Install(page.New(rootID, page.NewLeafState(MinKey, MaxKey)), false)
	t.root.Store(uint64(rootID))

	// Start background reclaimer goroutine
	t.gc.Start(opts.gcInterval)

	t.log.Info("bwtree opened", "path", path, "direct_io", store.DirectIO())
	return t, nil
}

// Close stops background work and closes the fragment file. Operations
// started after Close fail with ErrClosed.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.gc.Stop()
	t.views.Close()
	return t.store.Close()
}

// begin registers an operation. The returned func must be called when the
// operation is done.
func (t *Tree) begin(ctx context.Context) (context.Context, func(), error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, nil, ErrClosed
	}

	ctx, cancel := t.bounded(ctx)
	exit, err := t.epochs.Enter(ctx)
	if err != nil {
		cancel()
		t.mu.RUnlock()
		return nil, nil, err
	}
	return ctx, func() {
		exit()
		cancel()
		t.mu.RUnlock()
	}, nil
}

// bounded applies the wait timeout to ctx.
func (t *Tree) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.waitTimeout > 0 {
		return context.WithTimeout(ctx, t.opts.waitTimeout)
	}
	return context.WithCancel(ctx)
}

func (t *Tree) rootID() base.PageID { return base.PageID(t.root.Load()) }

// observe raises the highest LSN seen, which SMO deltas are stamped with.
func (t *Tree) observe(lsn base.LSN) {
	for {
		cur := t.maxLSN.Load()
		if uint64(lsn) <= cur || t.maxLSN.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

func (t *Tree) lsn() base.LSN { return base.LSN(t.maxLSN.Load()) }

// Insert associates value with key. A later insert of the same key replaces
// the value; value is copied.
func (t *Tree) Insert(ctx context.Context, key Key, value []byte, lsn LSN) error {
	ctx, done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	follow, err := t.write(ctx, suspend.OpInsert, key, bytes.Clone(value), lsn)
	if err != nil {
		return err
	}
	return t.runSMO(ctx, follow...)
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Tree) Delete(ctx context.Context, key Key, lsn LSN) error {
	ctx, done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	follow, err := t.write(ctx, suspend.OpDelete, key, nil, lsn)
	if err != nil {
		return err
	}
	return t.runSMO(ctx, follow...)
}

// Get returns a copy of the value stored under key.
func (t *Tree) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	ctx, done, err := t.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer done()

	p, _, err := t.descend(ctx, key, 0)
	if err != nil {
		return nil, false, err
	}
	r, ok := t.view(p).Find(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(r.Value), true, nil
}

// RangeQuery returns every live entry with start <= key <= end in ascending
// key order. Values are copies.
func (t *Tree) RangeQuery(ctx context.Context, start, end Key) ([]Entry, error) {
	if start > end {
		return nil, nil
	}
	ctx, done, err := t.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	p, _, err := t.descend(ctx, start, 0)
	if err != nil {
		return nil, err
	}

	var (
		out     []Entry
		last    Key
		emitted bool
	)
	for {
		st := t.view(p)
		for _, r := range st.Records {
			if r.Key < start || (emitted && r.Key <= last) {
				continue
			}
			if r.Key > end {
				return out, nil
			}
			out = append(out, Entry{Key: r.Key, Value: bytes.Clone(r.Value)})
			last, emitted = r.Key, true
		}
		// Keys >= High live to the right; continue while they can be in range.
		if st.High == MaxKey || st.High > end || st.Right == base.InvalidPageID {
			return out, nil
		}
		if p, err = t.table.Page(st.Right); err != nil {
			return nil, err
		}
	}
}

// write publishes one insert or delete on the leaf owning key. It returns the
// structure modifications the write made necessary; the caller runs them.
func (t *Tree) write(ctx context.Context, op suspend.Op, key base.Key, value base.Value, lsn base.LSN) ([]smoItem, error) {
	t.observe(lsn)
	for restarts := 0; restarts < maxRestarts; restarts++ {
		if restarts > 0 {
			t.restarts.Add(1)
			runtime.Gosched()
		}
		p, path, err := t.descend(ctx, key, 0)
		if err != nil {
			return nil, err
		}

		p.Enter()
		req := suspend.NewRequest(op, key, value, lsn)
		status, _ := t.registry.Admit(p.ID(), req)
		switch status {
		case suspend.Retired:
			p.Leave()
			continue
		case suspend.Busy:
			p.Leave()
			if err := req.Wait(ctx); err != nil {
				t.log.Warn("write gave up waiting for structure modification", "page", p.ID(), "key", key, "error", err)
				return nil, err
			}
			return nil, nil
		}
		if !p.Bounds().Covers(key) {
			// Split or merged between the descent and the gate.
			p.Leave()
			continue
		}
		if op == suspend.OpDelete {
			p.Append(page.NewDelete(lsn, key))
		} else {
			p.Append(page.NewData(lsn, key, value))
		}
		length, since := p.ChainLength()
		if since >= page.LinkStride {
			p.Append(page.NewLink(length))
		}
		p.Leave()

		if length > t.opts.consolidateThreshold {
			if err := t.consolidate(p); err != nil {
				t.log.Error("physical consolidation failed", "page", p.ID(), "error", err)
			}
		}
		return t.checkAfterWrite(p, path, op), nil
	}
	return nil, errors.AssertionFailedf("write of key %d restarted %d times", key, maxRestarts)
}

// checkAfterWrite evaluates the split and merge triggers for p.
func (t *Tree) checkAfterWrite(p *page.Page, path []base.PageID, op suspend.Op) []smoItem {
	st := t.view(p)
	switch {
	case t.needsSplit(st):
		return []smoItem{{id: p.ID(), path: path}}
	case op == suspend.OpDelete && p.ID() != t.rootID() && t.needsMerge(st):
		return []smoItem{{id: p.ID(), path: path, merge: true}}
	}
	return nil
}

// Stats holds tree statistics
type Stats struct {
	Pages          int // live mapping table entries
	Height         int
	Splits         uint64
	Merges         uint64
	Consolidations uint64
	FlushFailures  uint64
	Replayed       uint64 // requests queued behind an SMO and replayed by its owner
	Restarts       uint64

	FragmentsWritten uint64
	FragmentsLive    int
	BytesWritten     uint64
	BytesInvalidated uint64
	FragmentHits     uint64
	FragmentMisses   uint64

	ViewHits   uint64
	ViewMisses uint64

	Retired        uint64
	PendingGC      int
	ReclaimedPages uint64
}

// Stats returns tree statistics
func (t *Tree) Stats() Stats {
	s := Stats{
		Pages:          t.table.Len(),
		Splits:         t.splits.Load(),
		Merges:         t.merges.Load(),
		Consolidations: t.consolidations.Load(),
		FlushFailures:  t.flushFailures.Load(),
		Replayed:       t.replayed.Load(),
		Restarts:       t.restarts.Load(),
	}
	if root, err := t.table.Page(t.rootID()); err == nil {
		s.Height = root.Level() + 1
	}

	io := t.store.Stats()
	s.FragmentsWritten = io.Writes
	s.FragmentsLive = io.Live
	s.BytesWritten = io.Written
	s.BytesInvalidated = io.Invalidated
	s.FragmentHits = io.Cache.Hits
	s.FragmentMisses = io.Cache.Misses

	vc := t.views.Stats()
	s.ViewHits, s.ViewMisses = vc.Hits, vc.Misses

	gs := t.gc.Stats()
	s.Retired, s.PendingGC, s.ReclaimedPages = gs.Retired, gs.Pending, gs.ReclaimedPages
	return s
}
