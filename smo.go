package bwtree

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/page"
	"bwtree/internal/suspend"
)

// maxReposts bounds how often an index entry whose posting gave up waiting on
// the parent is retried within one operation.
const maxReposts = 3

// smoItem is one pending structure modification: a page to check for a split
// (or a merge) and the ancestors it was reached through, root first. Items
// carrying post instead finish a split by posting its index entry at level.
type smoItem struct {
	id    base.PageID
	path  []base.PageID
	merge bool

	post     *base.IndexEntry
	level    int
	attempts int
}

func (t *Tree) needsSplit(st *page.State) bool {
	return st.Len() >= 2 && st.Size() > t.opts.smoThreshold
}

func (t *Tree) needsMerge(st *page.State) bool {
	return st.Size() < t.opts.smoThreshold/4
}

// runSMO drains a worklist of structure modifications. Cascades, a split
// filling the parent or a merge draining it, are pushed rather than recursed
// into, so the depth is bounded by the tree height.
func (t *Tree) runSMO(ctx context.Context, items ...smoItem) error {
	work := items
	for len(work) > 0 {
		it := work[0]
		work = work[1:]

		var (
			more []smoItem
			err  error
		)
		switch {
		case it.post != nil:
			more, err = t.repost(ctx, it)
		case it.merge:
			more, err = t.merge(ctx, it)
		default:
			more, err = t.split(ctx, it)
		}
		work = append(work, more...)
		if errors.Is(err, base.ErrWaitAborted) {
			t.log.Warn("structure modification abandoned", "page", it.id, "merge", it.merge, "error", err)
			continue
		}
		if err != nil {
			if errors.HasAssertionFailure(err) {
				t.log.Error("structure invariant violated", "page", it.id, "error", err)
			} else {
				t.log.Error("structure modification failed", "page", it.id, "merge", it.merge, "error", err)
			}
			return err
		}
	}
	return nil
}

// acquire makes the caller the SMO owner of id. When another owner holds the
// page a split check is queued behind it instead, so the page is
// re-evaluated once that owner is done.
func (t *Tree) acquire(id base.PageID) bool {
	for {
		if t.registry.TryAcquire(id) {
			return true
		}
		status, _ := t.registry.Admit(id, suspend.NewRequest(suspend.OpSplitCheck, 0, nil, 0))
		if status != suspend.Open {
			return false
		}
	}
}

// replay runs the requests that queued on id during its SMO, in arrival order.
// The owner has already released id and holds no other page.
func (t *Tree) replay(ctx context.Context, id base.PageID, reqs []*suspend.Request) []smoItem {
	var (
		follow  []smoItem
		checked bool
	)
	for _, req := range reqs {
		if !req.Claim() {
			continue
		}
		if req.Op == suspend.OpSplitCheck {
			req.Complete(nil)
			if !checked {
				follow = append(follow, smoItem{id: id})
				checked = true
			}
			continue
		}

		// The waiter's deadline is its own; the replay gets a fresh bound.
		rctx, cancel := t.bounded(context.WithoutCancel(ctx))
		more, err := t.write(rctx, req.Op, req.Key, req.Value, req.LSN)
		cancel()
		req.Complete(err)
		t.replayed.Add(1)
		follow = append(follow, more...)
	}
	return follow
}

// releaseAll ends the SMO on every id and then replays what queued on them.
func (t *Tree) releaseAll(ctx context.Context, ids ...base.PageID) []smoItem {
	queued := make([][]*suspend.Request, len(ids))
	for i, id := range ids {
		queued[i] = t.registry.Release(id)
	}
	var follow []smoItem
	for i, id := range ids {
		follow = append(follow, t.replay(ctx, id, queued[i])...)
	}
	return follow
}

// await blocks until cleared is closed or ctx ends.
func (t *Tree) await(ctx context.Context, cleared <-chan struct{}) error {
	select {
	case <-cleared:
		return nil
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "waiting for parent"), base.ErrWaitAborted)
	}
}

// split moves the upper half of an oversized page to a new right sibling and
// posts the sibling's index entry to the parent.
func (t *Tree) split(ctx context.Context, it smoItem) (follow []smoItem, err error) {
	p, err := t.table.Page(it.id)
	if err != nil {
		// Merged away and reclaimed since the check was queued.
		return nil, nil
	}
	if e, _ := t.table.Get(it.id); e.PendingDealloc || !t.needsSplit(t.view(p)) {
		return nil, nil
	}
	if !t.acquire(it.id) {
		return nil, nil
	}
	defer func() {
		follow = append(follow, t.releaseAll(ctx, it.id)...)
	}()

	p.Drain()
	if e, ok := t.table.Get(it.id); !ok || e.PendingDealloc {
		return nil, nil
	}
	st := p.Consolidate()
	sp, ok := st.SplitPoint()
	if !ok || st.Size() <= t.opts.smoThreshold || sp.RightSize < t.opts.smoThreshold/4 {
		return nil, nil
	}

	rightID, err := t.alloc.Next()
	if err != nil {
		return nil, err
	}
	t.table.Install(page.New(rightID, st.Upper(sp)), true)
	p.Append(page.NewSplit(t.lsn(), sp.Key, rightID))
	t.table.ClearPendingAlloc(rightID)
	t.splits.Add(1)
	t.log.Debug("page split", "page", it.id, "right", rightID, "split_key", sp.Key, "level", p.Level())

	parent, path, err := t.postSplit(ctx, p, st.Low, sp.Key, rightID, it.path)
	if errors.Is(err, base.ErrWaitAborted) {
		// The new sibling stays reachable through the split delta's right link
		// until the entry is posted once this page is released.
		t.log.Warn("index entry for split not posted", "page", it.id, "right", rightID, "error", err)
		return []smoItem{{
			id:    rightID,
			path:  it.path,
			post:  &base.IndexEntry{Key: sp.Key, Child: rightID},
			level: p.Level() + 1,
		}}, nil
	}
	if err != nil {
		return nil, err
	}
	return []smoItem{{id: parent, path: path}}, nil
}

// repost retries posting the index entry of a split whose first attempt gave
// up waiting on the parent. It runs with a fresh wait bound, after the split
// page was released, and is requeued up to maxReposts times.
func (t *Tree) repost(ctx context.Context, it smoItem) ([]smoItem, error) {
	child, err := t.table.Page(it.post.Child)
	if err != nil {
		return nil, nil
	}
	if e, _ := t.table.Get(it.post.Child); e.PendingDealloc || child.Bounds().Low != it.post.Key {
		return nil, nil
	}

	pctx, cancel := t.bounded(context.WithoutCancel(ctx))
	defer cancel()
	parent, path, err := t.postIndex(pctx, it.level, *it.post, it.path)
	if errors.Is(err, base.ErrWaitAborted) && it.attempts+1 < maxReposts {
		it.attempts++
		return []smoItem{it}, err
	}
	if err != nil {
		return nil, err
	}
	t.log.Debug("index entry posted late", "page", it.post.Child, "parent", parent)
	return []smoItem{{id: parent, path: path}}, nil
}

// postSplit publishes the routing entry for a new right sibling. Splitting the
// root grows the tree by one level instead.
func (t *Tree) postSplit(ctx context.Context, p *page.Page, low, splitKey base.Key, rightID base.PageID, path []base.PageID) (base.PageID, []base.PageID, error) {
	level := p.Level() + 1
	if p.ID() == t.rootID() {
		rootID, err := t.alloc.Next()
		if err != nil {
			return base.InvalidPageID, nil, err
		}
		t.table.Install(page.New(rootID, page.NewInternalState(level, MinKey, MaxKey, []base.IndexEntry{
			{Key: low, Child: p.ID()},
			{Key: splitKey, Child: rightID},
		})), false)
		if t.root.CompareAndSwap(uint64(p.ID()), uint64(rootID)) {
			t.log.Info("new root", "root", rootID, "level", level)
			return rootID, nil, nil
		}
		t.table.Remove(rootID)
	}
	return t.postIndex(ctx, level, base.IndexEntry{Key: splitKey, Child: rightID}, path)
}

// postIndex appends an index delta for entry to the page at level covering
// entry.Key. It waits while that page is under another SMO.
func (t *Tree) postIndex(ctx context.Context, level int, entry base.IndexEntry, path []base.PageID) (base.PageID, []base.PageID, error) {
	key := entry.Key
	for restarts := 0; restarts < maxRestarts; restarts++ {
		parent, rest, err := t.locate(ctx, key, level, path)
		if err != nil {
			return base.InvalidPageID, nil, err
		}

		parent.Enter()
		status, cleared := t.registry.Admit(parent.ID(), nil)
		switch status {
		case suspend.Retired:
			parent.Leave()
			path = nil
			continue
		case suspend.Busy:
			parent.Leave()
			if err := t.await(ctx, cleared); err != nil {
				return base.InvalidPageID, nil, err
			}
			path = append(slices.Clip(rest), parent.ID())
			continue
		}
		if !parent.Bounds().Covers(key) {
			parent.Leave()
			path = append(slices.Clip(rest), parent.ID())
			continue
		}
		parent.Append(page.NewIndex(t.lsn(), entry))
		length, since := parent.ChainLength()
		if since >= page.LinkStride {
			parent.Append(page.NewLink(length))
		}
		parent.Leave()

		if length > t.opts.consolidateThreshold {
			if err := t.consolidate(parent); err != nil {
				t.log.Error("physical consolidation failed", "page", parent.ID(), "error", err)
			}
		}
		return parent.ID(), rest, nil
	}
	return base.InvalidPageID, nil, errors.AssertionFailedf("posting index entry %d restarted %d times", key, maxRestarts)
}

// merge folds an underfull page into its left sibling and removes it from
// their parent. It owns the page, the parent and the left sibling for the
// duration, acquired without waiting in that order; contention on any of them
// skips the merge until a later delete finds the page underfull again.
func (t *Tree) merge(ctx context.Context, it smoItem) (follow []smoItem, err error) {
	if it.id == t.rootID() {
		return nil, nil
	}
	p, err := t.table.Page(it.id)
	if err != nil {
		return nil, nil
	}
	if !t.needsMerge(t.view(p)) || !t.registry.TryAcquire(it.id) {
		return nil, nil
	}
	held := []base.PageID{it.id}
	defer func() {
		follow = append(follow, t.releaseAll(ctx, held...)...)
	}()

	p.Drain()
	if e, ok := t.table.Get(it.id); !ok || e.PendingDealloc {
		return nil, nil
	}
	if it.id == t.rootID() {
		return nil, errors.AssertionFailedf("merge of root page %d", it.id)
	}
	st := p.Consolidate()
	if !t.needsMerge(st) {
		return nil, nil
	}

	// Owning the parent keeps it from splitting, so the left sibling's entry
	// stays ahead of the page's entry in the same parent.
	parent, ppath, err := t.locate(ctx, st.Low, p.Level()+1, it.path)
	if err != nil {
		return nil, err
	}
	if !t.registry.TryAcquire(parent.ID()) {
		return nil, nil
	}
	held = append(held, parent.ID())
	parent.Drain()
	if e, ok := t.table.Get(parent.ID()); !ok || e.PendingDealloc || !parent.Bounds().Covers(st.Low) {
		return nil, nil
	}
	left, ok := parent.Consolidate().LeftOf(it.id)
	if !ok || !t.registry.TryAcquire(left.Child) {
		return nil, nil
	}
	held = append(held, left.Child)

	l, err := t.table.Page(left.Child)
	if err != nil {
		return nil, err
	}
	l.Drain()
	if e, ok := t.table.Get(left.Child); !ok || e.PendingDealloc {
		return nil, nil
	}

	for {
		head := l.Head()
		lst := page.Consolidate(head)
		if lst.Right != it.id || lst.High != st.Low || lst.Size()+st.Size() >= t.opts.smoThreshold {
			return nil, nil
		}
		if l.Swap(head, page.NewMerge(t.lsn(), st.Low, it.id), page.NewBase(lst.Absorb(st))) {
			t.gc.RetireFragments(head.Locations()...)
			break
		}
	}

	// The left sibling serves the absorbed range from here on.
	err = t.removeChild(parent, it.id)
	t.table.SetPendingDealloc(it.id)
	t.gc.RetirePage(it.id, p.Head().Locations())
	if err != nil {
		return nil, err
	}
	t.merges.Add(1)
	t.log.Debug("page merged", "page", it.id, "into", left.Child, "level", p.Level())
	return []smoItem{{id: parent.ID(), path: ppath, merge: true}}, nil
}

// removeChild drops the entry routing to child from parent. The caller owns
// parent, so only a concurrent physical consolidation can move its head.
func (t *Tree) removeChild(parent *page.Page, child base.PageID) error {
	for {
		head := parent.Head()
		trimmed, ok := page.Consolidate(head).WithoutChild(child)
		if !ok {
			return errors.AssertionFailedf("parent %d has no entry for child %d", parent.ID(), child)
		}
		if parent.Swap(head, page.NewBase(trimmed)) {
			t.gc.RetireFragments(head.Locations()...)
			return nil
		}
	}
}
