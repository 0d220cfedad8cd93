package bwtree

import (
	"context"
	"runtime"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/page"
)

// view returns the consolidated state of p's current chain, going through the
// view cache.
func (t *Tree) view(p *page.Page) *page.State {
	head := p.Head()
	if st, ok := t.views.Get(p.ID(), head.Version()); ok {
		return st
	}
	st := page.Consolidate(head)
	t.views.Put(p.ID(), st)
	return st
}

// descend walks from the root to the page at level whose range holds key.
// It follows right links when a page has split away the key and restarts from
// the root when it lands left of a page's range. The returned path lists the
// PageIDs visited above the result, root first.
func (t *Tree) descend(ctx context.Context, key base.Key, level int) (*page.Page, []base.PageID, error) {
	for restarts := 0; restarts < maxRestarts; restarts++ {
		if restarts > 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, errors.Mark(err, base.ErrWaitAborted)
			}
			t.restarts.Add(1)
			runtime.Gosched()
		}
		p, path, ok, err := t.walk(key, level)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return p, path, nil
		}
	}
	return nil, nil, errors.AssertionFailedf("descent to key %d restarted %d times", key, maxRestarts)
}

// walk is one descent attempt. It reports ok=false when the descent has to
// restart from the root.
func (t *Tree) walk(key base.Key, level int) (*page.Page, []base.PageID, bool, error) {
	var path []base.PageID
	id := t.rootID()

	root, err := t.table.Page(id)
	if err != nil {
		return nil, nil, false, err
	}
	if root.Level() < level {
		// A root split has published its right sibling but not yet the new root.
		return nil, nil, false, nil
	}

	for {
		p, err := t.table.Page(id)
		if err != nil {
			return nil, nil, false, err
		}
		b := p.Bounds()
		if key < b.Low {
			return nil, nil, false, nil
		}
		if base.Beyond(b.High, key) {
			if b.Right == base.InvalidPageID {
				return nil, nil, false, errors.AssertionFailedf("page %d ends at %d without a right sibling", id, b.High)
			}
			id = b.Right
			continue
		}
		if p.Level() == level {
			return p, path, true, nil
		}

		child, ok := t.view(p).Child(key)
		if !ok {
			return nil, nil, false, errors.AssertionFailedf("internal page %d has no entries", id)
		}
		path = append(path, id)
		id = child
	}
}

// locate finds the page at level whose range holds key, starting from the
// nearest ancestor in path and moving right from there. A stale or missing
// ancestor falls back to a descent from the root.
func (t *Tree) locate(ctx context.Context, key base.Key, level int, path []base.PageID) (*page.Page, []base.PageID, error) {
	if len(path) == 0 {
		return t.descend(ctx, key, level)
	}
	id, rest := path[len(path)-1], path[:len(path)-1]
	for {
		p, err := t.table.Page(id)
		if err != nil || p.Level() != level {
			return t.descend(ctx, key, level)
		}
		b := p.Bounds()
		switch {
		case key < b.Low:
			return t.descend(ctx, key, level)
		case base.Beyond(b.High, key):
			if b.Right == base.InvalidPageID {
				return t.descend(ctx, key, level)
			}
			id = b.Right
		default:
			return p, rest, nil
		}
	}
}
