package bwtree

import (
	"context"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/mapping"
	"bwtree/internal/page"
)

// consolidate writes p's current state to storage and replaces its chain with
// Flush{location} -> Base{state}. Losing the swap to a concurrent append is
// not an error: the orphaned fragment is retired and a later write retries.
// A storage failure leaves the chain untouched.
func (t *Tree) consolidate(p *page.Page) error {
	if e, ok := t.table.Get(p.ID()); !ok || e.PendingDealloc {
		return nil
	}
	head := p.Head()
	st := page.Consolidate(head)

	loc, err := t.store.WriteFragment(st.Encode())
	if err != nil {
		t.flushFailures.Add(1)
		return err
	}
	if !p.Swap(head, page.NewFlush(loc), page.NewBase(st)) {
		t.gc.RetireFragments(loc)
		return nil
	}
	t.consolidations.Add(1)
	t.gc.RetireFragments(head.Locations()...)
	return nil
}

// flushed reports whether head is already a freshly flushed base.
func flushed(head *page.Delta) bool {
	return head.Kind == page.KindFlush && head.Next().Kind == page.KindBase
}

// Flush physically consolidates every live page whose content is not yet in
// the fragment store. Pages that fail are reported together; the others are
// still flushed.
func (t *Tree) Flush(ctx context.Context) error {
	ctx, done, err := t.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	var errs error
	t.table.Range(func(id base.PageID, e mapping.Entry) bool {
		if err := ctx.Err(); err != nil {
			errs = errors.CombineErrors(errs, errors.Mark(err, base.ErrWaitAborted))
			return false
		}
		if e.PendingDealloc || flushed(e.Page.Head()) {
			return true
		}
		if err := t.consolidate(e.Page); err != nil {
			t.log.Error("flush failed", "page", id, "error", err)
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "flush page %d", id))
		}
		return true
	})
	return errs
}
