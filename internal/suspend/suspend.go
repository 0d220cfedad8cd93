// Package suspend parks operations that reach a page while a structure
// modification owns it, and hands them back to the owner for replay.
package suspend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
	"bwtree/internal/mapping"
)

// Status is the outcome of Admit.
type Status uint8

const (
	// Open means the page accepts appends.
	Open Status = iota
	// Busy means an SMO owns the page; the request (if any) was queued.
	Busy
	// Retired means the page was merged away and must not be written.
	Retired
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Busy:
		return "busy"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Op is the operation carried by a queued request.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpDelete
	// OpSplitCheck asks the SMO owner to re-evaluate the page once it is done.
	OpSplitCheck
)

const (
	statePending int32 = iota
	stateClaimed
	stateAborted
)

// Request is an operation waiting for an SMO to finish. The owner claims it
// and reports the replayed result exactly once.
type Request struct {
	Op    Op
	Key   base.Key
	Value base.Value
	LSN   base.LSN

	state atomic.Int32
	done  chan error
}

// NewRequest returns a pending request.
func NewRequest(op Op, key base.Key, value base.Value, lsn base.LSN) *Request {
	return &Request{Op: op, Key: key, Value: value, LSN: lsn, done: make(chan error, 1)}
}

// Claim moves the request from pending to claimed. It fails if the waiter gave up.
func (r *Request) Claim() bool { return r.state.CompareAndSwap(statePending, stateClaimed) }

// Abort moves the request from pending to aborted. It fails once claimed.
func (r *Request) Abort() bool { return r.state.CompareAndSwap(statePending, stateAborted) }

// Complete delivers the replay result. Only the claimant calls it.
func (r *Request) Complete(err error) { r.done <- err }

// Wait blocks until the request is replayed or ctx ends. A request that was
// already claimed when ctx ends is still waited for, so its result is never lost.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		if r.Abort() {
			return errors.Mark(errors.Wrap(ctx.Err(), "waiting for structure modification"), base.ErrWaitAborted)
		}
		return <-r.done
	}
}

type queue struct {
	reqs    []*Request
	cleared chan struct{}
}

// Registry tracks the wait queue of every page currently under an SMO. The
// under_smo flag itself lives in the mapping table; Registry only changes it
// while holding mu so that admission and enqueueing are atomic with respect
// to acquisition and release.
type Registry struct {
	mu    sync.Mutex
	table *mapping.Table
	waits map[base.PageID]*queue
}

// NewRegistry returns a registry over table.
func NewRegistry(table *mapping.Table) *Registry {
	return &Registry{
		table: table,
		waits: make(map[base.PageID]*queue),
	}
}

// TryAcquire makes the caller the SMO owner of id. It never blocks.
func (r *Registry) TryAcquire(id base.PageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.table.TryAcquireSMO(id) {
		return false
	}
	r.waits[id] = &queue{cleared: make(chan struct{})}
	return true
}

// Admit decides whether a write may proceed on id. When the page is Busy and
// req is non-nil, req is queued behind the SMO. The returned channel is closed
// when the SMO releases the page.
func (r *Registry) Admit(id base.PageID, req *Request) (Status, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.table.Get(id)
	if !ok || e.PendingDealloc {
		return Retired, nil
	}
	if !e.UnderSMO {
		return Open, nil
	}
	q := r.waits[id]
	if q == nil {
		q = &queue{cleared: make(chan struct{})}
		r.waits[id] = q
	}
	if req != nil {
		q.reqs = append(q.reqs, req)
	}
	return Busy, q.cleared
}

// Release ends the SMO on id and returns the queued requests in arrival order.
func (r *Registry) Release(id base.PageID) []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.table.ClearUnderSMO(id)
	q := r.waits[id]
	if q == nil {
		return nil
	}
	delete(r.waits, id)
	close(q.cleared)
	return q.reqs
}

// Pending returns the number of requests queued on id.
func (r *Registry) Pending(id base.PageID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q := r.waits[id]; q != nil {
		return len(q.reqs)
	}
	return 0
}
