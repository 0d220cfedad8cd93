// Package epoch tracks which epochs are still observed by in-flight operations
// so that retired pages and fragments are only released once unreachable.
package epoch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"bwtree/internal/base"
)

// Manager provides fixed-size slot-based epoch tracking. Each slot stores the
// epoch its operation entered at (0 = empty), giving O(1) enter and exit with
// no allocation beyond the exit closure.
type Manager struct {
	current atomic.Uint64
	slots   []atomic.Uint64
	active  atomic.Int32
}

// NewManager creates a manager allowing maxActive concurrent operations.
func NewManager(maxActive int) *Manager {
	m := &Manager{slots: make([]atomic.Uint64, max(maxActive, 1))}
	m.current.Store(1)
	return m
}

// Current returns the global epoch.
func (m *Manager) Current() uint64 { return m.current.Load() }

// Advance moves the global epoch forward and returns the epoch it replaced.
func (m *Manager) Advance() uint64 { return m.current.Add(1) - 1 }

// Active returns the number of registered operations.
func (m *Manager) Active() int { return int(m.active.Load()) }

// Enter registers the caller at the current epoch. It must be called before
// the caller reads any shared page state. When every slot is taken Enter
// yields until one frees up or ctx ends.
func (m *Manager) Enter(ctx context.Context) (func(), error) {
	for {
		// Counted before the slot is published so MinActive never skips it.
		m.active.Add(1)
		e := m.current.Load()
		for i := range m.slots {
			if m.slots[i].CompareAndSwap(0, e) {
				var once sync.Once
				return func() {
					once.Do(func() {
						m.slots[i].Store(0)
						m.active.Add(-1)
					})
				}, nil
			}
		}
		m.active.Add(-1)
		if err := ctx.Err(); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "waiting for an epoch slot"), base.ErrWaitAborted)
		}
		runtime.Gosched()
	}
}

// MinActive returns the oldest epoch still registered, or the current epoch
// when no operation is active. Anything retired strictly before it is
// unreachable.
func (m *Manager) MinActive() uint64 {
	minEpoch := m.current.Load()
	if m.active.Load() == 0 {
		return minEpoch
	}
	for i := range m.slots {
		if e := m.slots[i].Load(); e != 0 && e < minEpoch {
			minEpoch = e
		}
	}
	return minEpoch
}
