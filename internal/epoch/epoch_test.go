package epoch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bwtree/internal/base"
)

func TestMinActiveTracksOldest(t *testing.T) {
	t.Parallel()

	m := NewManager(4)
	assert.Equal(t, uint64(1), m.Current())
	assert.Equal(t, uint64(1), m.MinActive())

	exit1, err := m.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Advance())

	exit2, err := m.Enter(context.Background())
	require.NoError(t, err)
	m.Advance()

	assert.Equal(t, uint64(3), m.Current())
	assert.Equal(t, uint64(1), m.MinActive())
	assert.Equal(t, 2, m.Active())

	exit1()
	exit1() // idempotent
	assert.Equal(t, uint64(2), m.MinActive())
	assert.Equal(t, 1, m.Active())

	exit2()
	assert.Equal(t, uint64(3), m.MinActive())
}

func TestEnterWaitsForSlot(t *testing.T) {
	t.Parallel()

	m := NewManager(1)
	exit, err := m.Enter(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Enter(ctx)
	require.ErrorIs(t, err, base.ErrWaitAborted)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exit2, err := m.Enter(context.Background())
		assert.NoError(t, err)
		exit2()
	}()
	time.Sleep(5 * time.Millisecond)
	exit()
	wg.Wait()
	assert.Equal(t, 0, m.Active())
}

func TestConcurrentEnterExit(t *testing.T) {
	t.Parallel()

	m := NewManager(8)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				exit, err := m.Enter(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, m.MinActive(), m.Current())
				m.Advance()
				exit()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.Active())
	assert.Equal(t, m.Current(), m.MinActive())
	assert.Equal(t, uint64(1+16*200), m.Current())
}
