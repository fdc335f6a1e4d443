package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextID_UniqueUnderConcurrency(t *testing.T) {
	gen, err := NewGenerator(1, 1)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := gen.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker, "all generated ids must be unique")
}

func TestNextID_MonotonicWithinGenerator(t *testing.T) {
	gen, err := NewGenerator(0, 0)
	require.NoError(t, err)

	prev := int64(-1)
	for i := 0; i < 5000; i++ {
		id, err := gen.NextID()
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextID_ClockRollback(t *testing.T) {
	gen, err := NewGenerator(1, 1)
	require.NoError(t, err)

	current := int64(epoch + 1000)
	gen.now = func() int64 { return current }

	_, err = gen.NextID()
	require.NoError(t, err)

	// 时钟回拨后必须拒绝发号
	current = epoch + 500
	_, err = gen.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestNewGenerator_RejectsOutOfRangeIDs(t *testing.T) {
	_, err := NewGenerator(32, 0)
	assert.Error(t, err)
	_, err = NewGenerator(0, -1)
	assert.Error(t, err)
}
