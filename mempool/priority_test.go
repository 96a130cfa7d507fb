package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gasrelay/core/types"
)

func drain(q *Queue) []uint64 {
	var out []uint64
	for {
		id, ok := q.DequeueNext()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

func TestDequeueHonoursTierThenArrival(t *testing.T) {
	q := NewQueue()
	// A: low, B: critical, C: low — submitted in that order.
	require.NoError(t, q.Enqueue(1, types.PriorityLow))
	require.NoError(t, q.Enqueue(2, types.PriorityCritical))
	require.NoError(t, q.Enqueue(3, types.PriorityLow))

	require.Equal(t, []uint64{2, 1, 3}, drain(q))
	_, ok := q.DequeueNext()
	require.False(t, ok)
}

func TestMixedTiers(t *testing.T) {
	q := NewQueue()
	tiers := []types.Priority{types.PriorityNormal, types.PriorityUrgent, types.PriorityHigh, types.PriorityUrgent, types.PriorityLow, types.PriorityCritical}
	for i, tier := range tiers {
		require.NoError(t, q.Enqueue(uint64(i+1), tier))
	}
	require.Equal(t, []uint64{6, 2, 4, 3, 1, 5}, q.Snapshot())
	require.Equal(t, []uint64{6, 2, 4, 3, 1, 5}, drain(q))
}

func TestEnqueueRejectsDuplicatesAndInvalidTiers(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(7, types.PriorityHigh))
	require.ErrorIs(t, q.Enqueue(7, types.PriorityLow), ErrDuplicate)
	require.Error(t, q.Enqueue(8, types.Priority(9)))
	require.Equal(t, 1, q.Len())
}

func TestRemoveAndStats(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(1, types.PriorityNormal))
	require.NoError(t, q.Enqueue(2, types.PriorityNormal))
	require.NoError(t, q.Enqueue(3, types.PriorityHigh))

	stats := q.Stats()
	require.Len(t, stats, types.PriorityCount)
	require.Equal(t, 2, stats[types.PriorityNormal])
	require.Equal(t, 1, stats[types.PriorityHigh])
	require.Zero(t, stats[types.PriorityCritical])

	require.True(t, q.Remove(1))
	require.False(t, q.Remove(1))
	require.False(t, q.Contains(1))
	require.True(t, q.Contains(2))
	require.Equal(t, []uint64{3, 2}, drain(q))
	require.Zero(t, q.Len())
}

func TestConcurrentDequeueHandsOutEachIDOnce(t *testing.T) {
	q := NewQueue()
	const total = 500
	for i := 1; i <= total; i++ {
		require.NoError(t, q.Enqueue(uint64(i), types.Priority(i%types.PriorityCount)))
	}

	var mu sync.Mutex
	seen := make(map[uint64]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := q.DequeueNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equalf(t, 1, n, "id %d dequeued %d times", id, n)
	}
}
