package mempool

import (
	"errors"
	"fmt"
	"sync"

	"gasrelay/core/types"
)

// ErrDuplicate is returned when an id is already queued.
var ErrDuplicate = errors.New("mempool: request already queued")

// Queue holds admitted request ids in one FIFO lane per priority tier.
// DequeueNext always serves the highest non-empty tier first.
type Queue struct {
	mu     sync.Mutex
	lanes  [types.PriorityCount][]uint64
	queued map[uint64]types.Priority
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{queued: make(map[uint64]types.Priority)}
}

// Enqueue appends id to the lane of tier.
func (q *Queue) Enqueue(id uint64, tier types.Priority) error {
	if !tier.Valid() {
		return fmt.Errorf("mempool: invalid priority %d", uint8(tier))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	q.lanes[tier] = append(q.lanes[tier], id)
	q.queued[id] = tier
	return nil
}

// DequeueNext pops the oldest id of the highest non-empty tier.
func (q *Queue) DequeueNext() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier := int(types.PriorityCount) - 1; tier >= 0; tier-- {
		lane := q.lanes[tier]
		if len(lane) == 0 {
			continue
		}
		id := lane[0]
		lane[0] = 0
		q.lanes[tier] = lane[1:]
		delete(q.queued, id)
		return id, true
	}
	return 0, false
}

// Remove drops id from its lane, reporting whether it was queued.
func (q *Queue) Remove(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier, ok := q.queued[id]
	if !ok {
		return false
	}
	lane := q.lanes[tier]
	for i, candidate := range lane {
		if candidate == id {
			q.lanes[tier] = append(lane[:i:i], lane[i+1:]...)
			break
		}
	}
	delete(q.queued, id)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[id]
	return ok
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Stats returns the depth of every tier, including empty ones.
func (q *Queue) Stats() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[types.Priority]int, types.PriorityCount)
	for _, tier := range types.Priorities() {
		out[tier] = len(q.lanes[tier])
	}
	return out
}

// Snapshot returns every queued id in dequeue order.
func (q *Queue) Snapshot() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint64, 0, len(q.queued))
	for tier := int(types.PriorityCount) - 1; tier >= 0; tier-- {
		out = append(out, q.lanes[tier]...)
	}
	return out
}
