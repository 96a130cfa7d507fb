package events

import (
	"sync"
	"sync/atomic"

	"gasrelay/core/types"
)

// Broadcaster fans rendered events out to subscribers. Delivery never blocks
// the emitter: a subscriber whose buffer is full misses the event and the
// drop is counted.
type Broadcaster struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan *types.Event
	dropped atomic.Uint64
}

// NewBroadcaster returns a broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan *types.Event)}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(ev Event) {
	rendered := Render(ev)
	if rendered == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- rendered:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func closes the channel and is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of deliveries skipped because a subscriber was
// full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Fanout emits every event to each of its emitters in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(ev Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ev)
		}
	}
}
