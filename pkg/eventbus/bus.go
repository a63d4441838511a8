// Package eventbus fans task events out to subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"

	"a2arunner/pkg/logx"
	"a2arunner/pkg/task"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Filter selects events for a subscription. A nil filter accepts everything.
type Filter func(task.Event) bool

// ForTask accepts events for one task.
func ForTask(taskID string) Filter {
	return func(ev task.Event) bool { return ev.TaskID() == taskID }
}

// Subscription is a live feed of events.
type Subscription struct {
	id     uint64
	ch     chan task.Event
	filter Filter
	bus    *Bus

	dropped atomic.Int64
}

// Events returns the receive side. It is closed on Unsubscribe or bus Close.
func (s *Subscription) Events() <-chan task.Event {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

// Bus is a non-blocking publish/subscribe hub. Publish never waits on a slow
// subscriber; the event is dropped for that subscriber instead.
type Bus struct {
	bufferSize int
	logger     *logx.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Int64
}

// New creates a bus. bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		logger:     logx.NewLogger("eventbus"),
		subs:       make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan task.Event, b.bufferSize), filter: filter, bus: b}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev task.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("subscriber %d is full, dropped event for task %s (%d dropped)", sub.id, ev.TaskID(), n)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published counts events accepted by Publish.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
