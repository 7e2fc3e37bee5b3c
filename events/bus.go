package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// defaultBuffer is the per-subscriber channel depth. Deep enough to absorb
// bursts (a conversion emits several events back to back) without letting a
// stuck consumer grow unbounded state.
const defaultBuffer = 32

// Bus fans events and state snapshots out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full loses the event, and state
// snapshots coalesce so the latest one always wins.
type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	subs      map[string]chan Event
	stateSubs map[string]chan Snapshot
}

// NewBus creates an empty Bus. If log is nil, slog.Default() is used.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:       log.With("component", "events"),
		subs:      make(map[string]chan Event),
		stateSubs: make(map[string]chan Snapshot),
	}
}

// Subscribe registers an event listener. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, defaultBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeState registers a snapshot listener. Delivery is coalescing: the
// channel holds at most one pending snapshot and a newer one replaces it.
func (b *Bus) SubscribeState() (<-chan Snapshot, func()) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	b.stateSubs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.stateSubs[id]; ok {
			delete(b.stateSubs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all event subscribers without blocking. Overflow
// is logged at debug level; event loss on a stalled consumer is preferable
// to stalling the presentation loop.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("subscriber buffer full, dropping event",
				"subscriber", id, "type", ev.Type)
		}
	}
}

// PublishState delivers the snapshot to all state subscribers, replacing
// any snapshot they have not consumed yet.
func (b *Bus) PublishState(s Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.stateSubs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Drain the stale snapshot and retry once. A concurrent reader may
		// win the race; either way the channel ends up with a recent value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// SubscriberCount returns the number of active event subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
