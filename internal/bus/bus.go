// Package bus is the in-process notification channel between the sync layer
// and whatever renders it. It replaces ad-hoc broadcast events with a closed
// set of typed signals and an explicit subscribe/unsubscribe lifecycle.
package bus

import "sync"

// Signal names the events the sync layer emits. The set is closed; consumers
// switch on it rather than on string matching.
type Signal string

const (
	// RoomUpdated fires when a room's summary changed (new message, unread
	// delta, metadata refresh). Views showing that room should re-fetch.
	RoomUpdated Signal = "room:updated"

	// RoomDeleted fires when a room was removed server-side. Views showing
	// that room should navigate away without sending a leave.
	RoomDeleted Signal = "room:deleted"
)

// Event is the payload carried by every signal.
type Event struct {
	Signal         Signal
	RoomID         string
	ParticipantRef string
}

// Bus fans events out to subscribers. Delivery is synchronous and in
// subscription order; handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Signal]map[int]func(Event)
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[Signal]map[int]func(Event))}
}

// Subscribe registers fn for one signal. The returned func unsubscribes;
// after it returns fn is never invoked again.
func (b *Bus) Subscribe(sig Signal, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[sig] == nil {
		b.subs[sig] = make(map[int]func(Event))
	}
	b.subs[sig][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[sig], id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber of ev.Signal.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs[ev.Signal]))
	for _, fn := range b.subs[ev.Signal] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
