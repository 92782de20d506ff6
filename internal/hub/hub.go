// Package hub routes fanned-out payloads to the bridge sessions subscribed
// to each destination.
package hub

import (
	"log"
	"sync"
)

// Subscriber is one bridge session's delivery endpoint. Deliver must not
// block; it reports false when the session's buffer is full, which gets the
// session dropped.
type Subscriber interface {
	Deliver(destination string, payload []byte) bool
	Drop()
}

// Delivery is one payload addressed to a destination.
type Delivery struct {
	Destination string
	Payload     []byte
}

// Hub maintains the destination registry and broadcasts deliveries.
type Hub struct {
	// Map: destination -> set of subscribers
	destinations map[string]map[Subscriber]bool

	// Lock for thread-safe access
	mu sync.RWMutex

	// Broadcast deliveries to subscribers (exported for the fanout's use)
	Broadcast chan *Delivery
}

func New() *Hub {
	return &Hub{
		destinations: make(map[string]map[Subscriber]bool),
		Broadcast:    make(chan *Delivery, 64),
	}
}

// Run drains the broadcast channel. Meant to run as a goroutine for the
// process lifetime.
func (h *Hub) Run() {
	log.Println("[HUB] Starting hub event loop")
	for delivery := range h.Broadcast {
		h.broadcast(delivery)
	}
}

// Subscribe registers sub for one destination.
func (h *Hub) Subscribe(destination string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.destinations[destination] == nil {
		h.destinations[destination] = make(map[Subscriber]bool)
	}
	h.destinations[destination][sub] = true
	log.Printf("[HUB] Subscribed (destination: %s). Destination now has %d subscriber(s)",
		destination, len(h.destinations[destination]))
}

// Unsubscribe removes sub from one destination.
func (h *Hub) Unsubscribe(destination string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(destination, sub)
}

// UnsubscribeAll removes sub from every destination (session teardown).
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for destination := range h.destinations {
		h.remove(destination, sub)
	}
}

func (h *Hub) remove(destination string, sub Subscriber) {
	subs, ok := h.destinations[destination]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.destinations, destination)
	}
}

func (h *Hub) broadcast(delivery *Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.destinations[delivery.Destination]
	if !ok {
		return
	}

	for sub := range subs {
		if !sub.Deliver(delivery.Destination, delivery.Payload) {
			// Subscriber buffer full, disconnect
			log.Printf("[HUB] Subscriber buffer full, dropping (destination: %s)", delivery.Destination)
			delete(subs, sub)
			sub.Drop()
		}
	}
	if len(subs) == 0 {
		delete(h.destinations, delivery.Destination)
	}
}
