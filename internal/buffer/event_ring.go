// Package buffer provides a ring buffer used to cache recent collaboration
// events per session.
package buffer

import (
	"sync"
)

// EventRing is a thread-safe circular buffer holding the most recent encoded
// events up to a fixed capacity. When the ring is full, the oldest event is
// discarded to make room for a new one.
//
// This is used to cache recent edit envelopes so that clients joining a
// session mid-way receive the tail of the edit stream on connect.
type EventRing struct {
	events   [][]byte
	start    int
	count    int
	capacity int
	mu       sync.RWMutex
}

// NewEventRing creates a new EventRing with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventRing{
		events:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// Append adds an event to the ring, discarding the oldest event if the ring
// is full. The ring keeps its own copy of the data.
func (r *EventRing) Append(event []byte) {
	if len(event) == 0 {
		return
	}

	cp := make([]byte, len(event))
	copy(cp, event)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.events[(r.start+r.count)%r.capacity] = cp
		r.count++
		return
	}

	// Full: overwrite the oldest slot and advance the start.
	r.events[r.start] = cp
	r.start = (r.start + 1) % r.capacity
}

// Snapshot returns the buffered events in insertion order. The returned
// slices are copies and safe to use without holding the lock.
func (r *EventRing) Snapshot() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	result := make([][]byte, r.count)
	for i := 0; i < r.count; i++ {
		src := r.events[(r.start+i)%r.capacity]
		cp := make([]byte, len(src))
		copy(cp, src)
		result[i] = cp
	}
	return result
}

// Clear removes all events from the ring.
func (r *EventRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.events {
		r.events[i] = nil
	}
	r.start = 0
	r.count = 0
}

// Len returns the current number of buffered events.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count
}

// Cap returns the capacity of the ring.
func (r *EventRing) Cap() int {
	return r.capacity
}
