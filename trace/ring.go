package trace

import "sync"

// Ring keeps the last N events in memory.
type Ring struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	head     int  // next write position
	full     bool // has wrapped around
}

// NewRing creates a ring with the given capacity (4096 when capacity <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Ring{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Emit implements Sink.
func (r *Ring) Emit(ev Event) {
	r.mu.Lock()
	r.events[r.head] = ev
	r.head++
	if r.head == r.capacity {
		r.head = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Event, r.head)
		copy(out, r.events[:r.head])
		return out
	}
	out := make([]Event, 0, r.capacity)
	out = append(out, r.events[r.head:]...)
	out = append(out, r.events[:r.head]...)
	return out
}

// Count returns how many retained events have the given kind.
func (r *Ring) Count(kind Kind) int {
	n := 0
	for _, ev := range r.Snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
