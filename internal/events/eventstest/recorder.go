// Package eventstest provides a synchronous event recorder for tests,
// the Go equivalent of original_source's tests/include/utils/event_capture.hpp:
// nearly every scenario in spec §8's seed tests asserts "expect event X
// then event Y", which requires capturing events in arrival order
// rather than polling real-time state.
package eventstest

import (
	"sync"

	"repertory/internal/events"
)

// Recorder records every event delivered to it, in order, safe for
// concurrent delivery from async subscribers.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnEvent(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns a snapshot of every recorded event, in arrival order.
func (r *Recorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns just the Kind of every recorded event, in order —
// the common case for asserting an expected event sequence.
func (r *Recorder) Kinds() []events.Kind {
	all := r.All()
	out := make([]events.Kind, len(all))
	for i, e := range all {
		out[i] = e.Kind
	}
	return out
}

// Has reports whether any recorded event has the given kind.
func (r *Recorder) Has(kind events.Kind) bool {
	for _, e := range r.All() {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Count returns how many recorded events have the given kind.
func (r *Recorder) Count(kind events.Kind) int {
	n := 0
	for _, e := range r.All() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset clears all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
