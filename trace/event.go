// Package trace defines the lifecycle events emitted by the stackful runtime
// and a handful of sinks that consume them: an in-memory ring, a fan-out, a
// msgpack recorder and a zerolog sink.
//
// A pool without a sink does no event work at all.
package trace

import (
	"fmt"
	"strings"
	"time"
)

// Kind represents the type of lifecycle event.
type Kind uint8

const (
	// KindCreated marks a fiber that has been bound to a stack.
	KindCreated Kind = iota + 1
	// KindResumed marks a worker switching into a fiber.
	KindResumed
	// KindSuspended marks a fiber handing its worker back at a yield point.
	KindSuspended
	// KindCompleted marks a fiber reaching its terminal state.
	KindCompleted
	// KindCancelRequested marks a cancellation request on a group or future token.
	KindCancelRequested
	KindWorkerStarted
	KindWorkerStopped
	KindWorkerFailed
)

var kindNames = map[Kind]string{
	KindCreated:         "created",
	KindResumed:         "resumed",
	KindSuspended:       "suspended",
	KindCompleted:       "completed",
	KindCancelRequested: "cancel-requested",
	KindWorkerStarted:   "worker-started",
	KindWorkerStopped:   "worker-stopped",
	KindWorkerFailed:    "worker-failed",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind converts a string produced by Kind.String back to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid event kind: %q", s)
}

// Event is a single lifecycle event.
type Event struct {
	Seq     uint64    `msgpack:"seq"`               // pool-wide sequence number
	Time    time.Time `msgpack:"time"`              // wall-clock timestamp
	Kind    Kind      `msgpack:"kind"`              // event kind
	Fiber   uint64    `msgpack:"fiber,omitempty"`   // fiber id, 0 for worker events
	Parent  uint64    `msgpack:"parent,omitempty"`  // spawning fiber, 0 if spawned from outside
	Worker  int       `msgpack:"worker"`            // worker index, -1 when not on a worker
	Name    string    `msgpack:"name,omitempty"`    // fiber name
	Outcome string    `msgpack:"outcome,omitempty"` // completion outcome
	Err     string    `msgpack:"err,omitempty"`     // failure message
}

// Sink receives lifecycle events. Emit must be goroutine-safe and should
// return quickly: it runs on the scheduler's hot path.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Multi fans events out to every non-nil sink. It returns nil when no sink
// remains, so the result can be handed straight to a pool option.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
