package engine

import (
	"time"

	"github.com/petal-labs/petalexec/sandbox"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventInvocationStarted is emitted when a call passes registry lookup.
	EventInvocationStarted EventKind = "invocation.started"

	// EventArtifactResolved is emitted once the artifact bytes are resolved and verified.
	EventArtifactResolved EventKind = "artifact.resolved"

	// EventAttemptState is emitted for every attempt lifecycle transition.
	EventAttemptState EventKind = "attempt.state"

	// EventAttemptFinished is emitted when an attempt reaches a terminal state.
	EventAttemptFinished EventKind = "attempt.finished"

	// EventInvocationFinished is emitted when the call returns.
	EventInvocationFinished EventKind = "invocation.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a small record of what happened during one call.
type Event struct {
	Kind         EventKind
	InvocationID string
	Tool         string
	Time         time.Time

	// Attempt is the 1-indexed attempt number, zero for call-level events.
	Attempt int
	State   sandbox.State
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per invocation (1-indexed).
	Seq uint64
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
