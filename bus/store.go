package bus

import (
	"context"

	"github.com/petal-labs/petalexec/engine"
)

// EventStore persists invocation events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event engine.Event) error

	// List returns the events of one invocation in Seq order.
	// afterSeq: only events with Seq > afterSeq (0 means all).
	// limit: at most this many events (0 means no limit).
	List(ctx context.Context, invocationID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq stored for an invocation (0 if none).
	LatestSeq(ctx context.Context, invocationID string) (uint64, error)
}

// InvocationLister is implemented by stores that can enumerate invocations.
type InvocationLister interface {
	InvocationIDs(ctx context.Context) ([]string, error)
}
