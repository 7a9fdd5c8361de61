// Package bus distributes engine events to live subscribers and persists
// them for replay, so that an invocation can be followed while it runs and
// inspected after it finishes.
package bus

import "github.com/petal-labs/petalexec/engine"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to every subscriber of its invocation and to
	// every global subscriber.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for one invocation. The returned
	// Subscription must be closed when done.
	Subscribe(invocationID string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	Events() <-chan engine.Event
	Close() error
}

// Handler adapts an EventBus to the engine's event hook.
func Handler(b EventBus) engine.EventHandler {
	if b == nil {
		return nil
	}
	return b.Publish
}
