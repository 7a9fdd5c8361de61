package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/petalexec/engine"
)

// StoreSubscriber writes events to an EventStore. Its Handle method has the
// engine.EventHandler signature.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event. Failures are logged and never returned.
func (s *StoreSubscriber) Handle(event engine.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"invocation_id", event.InvocationID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Recorder returns the engine hook that persists each event and then
// publishes it. Persisting first lets a subscriber that replays the store
// and then follows the bus see every event exactly once.
func Recorder(store EventStore, b EventBus, logger *slog.Logger) engine.EventHandler {
	var handlers []engine.EventHandler
	if store != nil {
		handlers = append(handlers, NewStoreSubscriber(store, logger).Handle)
	}
	if b != nil {
		handlers = append(handlers, b.Publish)
	}
	if len(handlers) == 0 {
		return nil
	}
	return engine.MultiEventHandler(handlers...)
}
