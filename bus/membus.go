package bus

import (
	"sync"

	"github.com/petal-labs/petalexec/engine"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Slow subscribers lose events rather than
// blocking Publish.
type MemBus struct {
	mu      sync.RWMutex
	byID    map[string][]*memSub
	global  []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		byID:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish delivers event to the subscribers of its invocation and to global
// subscribers. Events published after Close are dropped.
func (b *MemBus) Publish(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.byID[event.InvocationID] {
		sub.send(event)
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one invocation.
func (b *MemBus) Subscribe(invocationID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{ch: make(chan engine.Event, b.bufSize)}
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(invocationID, sub) }
	b.byID[invocationID] = append(b.byID[invocationID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{ch: make(chan engine.Event, b.bufSize)}
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove("", sub) }
	b.global = append(b.global, sub)
	return sub
}

// Subscribers reports the number of live subscriptions for an invocation.
func (b *MemBus) Subscribers(invocationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID[invocationID])
}

// remove drops sub from the registry. An empty invocationID means global.
func (b *MemBus) remove(invocationID string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if invocationID == "" {
		b.global = without(b.global, sub)
		return
	}
	remaining := without(b.byID[invocationID], sub)
	if len(remaining) == 0 {
		delete(b.byID, invocationID)
		return
	}
	b.byID[invocationID] = remaining
}

func without(subs []*memSub, target *memSub) []*memSub {
	out := subs[:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.byID {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.global {
		sub.close()
	}
	b.byID = make(map[string][]*memSub)
	b.global = nil
	return nil
}

type memSub struct {
	ch     chan engine.Event
	detach func()

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan engine.Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel and reports whether this call did it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// send never blocks; a full buffer drops the event.
func (s *memSub) send(event engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
