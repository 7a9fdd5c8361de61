package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/petalexec/engine"
)

// MemEventStore is a thread-safe in-memory event store. With MaxInvocations
// set, the oldest invocations are evicted once the limit is exceeded.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]engine.Event
	order  []string
	max    int
}

// NewMemEventStore creates an in-memory store keeping at most maxInvocations
// invocations (0 = unbounded).
func NewMemEventStore(maxInvocations int) *MemEventStore {
	if maxInvocations < 0 {
		maxInvocations = 0
	}
	return &MemEventStore{
		events: make(map[string][]engine.Event),
		max:    maxInvocations,
	}
}

func (s *MemEventStore) Append(_ context.Context, event engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.InvocationID]; !ok {
		s.order = append(s.order, event.InvocationID)
		if s.max > 0 && len(s.order) > s.max {
			evicted := s.order[0]
			s.order = s.order[1:]
			delete(s.events, evicted)
		}
	}
	s.events[event.InvocationID] = append(s.events[event.InvocationID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, invocationID string, afterSeq uint64, limit int) ([]engine.Event, error) {
	s.mu.RLock()
	stored := s.events[invocationID]
	result := make([]engine.Event, 0, len(stored))
	for _, e := range stored {
		if e.Seq > afterSeq {
			result = append(result, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, invocationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest uint64
	for _, e := range s.events[invocationID] {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

// InvocationIDs returns stored invocations, oldest first.
func (s *MemEventStore) InvocationIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

var (
	_ EventStore       = (*MemEventStore)(nil)
	_ InvocationLister = (*MemEventStore)(nil)
)
