package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/sse"
)

// Invocation statuses derived from stored events.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// InvocationSummary is the history view of one call.
type InvocationSummary struct {
	InvocationID string     `json:"invocation_id"`
	Tool         string     `json:"tool"`
	Component    string     `json:"component,omitempty"`
	Symbol       string     `json:"symbol,omitempty"`
	Status       string     `json:"status"`
	Code         string     `json:"code,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
}

// InvocationDetail is a summary plus its full event log.
type InvocationDetail struct {
	Invocation InvocationSummary `json:"invocation"`
	Events     []sse.Event       `json:"events"`
}

func summarizeEvents(invocationID string, events []engine.Event) (InvocationSummary, bool) {
	if len(events) == 0 {
		return InvocationSummary{}, false
	}
	summary := InvocationSummary{InvocationID: invocationID, Status: StatusRunning}
	for _, e := range events {
		if summary.Tool == "" {
			summary.Tool = e.Tool
		}
		switch e.Kind {
		case engine.EventInvocationStarted:
			summary.StartedAt = e.Time
			summary.Component = payloadString(e.Payload, "component")
			summary.Symbol = payloadString(e.Payload, "symbol")
		case engine.EventAttemptFinished:
			if e.Attempt > summary.Attempts {
				summary.Attempts = e.Attempt
			}
		case engine.EventInvocationFinished:
			finished := e.Time
			summary.FinishedAt = &finished
			summary.DurationMS = e.Elapsed.Milliseconds()
			if n, ok := payloadInt(e.Payload, "attempts"); ok {
				summary.Attempts = n
			}
			summary.Code = payloadString(e.Payload, "code")
			summary.Status = StatusFailed
			if success, _ := e.Payload["success"].(bool); success {
				summary.Status = StatusSucceeded
			}
		}
	}
	if summary.StartedAt.IsZero() {
		summary.StartedAt = events[0].Time
	}
	return summary, true
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// payloadInt reads a count that is an int in memory and a float64 after a
// JSON round trip through a store.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// handleListInvocations returns summaries, newest first. Optional filters:
// ?tool= and ?status=.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}
	lister, ok := s.eventStore.(bus.InvocationLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store does not support invocation listing")
		return
	}

	ids, err := lister.InvocationIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	toolFilter := strings.TrimSpace(r.URL.Query().Get("tool"))
	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))

	out := make([]InvocationSummary, 0, len(ids))
	for _, id := range ids {
		events, err := s.eventStore.List(r.Context(), id, 0, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		summary, ok := summarizeEvents(id, events)
		if !ok {
			continue
		}
		if toolFilter != "" && summary.Tool != toolFilter {
			continue
		}
		if statusFilter != "" && summary.Status != statusFilter {
			continue
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	id := strings.TrimSpace(r.PathValue("invocation_id"))
	events, err := s.eventStore.List(r.Context(), id, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	summary, ok := summarizeEvents(id, events)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("invocation %q not found", id))
		return
	}

	wire := make([]sse.Event, 0, len(events))
	for _, e := range events {
		wire = append(wire, sse.FromEngine(e))
	}
	writeJSON(w, http.StatusOK, InvocationDetail{Invocation: summary, Events: wire})
}
