// Package sse streams invocation events to HTTP clients as Server-Sent
// Events: stored events are replayed first, then live events follow from the
// bus until the invocation finishes.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/engine"
)

// HeartbeatInterval is the default interval between heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Event is the JSON form of an engine event on the stream.
type Event struct {
	Kind         string         `json:"kind"`
	InvocationID string         `json:"invocation_id"`
	Tool         string         `json:"tool"`
	Time         time.Time      `json:"time"`
	Attempt      int            `json:"attempt,omitempty"`
	State        string         `json:"state,omitempty"`
	ElapsedMs    int64          `json:"elapsed_ms"`
	Payload      map[string]any `json:"payload,omitempty"`
	Seq          uint64         `json:"seq"`
}

// FromEngine converts an engine event to its wire form.
func FromEngine(e engine.Event) Event {
	return Event{
		Kind:         string(e.Kind),
		InvocationID: e.InvocationID,
		Tool:         e.Tool,
		Time:         e.Time,
		Attempt:      e.Attempt,
		State:        string(e.State),
		ElapsedMs:    e.Elapsed.Milliseconds(),
		Payload:      e.Payload,
		Seq:          e.Seq,
	}
}

// Handler serves the event stream of one invocation, identified by the
// "invocation_id" path value. An optional "after" query parameter (or a
// Last-Event-ID header) resumes after that sequence number.
//
// Wire format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// The stream ends after invocation.finished or when the client disconnects.
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewHandler creates a Handler. Either store or eb may be nil, but not both.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb, heartbeat: HeartbeatInterval}
}

// WithHeartbeat overrides the heartbeat interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	invocationID := strings.TrimSpace(r.PathValue("invocation_id"))
	if invocationID == "" {
		http.Error(w, "missing invocation_id", http.StatusBadRequest)
		return
	}
	if h.store == nil && h.bus == nil {
		http.Error(w, "event streaming not configured", http.StatusNotImplemented)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := resumeCursor(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost.
	var sub bus.Subscription
	if h.bus != nil {
		sub = h.bus.Subscribe(invocationID)
		defer sub.Close()
	}

	lastSeq := afterSeq
	if h.store != nil {
		finished, err := h.replay(ctx, w, flusher, invocationID, &lastSeq)
		if err != nil || finished {
			return
		}
	}
	if sub != nil {
		h.follow(ctx, w, flusher, sub, &lastSeq)
	}
}

func resumeCursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// replay writes stored events and reports whether the invocation already finished.
func (h *Handler) replay(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	invocationID string,
	lastSeq *uint64,
) (bool, error) {
	events, err := h.store.List(ctx, invocationID, *lastSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := writeEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if evt.Kind == engine.EventInvocationFinished {
			return true, nil
		}
	}
	return false, nil
}

// follow streams live events, skipping any already replayed.
func (h *Handler) follow(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq
			if evt.Kind == engine.EventInvocationFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt engine.Event) error {
	data, err := json.Marshal(FromEngine(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
