// Package otel provides OpenTelemetry integration for petalexec engine events.
package otel

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalexec/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans.
// Each invocation gets a root span and every attempt a child span.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	invocations  map[string]trace.Span      // invocationID -> span
	invocCtxs    map[string]context.Context // invocationID -> context (for child spans)
	attemptSpans map[string]trace.Span      // invocationID:attempt -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		invocations:  make(map[string]trace.Span),
		invocCtxs:    make(map[string]context.Context),
		attemptSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It satisfies engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInvocationStarted:
		h.handleInvocationStarted(e)
	case engine.EventAttemptState:
		h.handleAttemptState(e)
	case engine.EventArtifactResolved:
		h.handleArtifactResolved(e)
	case engine.EventAttemptFinished:
		h.handleAttemptFinished(e)
	case engine.EventInvocationFinished:
		h.handleInvocationFinished(e)
	}
}

func (h *TracingHandler) handleInvocationStarted(e engine.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("petalexec.invocation_id", e.InvocationID),
		attribute.String("petalexec.tool", e.Tool),
	}
	if component, ok := payloadString(e, "component"); ok {
		attrs = append(attrs, attribute.String("petalexec.component", component))
	}
	if symbol, ok := payloadString(e, "symbol"); ok {
		attrs = append(attrs, attribute.String("petalexec.symbol", symbol))
	}

	ctx, span := h.tracer.Start(context.Background(), "invoke:"+e.Tool,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.invocations[e.InvocationID] = span
	h.invocCtxs[e.InvocationID] = ctx
	h.mu.Unlock()
}

// attemptSpan returns the span for the event's attempt, starting it on first use.
func (h *TracingHandler) attemptSpan(e engine.Event) trace.Span {
	key := attemptKey(e.InvocationID, e.Attempt)

	h.mu.Lock()
	defer h.mu.Unlock()
	if span, ok := h.attemptSpans[key]; ok {
		return span
	}

	parentCtx, ok := h.invocCtxs[e.InvocationID]
	if !ok {
		parentCtx = context.Background()
	}
	_, span := h.tracer.Start(parentCtx, "attempt:"+strconv.Itoa(e.Attempt),
		trace.WithAttributes(
			attribute.String("petalexec.invocation_id", e.InvocationID),
			attribute.Int("petalexec.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)
	h.attemptSpans[key] = span
	return span
}

func (h *TracingHandler) handleAttemptState(e engine.Event) {
	if e.Attempt <= 0 {
		return
	}
	span := h.attemptSpan(e)
	span.AddEvent(string(e.State), trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleArtifactResolved(e engine.Event) {
	if e.Attempt <= 0 {
		return
	}
	attrs := []attribute.KeyValue{}
	if location, ok := payloadString(e, "location"); ok {
		attrs = append(attrs, attribute.String("petalexec.location", location))
	}
	if digest, ok := payloadString(e, "digest"); ok {
		attrs = append(attrs, attribute.String("petalexec.digest", digest))
	}
	if fromCache, ok := e.Payload["from_cache"].(bool); ok {
		attrs = append(attrs, attribute.Bool("petalexec.from_cache", fromCache))
	}
	span := h.attemptSpan(e)
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleAttemptFinished(e engine.Event) {
	if e.Attempt <= 0 {
		return
	}
	span := h.attemptSpan(e)
	h.mu.Lock()
	delete(h.attemptSpans, attemptKey(e.InvocationID, e.Attempt))
	h.mu.Unlock()

	span.SetAttributes(
		attribute.String("petalexec.state", string(e.State)),
		attribute.String("petalexec.duration", e.Elapsed.String()),
	)
	if code, found := payloadString(e, "code"); found && code != "" {
		span.SetAttributes(attribute.String("petalexec.error_code", code))
		span.SetStatus(codes.Error, code)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleInvocationFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.invocations[e.InvocationID]
	if ok {
		delete(h.invocations, e.InvocationID)
		delete(h.invocCtxs, e.InvocationID)
	}
	// Close any attempt span that never saw attempt.finished.
	prefix := e.InvocationID + ":"
	var orphans []trace.Span
	for key, attempt := range h.attemptSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, attempt)
			delete(h.attemptSpans, key)
		}
	}
	h.mu.Unlock()

	for _, orphan := range orphans {
		orphan.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalexec.duration", e.Elapsed.String()),
	}
	if attempts, found := e.Payload["attempts"].(int); found {
		attrs = append(attrs, attribute.Int("petalexec.attempts", attempts))
	}
	span.SetAttributes(attrs...)

	if code, found := payloadString(e, "code"); found {
		span.SetAttributes(attribute.String("petalexec.error_code", code))
		span.RecordError(spanError(code), trace.WithTimestamp(e.Time))
		span.SetStatus(codes.Error, code)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active invocation span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(invocationID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.invocations[invocationID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func attemptKey(invocationID string, attempt int) string {
	return invocationID + ":" + strconv.Itoa(attempt)
}

func payloadString(e engine.Event, key string) (string, bool) {
	value, found := e.Payload[key]
	if !found {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
