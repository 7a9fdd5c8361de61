package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalexec/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for attempts, attempt failures, and
// invocation durations.
type MetricsHandler struct {
	attempts           metric.Int64Counter
	attemptFailures    metric.Int64Counter
	attemptDuration    metric.Float64Histogram
	invocationDuration metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	attempts, err := meter.Int64Counter("petalexec.attempt.count",
		metric.WithDescription("Number of sandbox attempts"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("petalexec.attempt.failures",
		metric.WithDescription("Number of failed sandbox attempts"),
	)
	if err != nil {
		return nil, err
	}

	attemptDur, err := meter.Float64Histogram("petalexec.attempt.duration",
		metric.WithDescription("Duration of one attempt in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	invocationDur, err := meter.Float64Histogram("petalexec.invocation.duration",
		metric.WithDescription("Duration of a logical call in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		attempts:           attempts,
		attemptFailures:    failures,
		attemptDuration:    attemptDur,
		invocationDuration: invocationDur,
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It satisfies engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventAttemptFinished:
		h.handleAttemptFinished(e)
	case engine.EventInvocationFinished:
		h.handleInvocationFinished(e)
	}
}

func (h *MetricsHandler) handleAttemptFinished(e engine.Event) {
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", e.Tool),
		attribute.String("state", string(e.State)),
	}
	h.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	h.attemptDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(attrs...))

	if code, ok := payloadString(e, "code"); ok && code != "" {
		h.attemptFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_name", e.Tool),
			attribute.String("error_code", code),
		))
	}
}

func (h *MetricsHandler) handleInvocationFinished(e engine.Event) {
	success, _ := e.Payload["success"].(bool)
	h.invocationDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("tool_name", e.Tool),
		attribute.Bool("success", success),
	))
}
