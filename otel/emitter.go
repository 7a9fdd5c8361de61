package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/tenant"
)

// EventHandler fans engine events out to the tracing and metrics handlers.
// Either handler may be nil.
func EventHandler(tracing *TracingHandler, metrics *MetricsHandler) engine.EventHandler {
	var handlers []engine.EventHandler
	if tracing != nil {
		handlers = append(handlers, tracing.Handle)
	}
	if metrics != nil {
		handlers = append(handlers, metrics.Handle)
	}
	return engine.MultiEventHandler(handlers...)
}

// EnrichTenant fills the tenant trace and correlation ids from the span
// active in ctx. Ids the caller already set are kept.
// When no span is active, tc passes through unchanged.
func EnrichTenant(ctx context.Context, tc tenant.Context) tenant.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return tc
	}
	if tc.TraceID == "" {
		tc.TraceID = sc.TraceID().String()
	}
	if tc.CorrelationID == "" {
		tc.CorrelationID = sc.SpanID().String()
	}
	return tc
}
