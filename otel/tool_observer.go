package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalexec/tool"
)

// ToolObserver records invocation, retry, and artifact signals into OpenTelemetry.
type ToolObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	retries     metric.Int64Counter
	resolutions metric.Int64Counter
	latency     metric.Float64Histogram
	fetchTime   metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	invocations, err := meter.Int64Counter(
		"petalexec.tool.invocations",
		metric.WithDescription("Number of logical tool calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"petalexec.tool.retries",
		metric.WithDescription("Number of tool retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter(
		"petalexec.artifact.resolutions",
		metric.WithDescription("Number of artifact resolutions"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"petalexec.tool.latency",
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	fetchTime, err := meter.Float64Histogram(
		"petalexec.artifact.duration",
		metric.WithDescription("Artifact resolution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		invocations: invocations,
		retries:     retries,
		resolutions: resolutions,
		latency:     latency,
		fetchTime:   fetchTime,
	}, nil
}

// ObserveInvoke records one logical call result.
func (o *ToolObserver) ObserveInvoke(observation tool.ToolInvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("action", observation.Action),
		attribute.String("tier", observation.Tier),
		attribute.String("tenant", observation.Tenant),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, millisToSeconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		append(attrs, attribute.Int("attempts", observation.Attempts))...,
	))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRetry records one retry attempt.
func (o *ToolObserver) ObserveRetry(observation tool.ToolRetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("action", observation.Action),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveArtifact records one artifact resolution.
func (o *ToolObserver) ObserveArtifact(observation tool.ArtifactObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", observation.Source),
		attribute.Bool("cache_hit", observation.CacheHit),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.resolutions.Add(ctx, 1, options)
	o.fetchTime.Record(ctx, millisToSeconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "artifact.resolve", trace.WithAttributes(
		append(attrs,
			attribute.String("location", observation.Location),
			attribute.Int("bytes", observation.Bytes),
		)...,
	))
	if observation.ErrorCode != "" {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func millisToSeconds(ms int64) float64 {
	return float64(time.Duration(ms)*time.Millisecond) / float64(time.Second)
}

var _ tool.Observer = (*ToolObserver)(nil)
