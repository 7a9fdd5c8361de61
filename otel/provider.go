package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// EndpointEnv is the standard OTLP endpoint variable. Spans are exported only
// when it (or ProviderConfig.Endpoint) is set.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// InstrumentationName scopes the tracer and meter used by petalexec.
const InstrumentationName = "petalexec"

// ProviderConfig configures SDK providers.
type ProviderConfig struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP URL. Empty falls back to EndpointEnv.
	Endpoint string
	// SpanExporter overrides the OTLP exporter, mostly for tests.
	SpanExporter sdktrace.SpanExporter
}

// Providers holds the SDK tracer and meter providers for one process.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

// NewProviders builds tracer and meter providers. Metrics are kept in a
// manual reader and can be read back with Snapshot.
func NewProviders(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = InstrumentationName
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter := cfg.SpanExporter
	if exporter == nil {
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			endpoint = strings.TrimSpace(os.Getenv(EndpointEnv))
		}
		if endpoint != "" {
			exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
			if err != nil {
				return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
			}
			exporter = exp
		}
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		MeterProvider:  meterProvider,
		reader:         reader,
	}, nil
}

// Install registers the providers as the process-wide globals.
func (p *Providers) Install() {
	otelapi.SetTracerProvider(p.TracerProvider)
	otelapi.SetMeterProvider(p.MeterProvider)
}

// Tracer returns the petalexec tracer.
func (p *Providers) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(InstrumentationName)
}

// Meter returns the petalexec meter.
func (p *Providers) Meter() metric.Meter {
	return p.MeterProvider.Meter(InstrumentationName)
}

// Snapshot sums every integer counter collected so far, keyed by metric name.
func (p *Providers) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.TracerProvider.Shutdown(ctx), p.MeterProvider.Shutdown(ctx))
}
