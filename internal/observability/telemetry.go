// Package observability wires the process-wide OpenTelemetry tracer and
// meter providers: a trace span per tools/call spanning C6's dispatch
// through C5's routing, and the histograms/gauges/counters the multiplexer
// and SSE transport record to. No collector is assumed; spans and metric
// points are exported as newline-delimited JSON, matching how a proxy
// without an observability backend configured still gets inspectable
// telemetry on stderr.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName names this process in span and metric instrumentation
// scopes.
const ServiceName = "mcpmux"

// Provider owns the SDK tracer and meter providers installed as the
// process-wide OpenTelemetry globals. Callers obtain tracers and meters
// through the otel package's global accessors (otel.Tracer, otel.Meter),
// which delegate to whatever provider was installed last — so components
// built before Provider exists (the multiplexer, the SSE transport) still
// pick up real export once New runs.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New installs a tracer provider (batched span export) and a meter
// provider (periodic metric export) writing newline-delimited JSON to w,
// and sets both as the global OpenTelemetry providers.
func New(w io.Writer) (*Provider, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(mp)

	return &Provider{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and stops both providers. Safe to call once at process
// exit; further spans/metrics recorded after Shutdown are dropped.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
