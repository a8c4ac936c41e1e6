package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig names the service in exported telemetry and optionally
// routes finished spans to an exporter.
type TelemetryConfig struct {
	// ServiceName is stamped as service.name on every metric and span.
	// Default: "toolmux".
	ServiceName string

	// ServiceVersion is stamped as service.version.
	ServiceVersion string

	// SpanExporter receives finished spans. Leaving it nil keeps spans
	// in-process: they still produce trace IDs for log correlation and the
	// X-Correlation-ID header, they are just never shipped anywhere.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the process-wide OpenTelemetry providers built by [Setup].
type Telemetry struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// Setup builds the OpenTelemetry meter and tracer providers and registers
// them as the otel globals, together with the W3C trace context propagator.
// Metrics flow through a Prometheus reader, which is how they end up on the
// /metrics endpoint.
//
// Call [Telemetry.Shutdown] before the process exits.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolmux"
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		tracers: sdktrace.NewTracerProvider(traceOpts...),
	}

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return t, nil
}

// Shutdown flushes both providers and releases their exporters. Whatever
// cannot be flushed before ctx expires is dropped.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.tracers.Shutdown(ctx),
		t.meters.Shutdown(ctx),
	)
}
