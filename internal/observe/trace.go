package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens a span named after the operation, using whatever tracer
// provider [Setup] registered. Callers must End the returned span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when the
// context carries no trace. Responses echo it in the X-Correlation-ID header
// so a failure reported by a client can be matched to server logs.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger annotated with the trace and span IDs
// from ctx. Without an active span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
