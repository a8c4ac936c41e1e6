package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// The middleware reads and writes traceparent headers with its own
// propagator rather than the registered global, so it behaves the same in
// tests that never ran [Setup].
var propagator = propagation.TraceContext{}

// statusWriter captures the response code for the completion log and span.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// quietPaths are endpoints polled by orchestrators and scrapers. They are
// still measured and traced, but completion is logged at debug to keep
// kubelet probes from drowning the log.
var quietPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Instrument wraps next in the observability shell shared by every toolmux
// endpoint. Each request continues the W3C trace carried in its headers (or
// starts a fresh one) and is answered with an X-Correlation-ID header
// holding the trace ID. Latency lands in [Metrics.HTTPRequestDuration] and a
// completion log line is correlated to the span.
func Instrument(next http.Handler, m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		elapsed := time.Since(start)
		m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}

		level := slog.LevelInfo
		if quietPaths[r.URL.Path] {
			level = slog.LevelDebug
		}
		Logger(ctx).Log(ctx, level, "http request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", elapsed,
		)
	})
}
