// Package observe provides application-wide observability primitives for
// toolmux: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them to a Prometheus exporter so they can be scraped via the standard
// /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope shared by the toolmux meter and
// tracer.
const scopeName = "github.com/MrWong99/toolmux"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SearchDuration tracks semantic tool search latency, including the
	// query embedding round-trip.
	SearchDuration metric.Float64Histogram

	// EmbeddingDuration tracks single embedding request latency.
	EmbeddingDuration metric.Float64Histogram

	// UpstreamCallDuration tracks forwarded tools/call latency.
	UpstreamCallDuration metric.Float64Histogram

	// RefreshDuration tracks full tool-index rebuild latency.
	RefreshDuration metric.Float64Histogram

	// --- Counters ---

	// Searches counts semantic searches. Use with attribute:
	//   attribute.String("status", ...)
	Searches metric.Int64Counter

	// UpstreamCalls counts forwarded tool invocations. Use with attributes:
	//   attribute.String("server", ...), attribute.String("tool", ...), attribute.String("status", ...)
	UpstreamCalls metric.Int64Counter

	// PhraseFallbacks counts tools whose LLM search phrase failed and fell
	// back to the heuristic template.
	PhraseFallbacks metric.Int64Counter

	// SkippedTools counts tools dropped from a refresh because their
	// embedding failed.
	SkippedTools metric.Int64Counter

	// --- Gauges ---

	// RunningSessions tracks the number of upstream sessions in Running.
	RunningSessions metric.Int64UpDownCounter

	// IndexedTools tracks the number of records in the published index.
	IndexedTools metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25,
	0.5, 1, 2.5, 5, 10,
}

// inferenceBuckets covers operations dominated by model inference (query
// embeddings, full index refreshes); local backends routinely take minutes.
var inferenceBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scopeName)
	var errs []error

	hist := func(name, desc string, buckets []float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}

	instruments := &Metrics{
		SearchDuration: hist("toolmux.search.duration",
			"Latency of semantic tool searches, embedding included.", inferenceBuckets),
		EmbeddingDuration: hist("toolmux.embedding.duration",
			"Latency of single embedding requests.", inferenceBuckets),
		UpstreamCallDuration: hist("toolmux.upstream.call.duration",
			"Latency of forwarded upstream tools/call requests.", latencyBuckets),
		RefreshDuration: hist("toolmux.index.refresh.duration",
			"Latency of full tool-index rebuilds.", inferenceBuckets),

		Searches: counter("toolmux.search.count",
			"Total semantic searches by status."),
		UpstreamCalls: counter("toolmux.upstream.call.count",
			"Total forwarded tool invocations by server, tool, and status."),
		PhraseFallbacks: counter("toolmux.phrase.fallback.count",
			"Tools whose LLM phrase generation fell back to the heuristic template."),
		SkippedTools: counter("toolmux.index.tools.skipped",
			"Tools skipped during refresh because their embedding failed."),

		RunningSessions: gauge("toolmux.sessions.running",
			"Number of upstream sessions currently running."),
		IndexedTools: gauge("toolmux.index.tools",
			"Number of tool records in the published index."),

		HTTPRequestDuration: hist("toolmux.http.request.duration",
			"Latency of handled HTTP requests by method and path.", nil),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return instruments, nil
}

// defaultMetrics builds the package-level [Metrics] instance from
// [otel.GetMeterProvider] the first time it is called and returns the same
// pointer afterwards.
var defaultMetrics = sync.OnceValue(func() *Metrics {
	instruments, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: default metrics: " + err.Error())
	}
	return instruments
})

// DefaultMetrics returns the package-level [Metrics] instance.
func DefaultMetrics() *Metrics { return defaultMetrics() }

// RecordSearch records one semantic search with its duration and outcome.
func (m *Metrics) RecordSearch(ctx context.Context, d time.Duration, status string) {
	m.Searches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.SearchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordUpstreamCall records one forwarded tool invocation with the standard
// attribute set.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, server, tool, status string, d time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.UpstreamCalls.Add(ctx, 1, labels)
	m.UpstreamCallDuration.Record(ctx, d.Seconds(), labels)
}

// RecordRefresh records a completed index rebuild and moves the indexed-tools
// gauge from the previous record count to the new one.
func (m *Metrics) RecordRefresh(ctx context.Context, d time.Duration, previous, indexed, skipped int) {
	m.RefreshDuration.Record(ctx, d.Seconds())
	if delta := int64(indexed - previous); delta != 0 {
		m.IndexedTools.Add(ctx, delta)
	}
	if skipped > 0 {
		m.SkippedTools.Add(ctx, int64(skipped))
	}
}

// SessionUp marks one more upstream session as running.
func (m *Metrics) SessionUp(ctx context.Context) {
	m.RunningSessions.Add(ctx, 1)
}

// SessionDown marks one fewer upstream session as running.
func (m *Metrics) SessionDown(ctx context.Context) {
	m.RunningSessions.Add(ctx, -1)
}
