// Package observe provides application-wide observability primitives for the
// bridge: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/a2fbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StreamDuration tracks the wall time of one upstream stream, from Open to
	// the last frame. Use with attribute:
	//   attribute.String("outcome", ...)
	StreamDuration metric.Float64Histogram

	// FirstFrameLatency tracks the time from Open to the first frame.
	FirstFrameLatency metric.Float64Histogram

	// --- Counters ---

	// Requests counts processed bridge requests. Use with attribute:
	//   attribute.String("outcome", ...)
	Requests metric.Int64Counter

	// ChunksSent counts audio chunks uploaded to the upstream service.
	ChunksSent metric.Int64Counter

	// AudioBytes counts decoded audio bytes uploaded to the upstream service.
	AudioBytes metric.Int64Counter

	// FramesReceived counts animation frames received from the upstream
	// service.
	FramesReceived metric.Int64Counter

	// --- Error counters ---

	// Errors counts failed requests. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of upstream streams currently open.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for stream
// latencies. Streams run for roughly the length of the uploaded clip.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StreamDuration, err = m.Float64Histogram("a2fbridge.stream.duration",
		metric.WithDescription("Wall time of one upstream animation stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstFrameLatency, err = m.Float64Histogram("a2fbridge.stream.first_frame",
		metric.WithDescription("Latency from stream open to the first animation frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("a2fbridge.requests",
		metric.WithDescription("Total bridge requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("a2fbridge.chunks.sent",
		metric.WithDescription("Total audio chunks uploaded upstream."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("a2fbridge.audio.bytes",
		metric.WithDescription("Total decoded audio bytes uploaded upstream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("a2fbridge.frames.received",
		metric.WithDescription("Total animation frames received from upstream."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("a2fbridge.errors",
		metric.WithDescription("Total failed requests by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("a2fbridge.active_streams",
		metric.WithDescription("Number of upstream streams currently open."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("a2fbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and matched route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequest records one finished bridge request.
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordError records one failed request by error kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStream records the duration of one upstream stream.
func (m *Metrics) RecordStream(ctx context.Context, seconds float64, outcome string) {
	m.StreamDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}
