// Package observe provides application-wide observability primitives for
// scribegate: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
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

// meterName is the instrumentation scope name used for all scribegate metrics.
const meterName = "github.com/MrWong99/scribegate"

// Metrics holds all OpenTelemetry metric instruments for the ingestion
// pipeline. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// MergeDuration tracks streaming-merge latency per session.
	MergeDuration metric.Float64Histogram

	// VerifyDuration tracks integrity-verification latency.
	VerifyDuration metric.Float64Histogram

	// TranscriptionDuration tracks external speech-to-text call latency
	// (a single attempt, not the whole retry loop).
	TranscriptionDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts accepted chunk writes. Use with attribute:
	//   attribute.String("status", "stored"|"duplicate")
	ChunksReceived metric.Int64Counter

	// ChunkBytes counts raw chunk bytes accepted into scratch storage.
	ChunkBytes metric.Int64Counter

	// TranscriptionAttempts counts individual transcription attempts.
	// Use with attribute: attribute.String("outcome", ...)
	TranscriptionAttempts metric.Int64Counter

	// CorruptionFlags counts triggered corruption detector flags.
	// Use with attribute: attribute.String("kind", ...)
	CorruptionFlags metric.Int64Counter

	// PipelineOutcomes counts terminal pipeline states per session.
	// Use with attributes:
	//   attribute.String("state", "accepted"|"rejected"),
	//   attribute.String("kind", <failure kind or "none">)
	PipelineOutcomes metric.Int64Counter

	// SessionsExpired counts sessions released by the expiry sweep.
	SessionsExpired metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of in-flight upload sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// merge and transcription latencies, which run from tens of milliseconds for
// small recordings up to several minutes for files near the upload ceiling.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MergeDuration, err = m.Float64Histogram("scribegate.merge.duration",
		metric.WithDescription("Latency of the streaming chunk merge per session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VerifyDuration, err = m.Float64Histogram("scribegate.verify.duration",
		metric.WithDescription("Latency of merged-artifact integrity verification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("scribegate.transcription.duration",
		metric.WithDescription("Latency of a single external transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("scribegate.chunks.received",
		metric.WithDescription("Total accepted chunk writes by status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("scribegate.chunks.bytes",
		metric.WithDescription("Total raw chunk bytes accepted into scratch storage."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionAttempts, err = m.Int64Counter("scribegate.transcription.attempts",
		metric.WithDescription("Total transcription attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CorruptionFlags, err = m.Int64Counter("scribegate.corruption.flags",
		metric.WithDescription("Total triggered corruption detector flags by kind."),
	); err != nil {
		return nil, err
	}
	if met.PipelineOutcomes, err = m.Int64Counter("scribegate.pipeline.outcomes",
		metric.WithDescription("Terminal pipeline outcomes by state and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("scribegate.sessions.expired",
		metric.WithDescription("Sessions released by the expiry sweep."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("scribegate.active_sessions",
		metric.WithDescription("Number of in-flight upload sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordChunk records an accepted chunk write with its byte count and status.
func (m *Metrics) RecordChunk(ctx context.Context, bytes int64, status string) {
	m.ChunksReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
	if bytes > 0 {
		m.ChunkBytes.Add(ctx, bytes)
	}
}

// RecordAttempt records a single transcription attempt outcome and latency.
func (m *Metrics) RecordAttempt(ctx context.Context, outcome string, seconds float64) {
	m.TranscriptionAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordOutcome records a terminal pipeline outcome for a session.
func (m *Metrics) RecordOutcome(ctx context.Context, state, kind string) {
	m.PipelineOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("kind", kind),
		),
	)
}

// RecordCorruptionFlag records one triggered corruption detector flag.
func (m *Metrics) RecordCorruptionFlag(ctx context.Context, kind string) {
	m.CorruptionFlags.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}
