// Package observe provides application-wide observability primitives for
// Anchorlens: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Anchorlens metrics.
const meterName = "github.com/anchorlens/anchorlens"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscribeDuration tracks per-segment recognition latency.
	TranscribeDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of emitted utterance segments.
	SegmentDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts utterance segments produced by the voice gate.
	Segments metric.Int64Counter

	// Transcripts counts transcript events by kind. Use with attribute:
	//   attribute.String("kind", "delta"|"final")
	Transcripts metric.Int64Counter

	// TranscriptionFailures counts segments whose recognition failed or
	// timed out.
	TranscriptionFailures metric.Int64Counter

	// DroppedFrames counts audio frames discarded under backpressure.
	DroppedFrames metric.Int64Counter

	// DroppedEvents counts subscriber events shed by the broadcasters. Use
	// with attribute: attribute.String("stream", "transcript"|"chat").
	DroppedEvents metric.Int64Counter

	// ChatEvents counts normalized chat events by type. Use with attribute:
	//   attribute.String("type", ...)
	ChatEvents metric.Int64Counter

	// ChatReconnects counts chat connection retries.
	ChatReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running pipeline sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks attached stream subscribers. Use with attribute:
	//   attribute.String("stream", "transcript"|"chat")
	Subscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for recognition and segment latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("anchorlens.transcribe.duration",
		metric.WithDescription("Latency of per-segment speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("anchorlens.segment.duration",
		metric.WithDescription("Audio length of emitted utterance segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("anchorlens.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("anchorlens.segments",
		metric.WithDescription("Total utterance segments produced by the voice gate."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("anchorlens.transcripts",
		metric.WithDescription("Total transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionFailures, err = m.Int64Counter("anchorlens.transcription.failures",
		metric.WithDescription("Total segments whose recognition failed or timed out."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("anchorlens.dropped.frames",
		metric.WithDescription("Total audio frames discarded under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("anchorlens.dropped.events",
		metric.WithDescription("Total subscriber events shed by the broadcasters, by stream."),
	); err != nil {
		return nil, err
	}
	if met.ChatEvents, err = m.Int64Counter("anchorlens.chat.events",
		metric.WithDescription("Total normalized chat events by type."),
	); err != nil {
		return nil, err
	}
	if met.ChatReconnects, err = m.Int64Counter("anchorlens.chat.reconnects",
		metric.WithDescription("Total chat connection retries."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("anchorlens.active_sessions",
		metric.WithDescription("Number of running pipeline sessions."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("anchorlens.subscribers",
		metric.WithDescription("Number of attached stream subscribers, by stream."),
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

// RecordTranscription records one recognition outcome: its latency, the
// segment's audio length, and the failure counter when failed is true.
func (m *Metrics) RecordTranscription(ctx context.Context, latency, segment time.Duration, failed bool) {
	m.TranscribeDuration.Record(ctx, latency.Seconds())
	m.SegmentDuration.Record(ctx, segment.Seconds())
	m.Segments.Add(ctx, 1)
	if failed {
		m.TranscriptionFailures.Add(ctx, 1)
	}
}

// RecordTranscript records one emitted transcript event by kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordChatEvent records one normalized chat event by type.
func (m *Metrics) RecordChatEvent(ctx context.Context, typ string) {
	m.ChatEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}
