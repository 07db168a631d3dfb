// Package observe provides application-wide observability primitives for
// voicerelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicerelay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesSent counts binary audio frames handed to the channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio frames that were discarded. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// CommitsSent counts commit_audio commands. Use with attribute:
	//   attribute.String("trigger", "vad"|"stop")
	CommitsSent metric.Int64Counter

	// --- Playback path ---

	// InboundMessages counts messages received on a session channel. Use with
	// attribute:
	//   attribute.String("kind", "text"|"binary")
	InboundMessages metric.Int64Counter

	// DecodeErrors counts inbound audio payloads that could not be decoded.
	// Use with attribute:
	//   attribute.String("reason", ...)
	DecodeErrors metric.Int64Counter

	// PlaybackScheduled accumulates the seconds of audio handed to the output
	// device.
	PlaybackScheduled metric.Float64Counter

	// --- Session lifecycle ---

	// StateTransitions counts session state changes. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Relay / upstream ---

	// RelayedFrames counts audio frames bridged by the relay. Use with
	// attribute:
	//   attribute.String("direction", "upstream"|"downstream")
	RelayedFrames metric.Int64Counter

	// UpstreamConnectDuration tracks how long dialling the upstream service takes.
	UpstreamConnectDuration metric.Float64Histogram

	// UpstreamErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.FramesSent, err = m.Int64Counter("voicerelay.capture.frames_sent",
		metric.WithDescription("Binary audio frames sent to the relay."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicerelay.frames_dropped",
		metric.WithDescription("Audio frames discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.CommitsSent, err = m.Int64Counter("voicerelay.capture.commits_sent",
		metric.WithDescription("commit_audio commands sent by trigger."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.InboundMessages, err = m.Int64Counter("voicerelay.inbound.messages",
		metric.WithDescription("Messages received on a session channel by kind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicerelay.playback.decode_errors",
		metric.WithDescription("Inbound audio payloads that failed to decode by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("voicerelay.playback.scheduled",
		metric.WithDescription("Seconds of audio scheduled on the output device."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.StateTransitions, err = m.Int64Counter("voicerelay.session.transitions",
		metric.WithDescription("Session state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicerelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// Relay.
	if met.RelayedFrames, err = m.Int64Counter("voicerelay.relay.frames",
		metric.WithDescription("Audio frames bridged by the relay by direction."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("voicerelay.upstream.connect.duration",
		metric.WithDescription("Latency of establishing an upstream session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voicerelay.upstream.errors",
		metric.WithDescription("Upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
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

// RecordFrameDropped increments FramesDropped for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCommit increments CommitsSent for trigger.
func (m *Metrics) RecordCommit(ctx context.Context, trigger string) {
	m.CommitsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordInbound increments InboundMessages for kind.
func (m *Metrics) RecordInbound(ctx context.Context, kind string) {
	m.InboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDecodeError increments DecodeErrors for reason.
func (m *Metrics) RecordDecodeError(ctx context.Context, reason string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition increments StateTransitions for the target state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordRelayed increments RelayedFrames for direction.
func (m *Metrics) RecordRelayed(ctx context.Context, direction string) {
	m.RelayedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordUpstreamError is a convenience method that records an upstream error
// counter increment with the standard attribute set.
func (m *Metrics) RecordUpstreamError(ctx context.Context, provider, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
