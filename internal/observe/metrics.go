// Package observe provides application-wide observability primitives for
// hassvoice: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hassvoice metrics.
const meterName = "github.com/PJR1992PJR/HA-OpenAI-Realtime-API"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks wall time from wake to Closed.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool call dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// HubRequestDuration tracks hub REST latency. Use with attribute op.
	HubRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute outcome:
	// "ok", "context_fetch", "transport", "device", "protocol".
	Turns metric.Int64Counter

	// WakeEvents counts wake detections. Use with attribute keyword.
	WakeEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes command, status.
	ToolCalls metric.Int64Counter

	// HubRequests counts hub REST calls. Use with attributes op, status.
	HubRequests metric.Int64Counter

	// FramesSent counts capture frames forwarded upstream.
	FramesSent metric.Int64Counter

	// FramesDiscarded counts capture frames explicitly discarded after an
	// upstream send failure.
	FramesDiscarded metric.Int64Counter

	// PlaybackDropped counts downstream audio chunks dropped because the
	// playback queue was full.
	PlaybackDropped metric.Int64Counter

	// ProtocolErrors counts inbound messages that could not be decoded.
	ProtocolErrors metric.Int64Counter

	// DeviceErrors counts capture failures observed by the wake loop.
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a turn is open.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops server request time. Use with
	// attributes method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for hub
// and tool latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets covers conversational turns, which last seconds to minutes.
var turnBuckets = []float64{
	1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("hassvoice.turn.duration",
		metric.WithDescription("Duration of a conversational turn from wake to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("hassvoice.tool_execution.duration",
		metric.WithDescription("Latency of tool call dispatch to the hub."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HubRequestDuration, err = m.Float64Histogram("hassvoice.hub.request.duration",
		metric.WithDescription("Latency of hub REST requests by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "hassvoice.turns", "Total conversational turns by outcome."},
		{&met.WakeEvents, "hassvoice.wake.events", "Total wake detections by keyword."},
		{&met.ToolCalls, "hassvoice.tool.calls", "Total tool invocations by command and status."},
		{&met.HubRequests, "hassvoice.hub.requests", "Total hub REST requests by operation and status."},
		{&met.FramesSent, "hassvoice.audio.frames_sent", "Capture frames forwarded upstream."},
		{&met.FramesDiscarded, "hassvoice.audio.frames_discarded", "Capture frames discarded after an upstream failure."},
		{&met.PlaybackDropped, "hassvoice.audio.playback_dropped", "Downstream audio chunks dropped on a full playback queue."},
		{&met.ProtocolErrors, "hassvoice.protocol.errors", "Inbound stream messages that could not be decoded."},
		{&met.DeviceErrors, "hassvoice.device.errors", "Audio capture failures."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("hassvoice.active_sessions",
		metric.WithDescription("Number of open conversational sessions (0 or 1)."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hassvoice.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordTurn records a finished turn with its outcome and duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, command, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("command", command)),
	)
}

// RecordHubRequest records one hub REST request.
func (m *Metrics) RecordHubRequest(ctx context.Context, op, status string, d time.Duration) {
	m.HubRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.HubRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordWake records a wake detection.
func (m *Metrics) RecordWake(ctx context.Context, keyword string) {
	m.WakeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("keyword", keyword)))
}
