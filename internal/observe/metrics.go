// Package observe provides application-wide observability primitives for
// Callwarden: OpenTelemetry metrics, tracing helpers, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Callwarden metrics.
const meterName = "github.com/callwarden/callwarden"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path counters ---

	// FramesCaptured counts frames read from the capture pipe.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the relay queue was full.
	FramesDropped metric.Int64Counter

	// FramesSent counts frames delivered to the analysis endpoint.
	FramesSent metric.Int64Counter

	// --- Transport ---

	// Reconnects counts transport reconnect attempts. Use with attribute:
	//   attribute.String("call_id", ...)
	Reconnects metric.Int64Counter

	// SendDuration tracks per-frame send latency.
	SendDuration metric.Float64Histogram

	// --- Verdicts ---

	// Verdicts counts parsed verdicts. Use with attribute:
	//   attribute.String("label", ...)
	Verdicts metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently being relayed.
	ActiveCalls metric.Int64UpDownCounter

	// ManagedProcesses tracks the number of external processes under
	// supervision.
	ManagedProcesses metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame websocket sends.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("callwarden.frames.captured",
		metric.WithDescription("Total audio frames read from the capture pipe."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callwarden.frames.dropped",
		metric.WithDescription("Total audio frames discarded because the relay queue was full."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("callwarden.frames.sent",
		metric.WithDescription("Total audio frames delivered to the analysis endpoint."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("callwarden.transport.reconnects",
		metric.WithDescription("Total transport reconnect attempts by call ID."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("callwarden.verdicts",
		metric.WithDescription("Total parsed scam verdicts by label."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SendDuration, err = m.Float64Histogram("callwarden.transport.send.duration",
		metric.WithDescription("Per-frame send latency to the analysis endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callwarden.active_calls",
		metric.WithDescription("Number of calls currently being relayed."),
	); err != nil {
		return nil, err
	}
	if met.ManagedProcesses, err = m.Int64UpDownCounter("callwarden.managed_processes",
		metric.WithDescription("Number of external processes under supervision."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwarden.http.request.duration",
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

// RecordReconnect records one reconnect attempt for a call.
func (m *Metrics) RecordReconnect(ctx context.Context, callID string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("call_id", callID)),
	)
}

// RecordVerdict records one parsed verdict by label.
func (m *Metrics) RecordVerdict(ctx context.Context, label string) {
	m.Verdicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("label", label)),
	)
}
