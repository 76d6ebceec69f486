// Package observe provides observability primitives for the call bridge:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all bridge metrics.
const meterName = "github.com/callyx-ai/callyx"

// Metrics holds the metric instruments of the call bridge. All fields are
// safe for concurrent use.
type Metrics struct {
	// ActiveCalls tracks the number of live bridged calls.
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks total audio seconds per finished call. Use with
	// attribute.String("cause", ...).
	CallDuration metric.Float64Histogram

	// AudioForwarded counts audio milliseconds moved through the bridge.
	// Use with attribute.String("direction", "uplink"|"downlink").
	AudioForwarded metric.Int64Counter

	// ToolCalls counts model tool invocations. Use with
	// attribute.String("tool", ...).
	ToolCalls metric.Int64Counter

	// BargeIns counts barge-in truncations.
	BargeIns metric.Int64Counter

	// ListenerDrops counts audio messages shed from listener queues.
	ListenerDrops metric.Int64Counter

	// KBLookupDuration tracks knowledge-base query latency.
	KBLookupDuration metric.Float64Histogram
}

// durationBuckets are histogram boundaries in seconds, sized for call
// lengths and lookup latencies respectively.
var (
	callBuckets   = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800}
	lookupBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("callyx.calls.active",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callyx.calls.duration",
		metric.WithDescription("Total audio seconds per finished call by termination cause."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioForwarded, err = m.Int64Counter("callyx.audio.forwarded",
		metric.WithDescription("Audio milliseconds moved through the bridge by direction."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("callyx.tool.calls",
		metric.WithDescription("Model tool invocations by tool name."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callyx.bargein.truncations",
		metric.WithDescription("Assistant audio truncations caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.ListenerDrops, err = m.Int64Counter("callyx.listener.drops",
		metric.WithDescription("Audio messages shed from listener queues."),
	); err != nil {
		return nil, err
	}
	if met.KBLookupDuration, err = m.Float64Histogram("callyx.kb.lookup.duration",
		metric.WithDescription("Knowledge-base query latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lookupBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
