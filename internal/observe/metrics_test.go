package observe_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/callyx-ai/callyx/internal/observe"
)

func TestNewMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	m.ActiveCalls.Add(ctx, 1)
	m.CallDuration.Record(ctx, 42.5, metric.WithAttributes(attribute.String("cause", "user_hangup")))
	m.AudioForwarded.Add(ctx, 200, metric.WithAttributes(attribute.String("direction", "uplink")))
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", "hang_up")))
	m.BargeIns.Add(ctx, 1)
	m.ListenerDrops.Add(ctx, 3)
	m.KBLookupDuration.Record(ctx, 0.8)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 {
		t.Fatalf("scopes: got %d, want 1", len(rm.ScopeMetrics))
	}
	sm := rm.ScopeMetrics[0]
	if sm.Scope.Name != "github.com/callyx-ai/callyx" {
		t.Errorf("scope name: %q", sm.Scope.Name)
	}

	byName := map[string]metricdata.Metrics{}
	for _, md := range sm.Metrics {
		byName[md.Name] = md
	}
	for _, name := range []string{
		"callyx.calls.active",
		"callyx.calls.duration",
		"callyx.audio.forwarded",
		"callyx.tool.calls",
		"callyx.bargein.truncations",
		"callyx.listener.drops",
		"callyx.kb.lookup.duration",
	} {
		if _, ok := byName[name]; !ok {
			t.Errorf("metric %s not exported", name)
		}
	}

	sum, ok := byName["callyx.audio.forwarded"].Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 200 {
		t.Errorf("audio forwarded data: %+v", byName["callyx.audio.forwarded"].Data)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if observe.DefaultMetrics() != observe.DefaultMetrics() {
		t.Error("DefaultMetrics returned distinct instances")
	}
}
