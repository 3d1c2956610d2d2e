package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func useManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordPassMetrics(t *testing.T) {
	ctx := context.Background()
	reader := useManualReader(t)

	RecordPassMetrics(ctx, PassMetrics{
		Trigger:         "database_changed",
		Outcome:         "success",
		CompiledRules:   12,
		InstalledRules:  11,
		DroppedPatterns: 3,
		Truncated:       true,
		Attempts:        2,
		ExcludedRules:   1,
		Duration:        40 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	passes, ok := metrics["clearurls.sync.passes_total"]
	if !ok {
		t.Fatalf("missing clearurls.sync.passes_total metric")
	}
	passData, ok := passes.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for passes metric")
	}
	if len(passData.DataPoints) != 1 || passData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single pass, got %+v", passData.DataPoints)
	}
	if value, ok := passData.DataPoints[0].Attributes.Value(attribute.Key("sync.trigger")); !ok || value.AsString() != "database_changed" {
		t.Fatalf("expected sync.trigger database_changed, got %v", value)
	}

	for name, want := range map[string]int64{
		"clearurls.install.attempts_total":         2,
		"clearurls.install.excluded_rules_total":   1,
		"clearurls.compile.dropped_patterns_total": 3,
		"clearurls.compile.truncated_total":        1,
	} {
		m, ok := metrics[name]
		if !ok {
			t.Fatalf("missing %s metric", name)
		}
		if got := m.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != want {
			t.Fatalf("%s = %d, want %d", name, got, want)
		}
	}

	gauge, ok := metrics["clearurls.install.rules"]
	if !ok {
		t.Fatalf("missing clearurls.install.rules metric")
	}
	if got := gauge.Data.(metricdata.Gauge[int64]).DataPoints[0].Value; got != 11 {
		t.Fatalf("expected 11 installed rules, got %d", got)
	}

	hist := metrics["clearurls.sync.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 || hist.DataPoints[0].Sum != 40 {
		t.Fatalf("unexpected histogram point %+v", hist.DataPoints[0])
	}
}

func TestRecordPassMetrics_AbandonedSkipsGauge(t *testing.T) {
	reader := useManualReader(t)

	RecordPassMetrics(context.Background(), PassMetrics{Trigger: "startup", Outcome: "abandoned", Attempts: 1})

	metrics := collectMetrics(t, reader)
	if _, ok := metrics["clearurls.install.rules"]; ok {
		t.Fatalf("abandoned pass must not report installed rules")
	}
	if _, ok := metrics["clearurls.compile.truncated_total"]; ok {
		t.Fatalf("untruncated pass must not count truncation")
	}
}

func TestRecordRejectionEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "install.attempt")
	RecordRejectionEvent(span, 1042, true)
	RecordRejectionEvent(span, 0, false)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 rejection events, got %d", len(events))
	}
	if events[0].Name != "engine.rejection" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("rejection.rule_id")); !ok || value.AsInt64() != 1042 {
		t.Fatalf("expected rejection.rule_id 1042, got %v", value)
	}
	attrs = attribute.NewSet(events[1].Attributes...)
	if _, ok := attrs.Value(attribute.Key("rejection.rule_id")); ok {
		t.Fatalf("unidentified rejection must not carry a rule id")
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProvider_NoEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "clearurls-dnr"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupProvider_WithEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupProvider(context.Background(), Config{
		ServiceName:  "clearurls-dnr",
		Endpoint:     "127.0.0.1:4317",
		Insecure:     true,
		SampleRatio:  0.5,
		DatabasePath: "data.json",
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global tracer provider is %T, want *trace.TracerProvider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestNewResource_Attributes(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceVersion: "1.2.3",
		DatabasePath:   "/var/lib/clearurls/data.json",
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}

	want := map[string]string{
		"service.name":            "clearurls-dnr",
		"service.version":         "1.2.3",
		"clearurls.database.path": "/var/lib/clearurls/data.json",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); !strings.Contains(got, "AlwaysOnSampler") {
		t.Errorf("sampler(0) = %s", got)
	}
	if got := sampler(0.25).Description(); !strings.Contains(got, "TraceIDRatioBased{0.25}") {
		t.Errorf("sampler(0.25) = %s", got)
	}
}
