package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	passCounter           metric.Int64Counter
	attemptCounter        metric.Int64Counter
	excludedRuleCounter   metric.Int64Counter
	droppedPatternCounter metric.Int64Counter
	truncatedPassCounter  metric.Int64Counter
	installedRulesGauge   metric.Int64Gauge
	passLatencyHistogram  metric.Float64Histogram
)

// PassMetrics captures the fields needed to record one sync pass.
type PassMetrics struct {
	Trigger string
	// Outcome is "success", "abandoned" or "invalid_database".
	Outcome         string
	CompiledRules   int
	InstalledRules  int
	DroppedPatterns int
	Truncated       bool
	Attempts        int
	ExcludedRules   int
	Duration        time.Duration
}

// RecordPassMetrics emits counters and histograms describing a sync pass.
func RecordPassMetrics(ctx context.Context, m PassMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("sync.trigger", m.Trigger),
		attribute.String("sync.outcome", m.Outcome),
	)

	passCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		passLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Attempts > 0 {
		attemptCounter.Add(ctx, int64(m.Attempts), attrs)
	}
	if m.ExcludedRules > 0 {
		excludedRuleCounter.Add(ctx, int64(m.ExcludedRules), attrs)
	}
	if m.DroppedPatterns > 0 {
		droppedPatternCounter.Add(ctx, int64(m.DroppedPatterns), attrs)
	}
	if m.Truncated {
		truncatedPassCounter.Add(ctx, 1, attrs)
	}
	if m.Outcome == "success" {
		installedRulesGauge.Record(ctx, int64(m.InstalledRules))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("clearurls.sync")

		passCounter, metricsInitErr = meter.Int64Counter(
			"clearurls.sync.passes_total",
			metric.WithDescription("Sync passes partitioned by trigger and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptCounter, metricsInitErr = meter.Int64Counter(
			"clearurls.install.attempts_total",
			metric.WithDescription("Replace requests issued to the filter engine"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		excludedRuleCounter, metricsInitErr = meter.Int64Counter(
			"clearurls.install.excluded_rules_total",
			metric.WithDescription("Rules dropped after the engine rejected them"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		droppedPatternCounter, metricsInitErr = meter.Int64Counter(
			"clearurls.compile.dropped_patterns_total",
			metric.WithDescription("Provider entries the compiler could not translate"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		truncatedPassCounter, metricsInitErr = meter.Int64Counter(
			"clearurls.compile.truncated_total",
			metric.WithDescription("Passes whose output was cut by the rule budget"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		installedRulesGauge, metricsInitErr = meter.Int64Gauge(
			"clearurls.install.rules",
			metric.WithDescription("Dynamic rules installed by the last successful pass"),
			metric.WithUnit("{rule}"),
		)
		if metricsInitErr != nil {
			return
		}

		passLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"clearurls.sync.duration_ms",
			metric.WithDescription("Observed sync pass latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRejectionEvent attaches an engine rejection to the attempt span.
// ruleID is ignored when the rejection named no rule.
func RecordRejectionEvent(span trace.Span, ruleID int, identified bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("rejection.identified", identified),
	}
	if identified {
		attrs = append(attrs, attribute.Int("rejection.rule_id", ruleID))
	}

	span.AddEvent("engine.rejection", trace.WithAttributes(attrs...))
}
