package syncer

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the sync pipeline.
type Metrics struct {
	passesTotal   *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	compiledRules prometheus.Gauge
	installed     prometheus.Gauge
	staticRules   prometheus.Gauge
	truncated     prometheus.Counter
	dropped       *prometheus.CounterVec
	attempts      prometheus.Counter
	excluded      prometheus.Counter
	watchEvents   prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the metrics on their own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearurls_sync_passes_total",
				Help: "Sync passes by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clearurls_sync_pass_duration_seconds",
				Help:    "Sync pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		compiledRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearurls_compiled_rules",
			Help: "Rules emitted by the last compilation",
		}),
		installed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearurls_installed_rules",
			Help: "Dynamic rules installed by the last successful pass",
		}),
		staticRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearurls_static_rules",
			Help: "Rules in the static band after the last first-install pass",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearurls_compile_truncated_total",
			Help: "Compilations cut short by the rule budget",
		}),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearurls_dropped_patterns_total",
				Help: "Provider entries the compiler dropped, by kind",
			},
			[]string{"kind"},
		),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearurls_install_attempts_total",
			Help: "Replace requests issued to the filter engine",
		}),
		excluded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearurls_excluded_rules_total",
			Help: "Rules dropped after the engine rejected them",
		}),
		watchEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearurls_database_change_events_total",
			Help: "Debounced database file changes",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearurls_http_requests_total",
				Help: "HTTP requests by method, endpoint and status code",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clearurls_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.passesTotal,
		m.passDuration,
		m.compiledRules,
		m.installed,
		m.staticRules,
		m.truncated,
		m.dropped,
		m.attempts,
		m.excluded,
		m.watchEvents,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordPass records the outcome of one pass.
func (m *Metrics) RecordPass(r PassResult) {
	m.passesTotal.WithLabelValues(string(r.Trigger), string(r.Outcome)).Inc()
	m.passDuration.WithLabelValues(string(r.Trigger)).Observe(r.Duration.Seconds())

	if r.Compiled != nil {
		m.compiledRules.Set(float64(len(r.Compiled.Rules)))
		if r.Compiled.Truncated {
			m.truncated.Inc()
		}
		for _, d := range r.Compiled.Diagnostics {
			m.dropped.WithLabelValues(string(d.Kind)).Inc()
		}
	}
	if r.Install != nil {
		m.attempts.Add(float64(r.Install.Attempts))
		m.excluded.Add(float64(len(r.Install.Excluded)))
		if r.Install.Succeeded() {
			m.installed.Set(float64(len(r.Install.Installed)))
		}
	}
	if r.StaticRules >= 0 && r.Trigger == TriggerInstalled {
		m.staticRules.Set(float64(r.StaticRules))
	}
}

// RecordWatchEvent counts a debounced database change.
func (m *Metrics) RecordWatchEvent() {
	m.watchEvents.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName keeps label cardinality bounded.
func endpointName(path string) string {
	switch path {
	case "/metrics", "/healthz", "/sync", "/clean":
		return path
	default:
		return "other"
	}
}
