package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the approval engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Instance lifecycle metrics
	InstanceStartsTotal *prometheus.CounterVec
	AdvancesTotal       *prometheus.CounterVec
	CompletionsTotal    *prometheus.CounterVec
	ActiveInstances     *prometheus.GaugeVec
	ConflictsTotal      prometheus.Counter

	// Escalation metrics
	EscalationsTotal   *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	SweepScannedTotal  prometheus.Counter
	SweepAppliedTotal  prometheus.Counter

	// System metrics
	DefinitionPublishTotal *prometheus.CounterVec
	DefinitionsLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assent_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assent_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Instance lifecycle
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_instance_starts_total",
			Help: "Total number of process instances started.",
		}, []string{"category"}),
		AdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_advances_total",
			Help: "Total number of trigger applications by result.",
		}, []string{"result"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"category", "decision"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assent_active_instances",
			Help: "Number of currently open process instances.",
		}, []string{"category"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assent_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}),

		// Escalation
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_escalations_total",
			Help: "Total number of escalations applied by level.",
		}, []string{"level"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assent_sweep_duration_seconds",
			Help:    "Escalation sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		SweepScannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assent_sweep_scanned_total",
			Help: "Total number of instances scanned by escalation sweeps.",
		}),
		SweepAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assent_sweep_applied_total",
			Help: "Total number of escalations applied by sweeps.",
		}),

		// System
		DefinitionPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assent_definition_publish_total",
			Help: "Total number of definition publish attempts by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assent_definitions_loaded",
			Help: "Number of definition versions in the registry.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Lifecycle
		m.InstanceStartsTotal,
		m.AdvancesTotal,
		m.CompletionsTotal,
		m.ActiveInstances,
		m.ConflictsTotal,
		// Escalation
		m.EscalationsTotal,
		m.SweepDuration,
		m.SweepScannedTotal,
		m.SweepAppliedTotal,
		// System
		m.DefinitionPublishTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceStart records an instance start.
func (m *Metrics) RecordInstanceStart(category string) {
	m.InstanceStartsTotal.WithLabelValues(category).Inc()
	m.ActiveInstances.WithLabelValues(category).Inc()
}

// RecordAdvance records a trigger application outcome.
func (m *Metrics) RecordAdvance(result string) {
	m.AdvancesTotal.WithLabelValues(result).Inc()
}

// RecordCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordCompletion(category, decision string) {
	m.CompletionsTotal.WithLabelValues(category, decision).Inc()
	m.ActiveInstances.WithLabelValues(category).Dec()
}

// RecordEscalation records an applied escalation.
func (m *Metrics) RecordEscalation(level int) {
	m.EscalationsTotal.WithLabelValues(strconv.Itoa(level)).Inc()
}

// RecordConflict records a lost optimistic write race.
func (m *Metrics) RecordConflict() {
	m.ConflictsTotal.Inc()
}

// RecordSweep records one escalation sweep.
func (m *Metrics) RecordSweep(d time.Duration, scanned, applied int) {
	m.SweepDuration.Observe(d.Seconds())
	m.SweepScannedTotal.Add(float64(scanned))
	m.SweepAppliedTotal.Add(float64(applied))
}

// RecordDefinitionPublish records a definition publish attempt.
func (m *Metrics) RecordDefinitionPublish(status string) {
	m.DefinitionPublishTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definition versions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
