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
	stageDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal        *prometheus.CounterVec
	WorkflowCompletionsTotal   *prometheus.CounterVec
	WorkflowRetriesTotal       prometheus.Counter
	WorkflowCancellationsTotal prometheus.Counter
	WorkflowErrorsTotal        *prometheus.CounterVec
	WorkflowsActive            prometheus.Gauge
	WorkflowStageDuration      *prometheus.HistogramVec

	// Approval metrics
	ApprovalRequestsTotal  *prometheus.CounterVec
	ApprovalDecisionsTotal *prometheus.CounterVec
	ApprovalExpiredTotal   prometheus.Counter
	ApprovalRemindersTotal prometheus.Counter
	ApprovalsPending       prometheus.Gauge

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventSubscribers     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_workflow_starts_total",
			Help: "Total number of workflows started.",
		}, []string{"initial_stage"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal stage.",
		}, []string{"final_stage"}),
		WorkflowRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_workflow_retries_total",
			Help: "Total number of workflow retries.",
		}),
		WorkflowCancellationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_workflow_cancellations_total",
			Help: "Total number of workflow cancellations.",
		}),
		WorkflowErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_workflow_errors_total",
			Help: "Total number of stage processor errors.",
		}, []string{"stage"}),
		WorkflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_workflows_active",
			Help: "Number of workflows tracked in the active map.",
		}),
		WorkflowStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadence_workflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),

		// Approvals
		ApprovalRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_approval_requests_total",
			Help: "Total number of approval requests filed.",
		}, []string{"kind"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_approval_decisions_total",
			Help: "Total number of approval decisions applied.",
		}, []string{"outcome"}),
		ApprovalExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_approval_expired_total",
			Help: "Total number of approval requests expired by the sweep.",
		}),
		ApprovalRemindersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_approval_reminders_total",
			Help: "Total number of reminder notifications sent.",
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_approvals_pending",
			Help: "Number of approval requests currently pending.",
		}),

		// Events
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_events_published_total",
			Help: "Total number of lifecycle events published.",
		}, []string{"event_type"}),
		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_event_subscribers",
			Help: "Number of live event subscriptions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowRetriesTotal,
		m.WorkflowCancellationsTotal,
		m.WorkflowErrorsTotal,
		m.WorkflowsActive,
		m.WorkflowStageDuration,
		// Approvals
		m.ApprovalRequestsTotal,
		m.ApprovalDecisionsTotal,
		m.ApprovalExpiredTotal,
		m.ApprovalRemindersTotal,
		m.ApprovalsPending,
		// Events
		m.EventsPublishedTotal,
		m.EventSubscribers,
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

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(initialStage string) {
	m.WorkflowStartsTotal.WithLabelValues(initialStage).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal stage.
func (m *Metrics) RecordWorkflowCompletion(finalStage string) {
	m.WorkflowCompletionsTotal.WithLabelValues(finalStage).Inc()
}

// RecordWorkflowRetry records a workflow retry.
func (m *Metrics) RecordWorkflowRetry() {
	m.WorkflowRetriesTotal.Inc()
}

// RecordWorkflowCancellation records a workflow cancellation.
func (m *Metrics) RecordWorkflowCancellation() {
	m.WorkflowCancellationsTotal.Inc()
}

// RecordWorkflowError records a stage processor error.
func (m *Metrics) RecordWorkflowError(stage string) {
	m.WorkflowErrorsTotal.WithLabelValues(stage).Inc()
}

// SetWorkflowsActive sets the active-map size gauge.
func (m *Metrics) SetWorkflowsActive(count float64) {
	m.WorkflowsActive.Set(count)
}

// RecordStageDuration records the duration of one stage execution.
func (m *Metrics) RecordStageDuration(stage string, duration time.Duration) {
	m.WorkflowStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordApprovalRequest records a filed approval request.
func (m *Metrics) RecordApprovalRequest(kind string) {
	m.ApprovalRequestsTotal.WithLabelValues(kind).Inc()
	m.ApprovalsPending.Inc()
}

// RecordApprovalDecision records a resolved approval. Outcome is one of
// approved, rejected, cancelled.
func (m *Metrics) RecordApprovalDecision(outcome string) {
	m.ApprovalDecisionsTotal.WithLabelValues(outcome).Inc()
	m.ApprovalsPending.Dec()
}

// RecordApprovalExpiry records one request expired by the sweep.
func (m *Metrics) RecordApprovalExpiry() {
	m.ApprovalExpiredTotal.Inc()
	m.ApprovalsPending.Dec()
}

// RecordApprovalReminder records a reminder notification.
func (m *Metrics) RecordApprovalReminder() {
	m.ApprovalRemindersTotal.Inc()
}

// SetApprovalsPending sets the pending gauge, used when rebuilding the index.
func (m *Metrics) SetApprovalsPending(count float64) {
	m.ApprovalsPending.Set(count)
}

// RecordEventPublished records a published lifecycle event.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the live subscription gauge.
func (m *Metrics) SetEventSubscribers(count float64) {
	m.EventSubscribers.Set(count)
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
