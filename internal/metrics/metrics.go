// Package metrics exposes Prometheus instruments for the delivery
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the courier service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Queue metrics
	EmailsEnqueued  *prometheus.CounterVec
	EmailsSent      *prometheus.CounterVec
	EmailsFailed    *prometheus.CounterVec
	EmailsRetried   prometheus.Counter
	EmailsDenied    *prometheus.CounterVec
	EmailsCancelled prometheus.Counter
	EmailsSwept     prometheus.Counter

	// Dispatch metrics
	DispatchRuns     prometheus.Counter
	DispatchDuration prometheus.Histogram
	BatchSize        prometheus.Histogram
	SendDuration     *prometheus.HistogramVec

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total HTTP requests by method, path and status code",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "HTTP request latency by method and path",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		EmailsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_emails_enqueued_total",
				Help: "Emails accepted into the queue by priority",
			},
			[]string{"priority"},
		),

		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_emails_sent_total",
				Help: "Emails successfully handed to the provider",
			},
			[]string{"provider", "template_type"},
		),

		EmailsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_emails_failed_total",
				Help: "Emails that reached a failed terminal status",
			},
			[]string{"reason"},
		),

		EmailsRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_emails_retried_total",
				Help: "Send attempts returned to the queue for retry",
			},
		),

		EmailsDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_emails_denied_total",
				Help: "Sends denied by tenant policy",
			},
			[]string{"reason"},
		),

		EmailsCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_emails_cancelled_total",
				Help: "Pending emails cancelled before dispatch",
			},
		),

		EmailsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_emails_swept_total",
				Help: "Terminal rows removed by retention sweep",
			},
		),

		DispatchRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_dispatch_runs_total",
				Help: "Dispatch cycles executed",
			},
		),

		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_dispatch_duration_seconds",
				Help:    "Wall time of one dispatch cycle",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_dispatch_batch_size",
				Help:    "Rows claimed per dispatch cycle",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),

		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_send_duration_seconds",
				Help:    "Provider send call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_webhook_events_total",
				Help: "Provider webhook events by type",
			},
			[]string{"event_type"},
		),

		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_circuit_breaker_state",
				Help: "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers with request count and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(
			r.Method, r.URL.Path, strconv.Itoa(rec.status),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			r.Method, r.URL.Path,
		).Observe(time.Since(start).Seconds())
	})
}
