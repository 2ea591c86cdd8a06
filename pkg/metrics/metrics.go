package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scheduler and the push fan-out
type Metrics struct {
	// Scheduler metrics
	JobFirings        *prometheus.CounterVec
	JobFailures       *prometheus.CounterVec
	JobSkipped        *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	ActiveJobs        prometheus.Gauge
	UnschedulableJobs prometheus.Gauge

	// Push metrics
	PushSent     *prometheus.CounterVec
	PushBatches  prometheus.Counter
	PushDuration prometheus.Histogram

	// API metrics
	APIRequestCount    *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every metric on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		JobFirings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anganwadi_job_firings_total",
			Help: "Total number of scheduled job firings that reached the executor",
		}, []string{"job_name"}),

		JobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anganwadi_job_failures_total",
			Help: "Total number of job firings whose target did not succeed",
		}, []string{"job_name", "reason"}),

		JobSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anganwadi_job_skipped_total",
			Help: "Firings skipped because the previous firing of the same job was still running",
		}, []string{"job_name"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anganwadi_job_duration_seconds",
			Help:    "Time taken to invoke a job target",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_name"}),

		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anganwadi_active_jobs",
			Help: "Number of jobs currently registered with the timer runtime",
		}),

		UnschedulableJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anganwadi_unschedulable_jobs",
			Help: "Number of persisted jobs whose rule could not be activated",
		}),

		PushSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anganwadi_push_messages_total",
			Help: "Push messages sent, by outcome",
		}, []string{"outcome"}),

		PushBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "anganwadi_push_batches_total",
			Help: "Multicast batches dispatched",
		}),

		PushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anganwadi_push_batch_duration_seconds",
			Help:    "Time taken to dispatch one multicast batch",
			Buckets: prometheus.DefBuckets,
		}),

		APIRequestCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anganwadi_api_requests_total",
			Help: "Total number of API requests",
		}, []string{"method", "path", "status"}),

		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anganwadi_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// Nop returns metrics bound to a private registry nobody scrapes
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveFiring records the outcome of one executor invocation. An empty
// reason means success.
func (m *Metrics) ObserveFiring(jobName string, duration time.Duration, reason string) {
	m.JobFirings.WithLabelValues(jobName).Inc()
	m.JobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
	if reason != "" {
		m.JobFailures.WithLabelValues(jobName, reason).Inc()
	}
}

// ObservePush records one multicast batch
func (m *Metrics) ObservePush(success, failure int, duration time.Duration) {
	m.PushBatches.Inc()
	m.PushSent.WithLabelValues("success").Add(float64(success))
	m.PushSent.WithLabelValues("failure").Add(float64(failure))
	m.PushDuration.Observe(duration.Seconds())
}

// Middleware collects HTTP metrics. pattern should be the route pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		m.APIRequestCount.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.statusCode)).Inc()
		m.APIRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// responseWriter is a wrapper for http.ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
