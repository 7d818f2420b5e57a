// Package metrics exposes Prometheus collectors for the syllabus indexer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_fetches_total",
			Help: "Total number of source page fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syllabus_fetch_duration_seconds",
			Help:    "Histogram of source page fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_tasks_total",
			Help: "Total number of task steps processed, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syllabus_task_duration_seconds",
			Help:    "Histogram of task step durations, labeled by kind.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	documentsIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_documents_indexed_total",
			Help: "Total number of subject documents written, labeled by locale.",
		},
		[]string{"locale"},
	)

	publishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_publishes_total",
			Help: "Total number of alias swaps, labeled by locale and status.",
		},
		[]string{"locale", "status"},
	)

	subjectChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syllabus_subject_changes_total",
			Help: "Total number of subjects whose content fingerprint changed.",
		},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syllabus_active_workers",
			Help: "Number of workers currently processing a task, labeled by kind.",
		},
		[]string{"kind"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syllabus_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by task kind.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// FetchOutcome maps a fetch result onto a low-cardinality label.
func FetchOutcome(statusCode int, err error) string {
	switch {
	case err == nil:
		return "ok"
	case statusCode >= 100:
		return strconv.Itoa(statusCode/100) + "xx"
	default:
		return "error"
	}
}

// ObserveFetch records one source fetch.
func ObserveFetch(outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveTask records one task step.
func ObserveTask(kind, status string, duration time.Duration) {
	tasksTotal.WithLabelValues(kind, status).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDocumentIndexed counts a document write.
func ObserveDocumentIndexed(locale string) {
	documentsIndexedTotal.WithLabelValues(locale).Inc()
}

// ObservePublish counts an alias swap attempt.
func ObservePublish(locale, status string) {
	publishesTotal.WithLabelValues(locale, status).Inc()
}

// ObserveSubjectChange counts a changed subject fingerprint.
func ObserveSubjectChange() {
	subjectChangesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(kind string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
