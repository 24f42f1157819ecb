// Package metrics exposes Prometheus collectors for the ingest pipelines.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	persistenceErrorsTotal     *prometheus.CounterVec
	proxyPoolSize              prometheus.Gauge
	activeWorkers              *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	stageDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Fetch attempts, labeled by source host and attempt outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_results_total",
				Help: "Logical fetches, labeled by source host and final result.",
			},
			[]string{"source", "result"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Items processed by a pipeline stage, labeled by outcome.",
			},
			[]string{"stage", "outcome"},
		)

		persistenceErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_persistence_errors_total",
				Help: "Store operations that failed, labeled by operation.",
			},
			[]string{"op"},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_proxy_pool_size",
				Help: "Number of proxy endpoints loaded for the current run.",
			},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of dispatcher workers currently running.",
			},
			[]string{"stage"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Wall-clock duration of a pipeline stage.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"stage"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests to the ops server, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one attempt against the source URL.
func ObserveFetchAttempt(rawURL, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveFetchResult counts the final result of one logical fetch.
func ObserveFetchResult(rawURL, result string) {
	Init()
	fetchResultsTotal.WithLabelValues(SanitizeSite(rawURL), result).Inc()
}

// ObserveItem counts one processed item for the stage.
func ObserveItem(stage, outcome string) {
	Init()
	itemsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObservePersistenceError counts a failed store operation.
func ObservePersistenceError(op string) {
	Init()
	persistenceErrorsTotal.WithLabelValues(op).Inc()
}

// SetProxyPoolSize records the size of the loaded proxy pool.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveStageDuration records how long a stage ran.
func ObserveStageDuration(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
