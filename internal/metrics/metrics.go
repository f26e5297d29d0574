// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchRetriesTotal          *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	artifactsTotal             *prometheus.CounterVec
	handoffFailuresTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_fetches_total",
				Help: "Provider fetches by provider, domain, and outcome.",
			},
			[]string{"provider", "domain", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "envcrawler_fetch_duration_seconds",
				Help:    "Latency of a provider fetch including retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_fetch_retries_total",
				Help: "Retries issued per provider.",
			},
			[]string{"provider"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_cache_lookups_total",
				Help: "Cache lookups by domain and result (hit, miss, error).",
			},
			[]string{"domain", "result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_jobs_total",
				Help: "Crawl jobs by domain and terminal status.",
			},
			[]string{"domain", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "envcrawler_job_duration_seconds",
				Help:    "Wall-clock duration of crawl jobs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"domain"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "envcrawler_active_workers",
				Help: "Number of workers currently processing a work item.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "envcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations per upstream.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"upstream"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_artifacts_emitted_total",
				Help: "Batch artifacts handed off, by domain.",
			},
			[]string{"domain"},
		)

		handoffFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envcrawler_handoff_failures_total",
				Help: "Hand-off step failures by stage (blob, publish, jobstore).",
			},
			[]string{"stage"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one resolved work item.
func ObserveFetch(provider, domain, outcome string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(provider, domain, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// ObserveRetries adds retries issued for a provider.
func ObserveRetries(provider string, n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchRetriesTotal.WithLabelValues(provider).Add(float64(n))
}

// ObserveCacheLookup records a cache hit, miss, or error.
func ObserveCacheLookup(domain, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(domain, result).Inc()
}

// ObserveJob records a finished job.
func ObserveJob(domain, status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(domain, status).Inc()
	jobDurationSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(upstream string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(upstream).Observe(duration.Seconds())
}

// ObserveArtifact counts a handed-off artifact.
func ObserveArtifact(domain string) {
	Init()
	artifactsTotal.WithLabelValues(domain).Inc()
}

// ObserveHandoffFailure counts a failed hand-off stage.
func ObserveHandoffFailure(stage string) {
	Init()
	handoffFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
