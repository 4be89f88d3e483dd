// Package metrics exposes Prometheus collectors for the link checker.
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
	linksCheckedTotal          *prometheus.CounterVec
	checkDurationSeconds       prometheus.Histogram
	containersSyncedTotal      prometheus.Counter
	workerRunsTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	orphansRemovedTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		linksCheckedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_links_checked_total",
				Help: "Total number of link checks, labeled by resulting status.",
			},
			[]string{"status"},
		)

		checkDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linkcheck_check_duration_seconds",
				Help:    "Histogram of single link check durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		containersSyncedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkcheck_containers_synced_total",
				Help: "Total number of containers parsed for links.",
			},
		)

		workerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_worker_runs_total",
				Help: "Total number of worker runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linkcheck_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		orphansRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "linkcheck_orphans_removed_total",
				Help: "Total number of links removed because no instance referenced them.",
			},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck records one completed link check.
func ObserveCheck(status string, duration time.Duration) {
	Init()
	linksCheckedTotal.WithLabelValues(status).Inc()
	checkDurationSeconds.Observe(duration.Seconds())
}

// ObserveContainerSynced counts one parsed container.
func ObserveContainerSynced() {
	Init()
	containersSyncedTotal.Inc()
}

// ObserveWorkerRun counts a finished worker run.
func ObserveWorkerRun(outcome string) {
	Init()
	workerRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveOrphansRemoved adds deleted orphan links.
func ObserveOrphansRemoved(n int64) {
	if n <= 0 {
		return
	}
	Init()
	orphansRemovedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
