// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlTasksTotal      *prometheus.CounterVec
	crawlItemsTotal      *prometheus.CounterVec
	crawlTaskRetries     *prometheus.CounterVec
	rateLimitDelaySecs   *prometheus.HistogramVec
	activeWorkers        *prometheus.GaugeVec
	runDurationSeconds   prometheus.Histogram
	scoringPublishErrors prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_tasks_total",
				Help: "Total crawl tasks reaching a terminal state, labeled by platform and state.",
			},
			[]string{"platform", "state"},
		)

		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_total",
				Help: "Total items persisted, labeled by platform and upsert outcome.",
			},
			[]string{"platform", "outcome"},
		)

		crawlTaskRetries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_task_retries_total",
				Help: "Total task retries, labeled by platform and error class.",
			},
			[]string{"platform", "class"},
		)

		rateLimitDelaySecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_limit_delay_seconds",
				Help:    "Histogram of delays introduced by the rate governor.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"platform", "op"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_active_workers",
				Help: "Workers currently executing a task, labeled by platform.",
			},
			[]string{"platform"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_run_duration_seconds",
				Help:    "Histogram of end-to-end run durations.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
		)

		scoringPublishErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scoring_publish_errors_total",
				Help: "Failed fire-and-forget scoring submissions.",
			},
		)
	})
}

// ObserveTaskTerminal records a task reaching a terminal state.
func ObserveTaskTerminal(platform, state string) {
	if crawlTasksTotal == nil {
		return
	}
	crawlTasksTotal.WithLabelValues(platform, state).Inc()
}

// ObserveItem records one upsert outcome.
func ObserveItem(platform, outcome string) {
	if crawlItemsTotal == nil {
		return
	}
	crawlItemsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveRetry records a retry decision.
func ObserveRetry(platform, class string) {
	if crawlTaskRetries == nil {
		return
	}
	crawlTaskRetries.WithLabelValues(platform, class).Inc()
}

// ObserveRateLimitDelay records time spent waiting on the governor.
func ObserveRateLimitDelay(platform, op string, d time.Duration) {
	if rateLimitDelaySecs == nil {
		return
	}
	rateLimitDelaySecs.WithLabelValues(platform, op).Observe(d.Seconds())
}

// WorkerStarted increments the active-worker gauge.
func WorkerStarted(platform string) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.WithLabelValues(platform).Inc()
}

// WorkerStopped decrements the active-worker gauge.
func WorkerStopped(platform string) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.WithLabelValues(platform).Dec()
}

// ObserveRunDuration records a completed run's wall time.
func ObserveRunDuration(d time.Duration) {
	if runDurationSeconds == nil {
		return
	}
	runDurationSeconds.Observe(d.Seconds())
}

// ObserveScoringError counts a failed scoring submission.
func ObserveScoringError() {
	if scoringPublishErrors == nil {
		return
	}
	scoringPublishErrors.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
