// Package metrics exposes Prometheus collectors for the harvest orchestrator.
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
	tasksClaimedTotal          prometheus.Counter
	taskOutcomesTotal          *prometheus.CounterVec
	selectionFailuresTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	locksRecoveredTotal        *prometheus.CounterVec
	tasksPlannedTotal          prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. Observers call it
// lazily; it is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_tasks_claimed_total",
				Help: "Total number of tasks claimed by workers.",
			},
		)

		taskOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_task_outcomes_total",
				Help: "Total number of finished task runs, labeled by decision and error code.",
			},
			[]string{"decision", "code"},
		)

		selectionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_selection_failures_total",
				Help: "Total number of failed session selections, labeled by reason.",
			},
			[]string{"reason"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently running a task.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_pacing_delay_seconds",
				Help:    "Histogram of pre-run pacing delays, labeled by timing profile.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"profile"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delay_seconds",
				Help:    "Histogram of per-account rate limiter waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		locksRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_locks_recovered_total",
				Help: "Total number of stale task locks recovered, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tasksPlannedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_tasks_planned_total",
				Help: "Total number of tasks created by the target planner.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveClaim counts a claimed task.
func ObserveClaim() {
	Init()
	tasksClaimedTotal.Inc()
}

// ObserveOutcome counts a finished run by decision (DONE, RETRY, COOLDOWN, NO_RETRY).
func ObserveOutcome(decision, code string) {
	Init()
	taskOutcomesTotal.WithLabelValues(decision, code).Inc()
}

// ObserveSelectionFailure counts a failed session selection.
func ObserveSelectionFailure(reason string) {
	Init()
	selectionFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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

// ObservePacingDelay records a pre-run delay chosen by the timing strategy.
func ObservePacingDelay(profile string, delay time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(profile).Observe(delay.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveRecovery records a lock sweep's results.
func ObserveRecovery(reclaimed, failed, released int) {
	Init()
	locksRecoveredTotal.WithLabelValues("reclaimed").Add(float64(reclaimed))
	locksRecoveredTotal.WithLabelValues("failed").Add(float64(failed))
	locksRecoveredTotal.WithLabelValues("released").Add(float64(released))
}

// ObservePlanned counts tasks created by the planner.
func ObservePlanned(n int) {
	Init()
	tasksPlannedTotal.Add(float64(n))
}
