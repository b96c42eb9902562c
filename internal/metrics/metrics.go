// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_tasks_started_total",
			Help: "Total number of tasks started",
		},
	)

	TasksFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_tasks_finished_total",
			Help: "Total number of tasks finished",
		},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqd_tasks_running",
			Help: "Number of currently running tasks",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqd_tasks_pending",
			Help: "Number of tasks waiting for admission",
		},
	)

	// Auth metrics
	Logins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_logins_total",
			Help: "Total number of successful logins",
		},
	)

	TokensExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_tokens_expired_total",
			Help: "Total number of expired tokens",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Retention metrics
	RowsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_rows_pruned_total",
			Help: "Total number of rows pruned by retention, per table",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksStarted)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(Logins)
	prometheus.MustRegister(TokensExpired)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RowsPruned)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
