// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postpulse"

var (
	// HTTPRequestsTotal counts API requests by route, method and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of http requests handled by the API.",
		},
		[]string{"path", "method", "code"},
	)

	// JobExecutionsTotal counts execution attempts by recurrence type and outcome (success/failed)
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Total number of scheduled publish attempts.",
		},
		[]string{"recurrence_type", "status"},
	)

	// JobTerminalFailuresTotal counts jobs that exhausted their retries
	JobTerminalFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_terminal_failures_total",
			Help:      "Total number of jobs marked failed after exhausting retries.",
		},
	)

	// PublishDuration observes wall-clock publish time in seconds
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Wall-clock duration of publisher calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"status"},
	)

	// TicksTotal counts dispatcher ticks
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_ticks_total",
			Help:      "Total number of dispatcher ticks.",
		},
	)

	// TickErrorsTotal counts ticks skipped because the due-jobs query failed
	TickErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_tick_errors_total",
			Help:      "Total number of ticks skipped after a store error.",
		},
	)

	// DueJobs is the number of due jobs found by the last tick
	DueJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_due_jobs",
			Help:      "Number of due jobs found by the most recent tick.",
		},
	)

	// WebsocketClients is the number of connected event stream clients
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected execution event stream clients.",
		},
	)
)
