// Package metrics defines mayor's Prometheus collectors. All collectors
// register on the default registry; the API server exposes them at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BeadsByStatus tracks the current board composition.
	BeadsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mayor_beads_by_status",
		Help: "Number of beads currently in each status",
	}, []string{"status"})

	// SupervisorRuns counts completed supervisor runs by outcome.
	SupervisorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mayor_supervisor_runs_total",
		Help: "Supervisor runs by outcome (completed, failed, blocked, timeout, killed)",
	}, []string{"outcome"})

	// WorkerDuration observes wall-clock seconds per worker run.
	WorkerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mayor_worker_duration_seconds",
		Help:    "Wall-clock duration of worker runs",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	})

	// WatchdogKills counts workers killed for stalling.
	WatchdogKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mayor_watchdog_kills_total",
		Help: "Workers killed by the stall watchdog",
	})

	// EventBusDropped counts drop-oldest evictions across all streams.
	EventBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mayor_eventbus_dropped_total",
		Help: "Events evicted from full stream buffers",
	})

	// RetriesQueued counts tasks placed on the retry queue.
	RetriesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mayor_retries_queued_total",
		Help: "Tasks enqueued for retry",
	})

	// NotificationsSent counts webhook notifications attempted.
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mayor_notifications_sent_total",
		Help: "Webhook notifications attempted",
	})
)
