// Package metrics exposes the Prometheus instrumentation for the manager.
// Collectors are registered on the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobRuns counts finished runs by outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sanoid_manager",
		Name:      "job_runs_total",
		Help:      "Finished sync job runs by status.",
	}, []string{"status", "trigger"})

	// JobRunDuration observes wall-clock run durations in seconds.
	JobRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sanoid_manager",
		Name:      "job_run_duration_seconds",
		Help:      "Wall-clock duration of sync job runs.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	})

	// ScheduledJobs tracks how many jobs the scheduler has armed.
	ScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sanoid_manager",
		Name:      "scheduled_jobs",
		Help:      "Sync jobs currently armed in the scheduler.",
	})

	// NodesOnline tracks the last health poll result.
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sanoid_manager",
		Name:      "nodes_online",
		Help:      "Nodes that answered the most recent health poll.",
	})

	// WebsocketClients tracks currently connected GUI clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sanoid_manager",
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	})
)
