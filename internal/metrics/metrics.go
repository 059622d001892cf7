// Package metrics holds the Prometheus collectors of the agent. They are
// registered on the default registry and served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Convergence passes
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "httpdsync_pass_duration_seconds",
			Help:    "Duration of convergence passes in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
	)

	Passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_passes_total",
			Help: "Total number of convergence passes by result",
		},
		[]string{"result"}, // "ok", "invariant", "account", "error"
	)

	LastPassSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpdsync_last_pass_success_timestamp_seconds",
			Help: "Unix time of the last successful convergence pass",
		},
	)

	PassOverrun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpdsync_pass_overrun_total",
			Help: "Passes that took longer than the expected maximum duration",
		},
	)

	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_triggers_total",
			Help: "Pass triggers received, coalesced or not",
		},
		[]string{"source"}, // "start", "timer", "change", "admin"
	)

	// Artifacts and side effects
	ArtifactsChanged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_artifacts_changed_total",
			Help: "Generated files written because their content changed",
		},
		[]string{"kind"}, // "instance", "site", "vhost", "workers", "tmpfiles"
	)

	FilesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "httpdsync_files_removed_total",
			Help: "Paths backed up and removed",
		},
	)

	ServiceActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_service_actions_total",
			Help: "Init system actions taken on instances",
		},
		[]string{"action"}, // "reload", "restart", "start", "stop"
	)

	SiteOpFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_site_op_failures_total",
			Help: "Site daemon operations that failed or timed out",
		},
		[]string{"op"},
	)

	// Admin surface
	AdminRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpdsync_admin_rejected_total",
			Help: "Admin requests refused before reaching a handler",
		},
		[]string{"reason"}, // "cidr", "rate"
	)

	// Concurrency probe
	Concurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpdsync_instance_concurrency",
			Help: "Request slots of the running processes of an instance",
		},
		[]string{"instance"},
	)
)

// ObservePass records one finished pass.
func ObservePass(result string, d, expected time.Duration) {
	PassDuration.Observe(d.Seconds())
	Passes.WithLabelValues(result).Inc()
	if result == "ok" {
		LastPassSuccess.SetToCurrentTime()
	}
	if expected > 0 && d > expected {
		PassOverrun.Inc()
	}
}
