// Package telemetry exposes aegis's Prometheus metrics and OpenTelemetry
// tracing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ToolInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "tool_invocations_total",
		Help:      "Number of tool invocations, labeled by tool id and outcome.",
	}, []string{"tool_id", "outcome"})

	ToolDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegis",
		Name:      "tool_duration_seconds",
		Help:      "Duration of a single tool invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool_id"})

	ToolRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "tool_retries_total",
		Help:      "Number of retry attempts issued by the executor middleware.",
	}, []string{"tool_id"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups, labeled by hit or miss.",
	}, []string{"result"})

	ScheduleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "schedule_runs_total",
		Help:      "Scheduled analysis runs, labeled by terminal status.",
	}, []string{"status"})

	ScheduleEscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "schedule_escalations_total",
		Help:      "Count of cadence escalations triggered by repeated critical findings.",
	})

	FindingsProducedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "findings_produced_total",
		Help:      "Findings produced after consolidation, labeled by severity.",
	}, []string{"severity"})

	WorkspacesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "workspaces_active",
		Help:      "Number of isolated tool workspaces currently checked out.",
	})
)

// RecordToolOutcome increments the invocation counter and duration histogram
// for one completed tool attempt.
func RecordToolOutcome(toolID string, success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ToolInvocationsTotal.WithLabelValues(toolID, outcome).Inc()
	ToolDurationSeconds.WithLabelValues(toolID).Observe(durationSeconds)
}

// RecordCacheLookup increments the cache lookup counter for a hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}
