package flow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	ActiveRuns         prometheus.Gauge
	RunsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageRetries       *prometheus.CounterVec
	MergeConflicts     prometheus.Counter
	CheckpointFailures prometheus.Counter
	HubDrops           prometheus.Counter
}

// NewMetrics creates the collectors and, when reg is non-nil, registers them
// under the agentflow namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "runs_active",
			Help:      "Number of runs currently executing.",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "stage_duration_seconds",
			Help:      "Stage attempt latency by stage and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "outcome"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "stage_retries_total",
			Help:      "Stage retry attempts by stage.",
		}, []string{"stage"}),
		MergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "merge_conflicts_total",
			Help:      "Reducer conflicts detected at fan-in.",
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint store write failures.",
		}),
		HubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "hub_dropped_events_total",
			Help:      "Events dropped by overflowing subscriber mailboxes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveRuns, m.RunsTotal, m.StageDuration, m.StageRetries,
			m.MergeConflicts, m.CheckpointFailures, m.HubDrops,
		)
	}
	return m
}
