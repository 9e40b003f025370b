// Package metrics holds the Prometheus instruments shared by every pipeline
// stage. Instruments are registered once at package init; stages reference
// them through the exported vectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the current length of each stage input queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alarm",
		Name:      "queue_depth",
		Help:      "Current depth of a stage input queue.",
	}, []string{"stage", "queue"})

	// ProcessLatency observes end-to-end handler latency per stage.
	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "alarm",
		Name:      "process_latency_seconds",
		Help:      "Handler latency by pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	// ProcessedTotal counts records a stage handled successfully.
	ProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "processed_total",
		Help:      "Records processed by stage.",
	}, []string{"stage"})

	// DroppedTotal counts every record dropped anywhere in the pipeline.
	// Reasons: duplicate, priority_inhibited, queue_full, schema_invalid,
	// late_anomaly, qos_blocked, shielded, dlq, lock_contention.
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "dropped_total",
		Help:      "Records dropped, labelled by stage and reason.",
	}, []string{"stage", "reason", "strategy_id"})

	// ErrorsTotal counts per-record errors that did not kill the stage loop.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "errors_total",
		Help:      "Per-record errors by stage and kind.",
	}, []string{"stage", "kind"})

	// AlgorithmErrorsTotal counts evaluation failures per algorithm kind.
	AlgorithmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "algorithm_errors_total",
		Help:      "Detection algorithm failures by kind.",
	}, []string{"algorithm"})

	// AnomaliesTotal counts anomaly points emitted by detect.
	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "anomalies_total",
		Help:      "Anomaly points emitted, labelled by strategy.",
	}, []string{"strategy_id", "level"})

	// AlertsTotal counts alert state transitions.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "alerts_total",
		Help:      "Alert lifecycle transitions (created, recovered, closed).",
	}, []string{"transition"})

	// ConvergedTotal counts alerts folded into an existing converge group.
	ConvergedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "converged_total",
		Help:      "Alerts folded under an active converge key.",
	}, []string{"strategy_id"})

	// ActionsTotal counts dispatched actions by terminal status.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alarm",
		Name:      "actions_total",
		Help:      "Action instances by terminal status.",
	}, []string{"status"})

	// DegradedGroups reports strategy groups whose data source is failing.
	DegradedGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "alarm",
		Name:      "degraded_groups",
		Help:      "Strategy groups currently marked degraded.",
	})
)
