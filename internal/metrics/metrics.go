// Package metrics registers the platform's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles all instruments and the registry serving /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsAccepted  *prometheus.CounterVec
	ReadingsRejected  *prometheus.CounterVec
	PipelineSaturated prometheus.Counter
	BatchFlushes      prometheus.Counter
	BatchFlushSize    prometheus.Histogram

	RuleEvaluations prometheus.Counter
	RuleHits        *prometheus.CounterVec
	RuleSuppressed  prometheus.Counter
	RuleDegraded    prometheus.Counter

	AlertTransitions *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	RealtimeDrops    prometheus.Counter
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ReadingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidemark_readings_accepted_total",
			Help: "Readings accepted into the pipeline, by adapter.",
		}, []string{"adapter"}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidemark_readings_rejected_total",
			Help: "Readings rejected by a pipeline stage, by stage.",
		}, []string{"stage"}),
		PipelineSaturated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_pipeline_saturated_total",
			Help: "Enqueue attempts refused while the pipeline was saturated.",
		}),
		BatchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_batch_flushes_total",
			Help: "Batches flushed to the time-series store.",
		}),
		BatchFlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tidemark_batch_flush_size",
			Help:    "Rows per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		RuleEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_rule_evaluations_total",
			Help: "Rule evaluator invocations.",
		}),
		RuleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidemark_rule_hits_total",
			Help: "Rule hits emitted, by severity.",
		}, []string{"severity"}),
		RuleSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_rule_hits_suppressed_total",
			Help: "Rule hits suppressed by cool-down.",
		}),
		RuleDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_rules_degraded_total",
			Help: "Rules marked degraded by evaluator failures.",
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidemark_alert_transitions_total",
			Help: "Alert state transitions applied, by target state.",
		}, []string{"to_state"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidemark_dispatch_outcomes_total",
			Help: "Notification delivery outcomes, by channel and status.",
		}, []string{"channel", "status"}),
		RealtimeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidemark_realtime_subscribers_dropped_total",
			Help: "Realtime subscribers disconnected for falling behind.",
		}),
	}

	reg.MustRegister(
		m.ReadingsAccepted, m.ReadingsRejected, m.PipelineSaturated,
		m.BatchFlushes, m.BatchFlushSize,
		m.RuleEvaluations, m.RuleHits, m.RuleSuppressed, m.RuleDegraded,
		m.AlertTransitions, m.DispatchOutcomes, m.RealtimeDrops,
	)
	return m
}
