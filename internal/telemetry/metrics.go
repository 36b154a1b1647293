// Package telemetry wires the engine's Prometheus metrics. Logging stays
// on a plain `log.Printf("[Component] ...")` idiom throughout the rest
// of the codebase (see DESIGN.md) — this package only owns the
// counters/histograms surfaced on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram the engine publishes. A single
// instance is built at startup and shared by the evaluator, loader, and
// outbox.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	EngineErrorsTotal  *prometheus.CounterVec
	OutboxDropsTotal   prometheus.Counter
	OutboxPublishTotal *prometheus.CounterVec
	LoadSheddingTotal  prometheus.Counter
	VelocityErrors     prometheus.Counter
	EvaluationDuration *prometheus.HistogramVec
	RulesetReloads     *prometheus.CounterVec
}

// NewMetrics registers every engine metric against the given registerer.
// Pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests that want isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardfraud_decisions_total",
			Help: "Decisions returned by the engine, by evaluation type, action, and engine mode.",
		}, []string{"evaluation_type", "decision", "engine_mode"}),
		EngineErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardfraud_engine_errors_total",
			Help: "In-band engine error codes attached to returned decisions.",
		}, []string{"error_code"}),
		OutboxDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardfraud_outbox_drops_total",
			Help: "Decision envelopes dropped because the in-memory outbox queue was full.",
		}),
		OutboxPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardfraud_outbox_publish_total",
			Help: "Outbox publish attempts, by stream and result.",
		}, []string{"stream", "result"}),
		LoadSheddingTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardfraud_load_shedding_total",
			Help: "Requests refused admission by the load shedding gate.",
		}),
		VelocityErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardfraud_velocity_errors_total",
			Help: "Velocity store calls that failed or timed out.",
		}),
		EvaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardfraud_evaluation_duration_seconds",
			Help:    "End-to-end evaluation latency, by evaluation type.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"evaluation_type"}),
		RulesetReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardfraud_ruleset_reloads_total",
			Help: "Ruleset reload attempts, by country, key, and result.",
		}, []string{"country", "key", "result"}),
	}
}

// ObserveDecision records a completed decision's outcome and latency.
func (m *Metrics) ObserveDecision(evaluationType, decision, engineMode string, errorCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(evaluationType, decision, engineMode).Inc()
	if errorCode != "" {
		m.EngineErrorsTotal.WithLabelValues(errorCode).Inc()
	}
	m.EvaluationDuration.WithLabelValues(evaluationType).Observe(durationSeconds)
}

// IncOutboxDrop records one event dropped to non-strict backpressure.
func (m *Metrics) IncOutboxDrop() {
	if m == nil {
		return
	}
	m.OutboxDropsTotal.Inc()
}

// ObserveOutboxPublish records one publish attempt to a stream, by result
// ("ok" or "error").
func (m *Metrics) ObserveOutboxPublish(streamKey, result string) {
	if m == nil {
		return
	}
	m.OutboxPublishTotal.WithLabelValues(streamKey, result).Inc()
}

// IncVelocityError records one velocity store call that failed or timed out.
func (m *Metrics) IncVelocityError() {
	if m == nil {
		return
	}
	m.VelocityErrors.Inc()
}

// ObserveRulesetReload records one loader reload attempt, by result
// ("installed", "unchanged", or "error").
func (m *Metrics) ObserveRulesetReload(country, key, result string) {
	if m == nil {
		return
	}
	m.RulesetReloads.WithLabelValues(country, key, result).Inc()
}
