package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveDecisionIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision("AUTH_FIRST_MATCH", "DECLINE", "NORMAL", "", 0.001)
	m.ObserveDecision("AUTH_FIRST_MATCH", "APPROVE", "FAIL_OPEN", "RULESET_NOT_LOADED", 0.0005)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, want := range []string{
		"cardfraud_decisions_total",
		"cardfraud_engine_errors_total",
		"cardfraud_evaluation_duration_seconds",
	} {
		if !found[want] {
			t.Errorf("expected metric family %s to be registered", want)
		}
	}
}

func TestObserveDecisionNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("AUTH_FIRST_MATCH", "APPROVE", "NORMAL", "", 0.001)
}

func TestOutboxAndLoaderHelpersIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncOutboxDrop()
	m.ObserveOutboxPublish("outbox:auth", "ok")
	m.IncVelocityError()
	m.ObserveRulesetReload("US", "auth", "installed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, want := range []string{
		"cardfraud_outbox_drops_total",
		"cardfraud_outbox_publish_total",
		"cardfraud_velocity_errors_total",
		"cardfraud_ruleset_reloads_total",
	} {
		if !found[want] {
			t.Errorf("expected metric family %s to be registered", want)
		}
	}
}

func TestNilMetricsHelpersAreNoop(t *testing.T) {
	var m *Metrics
	m.IncOutboxDrop()
	m.ObserveOutboxPublish("outbox:auth", "ok")
	m.IncVelocityError()
	m.ObserveRulesetReload("US", "auth", "installed")
}

func TestMetricCardinalityIsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.LoadSheddingTotal.Inc()
	m.OutboxDropsTotal.Inc()

	var mf dto.MetricFamily
	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "cardfraud_load_shedding_total" {
			mf = *f
		}
	}
	if len(mf.Metric) != 1 {
		t.Fatalf("expected exactly one time series for a non-vec counter, got %d", len(mf.Metric))
	}
}
