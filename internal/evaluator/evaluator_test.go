package evaluator

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/condition"
	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

type fakeOutbox struct {
	events []models.DecisionEvent
}

func (f *fakeOutbox) Enqueue(e models.DecisionEvent) error {
	f.events = append(f.events, e)
	return nil
}

type fakeVelocity struct {
	results map[string]models.VelocityResult
	err     error
}

func (f *fakeVelocity) Evaluate(ctx context.Context, tx *txmodel.Transaction, rules []*ruleset.Rule) (map[string]models.VelocityResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func mustCompile(t *testing.T, field, op string, val any) *condition.Compiled {
	t.Helper()
	c, err := condition.Compile(condition.Spec{Field: field, Operator: op, Value: val})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func mustCompileAll(t *testing.T, specs []condition.Spec) (condition.Predicate, []*condition.Compiled) {
	t.Helper()
	pred, compiled, err := condition.CompileAll(specs)
	if err != nil {
		t.Fatalf("compile all: %v", err)
	}
	return pred, compiled
}

// buildSeedRuleset reproduces spec §8's seed scenario ruleset:
// R1 DECLINE/BIN(4111)/amount>1000, R2 DECLINE/NETWORK(VISA)/country=RU,
// R3 APPROVE/GLOBAL/no conditions.
func buildSeedRuleset(t *testing.T) *ruleset.Ruleset {
	t.Helper()

	pred1, compiled1 := mustCompileAll(t, []condition.Spec{{Field: "amount", Operator: "GT", Value: 1000.0}})
	r1 := &ruleset.Rule{ID: "R1", Action: models.ActionDecline, Priority: 50, Enabled: true,
		Scope: ruleset.ScopeBinding{Scope: ruleset.ScopeBIN, BIN: "4111"}, Conditions: compiled1, MatchAll: pred1}

	pred2, compiled2 := mustCompileAll(t, []condition.Spec{{Field: "country_code", Operator: "EQ", Value: "RU"}})
	r2 := &ruleset.Rule{ID: "R2", Action: models.ActionDecline, Priority: 80, Enabled: true,
		Scope: ruleset.ScopeBinding{Scope: ruleset.ScopeNetwork, Network: "VISA"}, Conditions: compiled2, MatchAll: pred2}

	pred3, compiled3 := mustCompileAll(t, nil)
	r3 := &ruleset.Rule{ID: "R3", Action: models.ActionApprove, Priority: 10, Enabled: true,
		Scope: ruleset.ScopeBinding{Scope: ruleset.ScopeGlobal}, Conditions: compiled3, MatchAll: pred3}

	return ruleset.Build(RulesetKeyAuth, "US", 1, "chk1", 1, []*ruleset.Rule{r1, r2, r3})
}

func txWith(amount float64, bin, network, country string) *txmodel.Transaction {
	tx := txmodel.New()
	tx.SetDecimal(fieldreg.Amount, decimal.NewFromFloat(amount))
	tx.SetString(fieldreg.CardBin, bin)
	tx.SetString(fieldreg.CardNetwork, network)
	tx.SetString(fieldreg.CountryCode, country)
	return tx
}

func newEvaluator(t *testing.T, rs *ruleset.Ruleset) (*Evaluator, *fakeOutbox) {
	t.Helper()
	reg := ruleset.NewRegistry()
	if rs != nil {
		if err := reg.Install("US", RulesetKeyAuth, rs); err != nil {
			t.Fatal(err)
		}
	}
	box := &fakeOutbox{}
	ev := New(reg, &fakeVelocity{results: map[string]models.VelocityResult{}}, box, box, nil, DefaultConfig())
	return ev, box
}

func TestS1SpecificBeatsPriority(t *testing.T) {
	rs := buildSeedRuleset(t)
	ev, _ := newEvaluator(t, rs)
	tx := txWith(1500, "411122", "VISA", "RU")

	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-1")
	if dec.Decision != models.ActionDecline {
		t.Fatalf("Decision = %v, want DECLINE", dec.Decision)
	}
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "R1" {
		t.Fatalf("MatchedRules = %+v, want [R1]", dec.MatchedRules)
	}
}

func TestS2ScopeFiltersOut(t *testing.T) {
	rs := buildSeedRuleset(t)
	ev, _ := newEvaluator(t, rs)
	tx := txWith(1500, "555500", "VISA", "RU")

	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-2")
	if dec.Decision != models.ActionDecline {
		t.Fatalf("Decision = %v, want DECLINE", dec.Decision)
	}
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "R2" {
		t.Fatalf("MatchedRules = %+v, want [R2]", dec.MatchedRules)
	}
}

func TestS3NoMatch(t *testing.T) {
	rs := buildSeedRuleset(t)
	ev, _ := newEvaluator(t, rs)
	tx := txWith(20, "555500", "VISA", "US")

	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-3")
	if dec.Decision != models.ActionApprove {
		t.Fatalf("Decision = %v, want APPROVE", dec.Decision)
	}
	if len(dec.MatchedRules) != 0 {
		t.Fatalf("MatchedRules = %+v, want none", dec.MatchedRules)
	}
}

func TestS4FailOpenOnMissingRuleset(t *testing.T) {
	ev, _ := newEvaluator(t, nil)
	tx := txWith(20, "555500", "VISA", "US")

	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-4")
	if dec.Decision != models.ActionApprove {
		t.Fatalf("Decision = %v, want APPROVE", dec.Decision)
	}
	if dec.EngineMode != models.EngineModeFailOpen {
		t.Fatalf("EngineMode = %v, want FAIL_OPEN", dec.EngineMode)
	}
	if dec.EngineErrorCode != models.ErrRulesetNotLoaded {
		t.Fatalf("EngineErrorCode = %v, want RULESET_NOT_LOADED", dec.EngineErrorCode)
	}
}

func TestS5VelocityGate(t *testing.T) {
	pred, compiled := mustCompileAll(t, []condition.Spec{{Field: "amount", Operator: "GT", Value: 1000.0}})
	r1 := &ruleset.Rule{
		ID: "R1v", Action: models.ActionDecline, Priority: 50, Enabled: true,
		Scope:      ruleset.ScopeBinding{Scope: ruleset.ScopeBIN, BIN: "4111"},
		Conditions: compiled, MatchAll: pred,
		Velocity: &ruleset.VelocityConfig{Dimension: "card_hash", WindowSeconds: 60, Threshold: 3, KeyTemplate: "{card_hash}"},
	}
	rs := ruleset.Build(RulesetKeyAuth, "US", 1, "chk", 1, []*ruleset.Rule{r1})

	reg := ruleset.NewRegistry()
	if err := reg.Install("US", RulesetKeyAuth, rs); err != nil {
		t.Fatal(err)
	}
	box := &fakeOutbox{}

	// First two requests: velocity count below threshold -> non-contributing -> APPROVE.
	vel := &fakeVelocity{results: map[string]models.VelocityResult{
		"R1v": {Count: 1, Threshold: 3, Exceeded: false},
	}}
	ev := New(reg, vel, box, box, nil, DefaultConfig())
	tx := txWith(1500, "411122", "VISA", "US")
	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-5a")
	if dec.Decision != models.ActionApprove {
		t.Fatalf("first request Decision = %v, want APPROVE (below threshold)", dec.Decision)
	}

	// Third/fourth requests: threshold crossed -> contributing -> DECLINE.
	vel.results = map[string]models.VelocityResult{
		"R1v": {Count: 3, Threshold: 3, Exceeded: true},
	}
	dec = ev.EvaluateAuth(context.Background(), tx, "US", "tx-5c")
	if dec.Decision != models.ActionDecline {
		t.Fatalf("third request Decision = %v, want DECLINE (threshold crossed)", dec.Decision)
	}
}

func TestS6MonitoringPassThrough(t *testing.T) {
	pred2, compiled2 := mustCompileAll(t, []condition.Spec{{Field: "country_code", Operator: "EQ", Value: "RU"}})
	r2 := &ruleset.Rule{ID: "R2", Action: models.ActionDecline, Priority: 80, Enabled: true,
		Scope: ruleset.ScopeBinding{Scope: ruleset.ScopeNetwork, Network: "VISA"}, Conditions: compiled2, MatchAll: pred2}
	rs := ruleset.Build(RulesetKeyMonitoring, "US", 1, "chk", 1, []*ruleset.Rule{r2})

	reg := ruleset.NewRegistry()
	if err := reg.Install("US", RulesetKeyMonitoring, rs); err != nil {
		t.Fatal(err)
	}
	box := &fakeOutbox{}
	ev := New(reg, &fakeVelocity{results: map[string]models.VelocityResult{}}, box, box, nil, DefaultConfig())

	tx := txWith(1500, "555500", "VISA", "RU")
	dec, err := ev.EvaluateMonitoring(context.Background(), tx, "US", "tx-6", models.ActionDecline)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if dec.Decision != models.ActionDecline {
		t.Fatalf("Decision = %v, want DECLINE (caller-supplied)", dec.Decision)
	}
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "R2" {
		t.Fatalf("MatchedRules = %+v, want [R2]", dec.MatchedRules)
	}
}

func TestMonitoringMissingDecisionFailsValidation(t *testing.T) {
	ev, _ := newEvaluator(t, nil)
	tx := txWith(1500, "555500", "VISA", "RU")

	_, err := ev.EvaluateMonitoring(context.Background(), tx, "US", "tx-7", "")
	if err == nil {
		t.Fatal("expected validation error for missing decision")
	}
	var verr *ErrInvalidMonitoringDecision
	if !asInvalidMonitoringDecision(err, &verr) || verr.Code != models.ErrMissingDecision {
		t.Fatalf("expected MISSING_DECISION error, got %v", err)
	}
}

func TestMonitoringInvalidDecisionFailsValidation(t *testing.T) {
	ev, _ := newEvaluator(t, nil)
	tx := txWith(1500, "555500", "VISA", "RU")

	_, err := ev.EvaluateMonitoring(context.Background(), tx, "US", "tx-8", models.ActionReview)
	if err == nil {
		t.Fatal("expected validation error for invalid decision")
	}
	var verr *ErrInvalidMonitoringDecision
	if !asInvalidMonitoringDecision(err, &verr) || verr.Code != models.ErrInvalidDecision {
		t.Fatalf("expected INVALID_DECISION error, got %v", err)
	}
}

func asInvalidMonitoringDecision(err error, target **ErrInvalidMonitoringDecision) bool {
	v, ok := err.(*ErrInvalidMonitoringDecision)
	if !ok {
		return false
	}
	*target = v
	return true
}

func TestLoadSheddingReturnsDegradedApprove(t *testing.T) {
	rs := buildSeedRuleset(t)
	reg := ruleset.NewRegistry()
	if err := reg.Install("US", RulesetKeyAuth, rs); err != nil {
		t.Fatal(err)
	}
	shedder := NewShedder(1)
	admitted, release := shedder.Admit()
	if !admitted {
		t.Fatal("expected first permit to be admitted")
	}
	defer release()

	box := &fakeOutbox{}
	ev := New(reg, &fakeVelocity{}, box, box, shedder, DefaultConfig())
	tx := txWith(1500, "411122", "VISA", "RU")

	dec := ev.EvaluateAuth(context.Background(), tx, "US", "tx-9")
	if dec.EngineMode != models.EngineModeDegraded || dec.EngineErrorCode != models.ErrLoadShedding {
		t.Fatalf("expected LOAD_SHEDDING degraded decision, got mode=%v code=%v", dec.EngineMode, dec.EngineErrorCode)
	}
	if dec.Decision != models.ActionApprove {
		t.Fatalf("Decision = %v, want APPROVE under load shedding", dec.Decision)
	}
}

func TestOutboxReceivesNormalDecisions(t *testing.T) {
	rs := buildSeedRuleset(t)
	ev, box := newEvaluator(t, rs)
	tx := txWith(20, "555500", "VISA", "US")

	ev.EvaluateAuth(context.Background(), tx, "US", "tx-10")
	if len(box.events) != 1 {
		t.Fatalf("expected 1 outbox event, got %d", len(box.events))
	}
	if box.events[0].DecisionReason != models.ReasonDefaultAllow {
		t.Errorf("DecisionReason = %v, want DEFAULT_ALLOW", box.events[0].DecisionReason)
	}
}
