// Package evaluator is the Rule Evaluator (C7) and the two engine entry
// points (C9): evaluateAuth (first-match, returns a business decision)
// and evaluateMonitoring (all-match, carries a caller-supplied decision).
// It orchestrates scope selection, traversal order, condition dispatch,
// velocity checks, decision assembly, and fail-open (spec §4.7, §4.9).
package evaluator

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// VelocityChecker is the subset of velocity.Client the evaluator depends
// on, kept as an interface so the hot path can be exercised without a
// live Redis connection (§4.5, §6.3).
type VelocityChecker interface {
	Evaluate(ctx context.Context, tx *txmodel.Transaction, rules []*ruleset.Rule) (map[string]models.VelocityResult, error)
}

// OutboxAppender is the subset of outbox.Outbox the evaluator depends
// on: a non-blocking enqueue (§4.8, §5 "Suspension points on AUTH").
type OutboxAppender interface {
	Enqueue(event models.DecisionEvent) error
}

// RulesetKey names the two ruleset slots AUTH and MONITORING evaluation
// resolve to within a country.
const (
	RulesetKeyAuth       = "CARD_AUTH"
	RulesetKeyMonitoring = "CARD_MONITORING"
)

// Evaluator owns the registry lookup, velocity checks, and outbox handoff
// for both entry points. A single instance is shared across all workers;
// it holds no per-request mutable state.
type Evaluator struct {
	Registry *ruleset.Registry
	Velocity VelocityChecker
	AuthBox  OutboxAppender
	MonBox   OutboxAppender
	Shedder  *Shedder
	Config   Config
}

// New builds an Evaluator. AuthBox/MonBox/Velocity/Shedder may be nil in
// tests that only exercise the pure rule-matching path.
func New(registry *ruleset.Registry, velocity VelocityChecker, authBox, monBox OutboxAppender, shedder *Shedder, cfg Config) *Evaluator {
	if shedder == nil {
		shedder = NewShedder(cfg.MaxConcurrent)
	}
	return &Evaluator{
		Registry: registry,
		Velocity: velocity,
		AuthBox:  authBox,
		MonBox:   monBox,
		Shedder:  shedder,
		Config:   cfg,
	}
}

// EvaluateAuth is the AUTH entry point (C9): FIRST_MATCH, never throws
// across the boundary, always returns APPROVE or DECLINE as the business
// decision (§4.9, §8 invariant 1-2).
func (e *Evaluator) EvaluateAuth(ctx context.Context, tx *txmodel.Transaction, country, txID string) (dec models.Decision) {
	admitted, release := e.Shedder.Admit()
	if !admitted {
		return loadShedDecision(txID)
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Evaluator] recovered panic during AUTH evaluation tx=%s: %v", txID, r)
			dec = failOpenDecision(txID, models.EvaluationAuth, models.ErrEngineException, fmt.Sprintf("%v", r))
		}
	}()

	start := time.Now()
	var timing models.TimingBreakdown

	lookupStart := time.Now()
	rs, ok := e.Registry.Get(country, RulesetKeyAuth)
	timing.RulesetLookupUs = int64(time.Since(lookupStart) / time.Microsecond)
	if !ok {
		log.Printf("[Evaluator] no ruleset installed for country=%s key=%s, failing open", country, RulesetKeyAuth)
		return failOpenDecision(txID, models.EvaluationAuth, models.ErrRulesetNotLoaded, "no active ruleset for country/key")
	}

	ctxStart := time.Now()
	network, bin, mcc, logo := tx.ScopeKey()
	timing.ContextCreateUs = int64(time.Since(ctxStart) / time.Microsecond)

	traversalStart := time.Now()
	applicable := rs.Applicable(network, bin, mcc, logo)
	timing.ScopeTraversalUs = int64(time.Since(traversalStart) / time.Microsecond)

	dispatchStart := time.Now()
	candidates := matchConditions(applicable, tx)
	timing.DispatchUs = int64(time.Since(dispatchStart) / time.Microsecond)

	velStart := time.Now()
	velResults, velDegraded := e.checkVelocity(ctx, tx, candidates)
	timing.VelocityUs = int64(time.Since(velStart) / time.Microsecond)

	buildStart := time.Now()
	action := models.ActionApprove
	var matched []models.MatchedRule
	var debug []models.ConditionEval
	if e.Config.DebugEnabled && e.sampledForDebug() {
		debug = e.debugTrace(applicable, tx)
	}

	for _, r := range candidates {
		if !contributes(r, velResults) {
			continue
		}
		effective := r.Action
		if effective == models.ActionReview {
			if e.Config.ReviewPolicy != ReviewMapsToDecline {
				continue
			}
			effective = models.ActionDecline
		}
		action = effective
		matched = []models.MatchedRule{toMatchedRule(r, tx)}
		break
	}
	timing.DecisionBuildUs = int64(time.Since(buildStart) / time.Microsecond)

	mode := models.EngineModeNormal
	var errCode models.EngineErrorCode
	if velDegraded {
		mode = models.EngineModeDegraded
		errCode = models.ErrRedisUnavailable
	}

	dec = models.Decision{
		DecisionID:      uuid.NewString(),
		TransactionID:   txID,
		EvaluationType:  models.EvaluationAuth,
		Decision:        action,
		EngineMode:      mode,
		EngineErrorCode: errCode,
		RulesetKey:      rs.Key,
		RulesetVersion:  rs.Version,
		RulesetID:       rs.ArtifactChecksum,
		MatchedRules:    orEmpty(matched),
		VelocityResults: velResults,
		Timestamp:       time.Now(),
		DebugInfo:       debug,
		EngineMetadata:  models.EngineMetadata{EngineVersion: EngineVersion},
	}

	outboxStart := time.Now()
	if err := e.appendOutbox(e.AuthBox, tx, dec); err != nil {
		log.Printf("[Evaluator] outbox append failed tx=%s: %v", txID, err)
		if e.Config.OutboxStrict {
			dec.EngineMode = models.EngineModeDegraded
			dec.EngineErrorCode = models.ErrOutboxUnavailable
			dec.EngineErrorMsg = err.Error()
		}
	}
	timing.OutboxAppendUs = int64(time.Since(outboxStart) / time.Microsecond)

	timing.FinalizationUs = int64(time.Since(start)/time.Microsecond) - timing.RulesetLookupUs - timing.ScopeTraversalUs - timing.DispatchUs - timing.VelocityUs - timing.DecisionBuildUs - timing.OutboxAppendUs - timing.ContextCreateUs
	if timing.FinalizationUs < 0 {
		timing.FinalizationUs = 0
	}
	timing.TotalUs = int64(time.Since(start) / time.Microsecond)
	dec.TimingBreakdown = &timing
	dec.ProcessingTimeMs = timing.TotalUs / 1000
	dec.EngineMetadata.ProcessingTimeMs = dec.ProcessingTimeMs

	return dec
}

// ErrInvalidMonitoringDecision is returned when a MONITORING request
// omits or misuses the required caller-supplied decision (§4.9, §7).
type ErrInvalidMonitoringDecision struct {
	Code models.EngineErrorCode
	Msg  string
}

func (e *ErrInvalidMonitoringDecision) Error() string { return e.Msg }

// EvaluateMonitoring is the MONITORING entry point (C9): ALL_MATCH,
// collects every contributing rule as informational evidence, and
// returns the caller's own decision unchanged (§4.9, §8 invariant 3).
// A missing or invalid callerDecision fails validation before any
// evaluation runs; no event is emitted for it (§4.9).
func (e *Evaluator) EvaluateMonitoring(ctx context.Context, tx *txmodel.Transaction, country, txID string, callerDecision models.Action) (models.Decision, error) {
	switch callerDecision {
	case models.ActionApprove, models.ActionDecline:
	case "":
		return models.Decision{}, &ErrInvalidMonitoringDecision{Code: models.ErrMissingDecision, Msg: "monitoring request missing caller-supplied decision"}
	default:
		return models.Decision{}, &ErrInvalidMonitoringDecision{Code: models.ErrInvalidDecision, Msg: fmt.Sprintf("monitoring decision %q is not APPROVE or DECLINE", callerDecision)}
	}

	dec := e.evaluateMonitoringSafe(ctx, tx, country, txID, callerDecision)
	return dec, nil
}

func (e *Evaluator) evaluateMonitoringSafe(ctx context.Context, tx *txmodel.Transaction, country, txID string, callerDecision models.Action) (dec models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Evaluator] recovered panic during MONITORING evaluation tx=%s: %v", txID, r)
			dec = failOpenDecision(txID, models.EvaluationMonitoring, models.ErrEngineException, fmt.Sprintf("%v", r))
			dec.Decision = callerDecision
		}
	}()

	start := time.Now()
	rs, ok := e.Registry.Get(country, RulesetKeyMonitoring)
	if !ok {
		dec = failOpenDecision(txID, models.EvaluationMonitoring, models.ErrRulesetNotLoaded, "no active ruleset for country/key")
		dec.Decision = callerDecision
		return dec
	}

	network, bin, mcc, logo := tx.ScopeKey()
	applicable := rs.Applicable(network, bin, mcc, logo)
	candidates := matchConditions(applicable, tx)

	velResults, velDegraded := e.checkVelocity(ctx, tx, candidates)

	var matched []models.MatchedRule
	for _, r := range candidates {
		if !contributes(r, velResults) {
			continue
		}
		matched = append(matched, toMatchedRule(r, tx))
	}

	mode := models.EngineModeNormal
	var errCode models.EngineErrorCode
	if velDegraded {
		mode = models.EngineModeDegraded
		errCode = models.ErrRedisUnavailable
	}

	dec = models.Decision{
		DecisionID:      uuid.NewString(),
		TransactionID:   txID,
		EvaluationType:  models.EvaluationMonitoring,
		Decision:        callerDecision,
		EngineMode:      mode,
		EngineErrorCode: errCode,
		RulesetKey:      rs.Key,
		RulesetVersion:  rs.Version,
		RulesetID:       rs.ArtifactChecksum,
		MatchedRules:    orEmpty(matched),
		VelocityResults: velResults,
		Timestamp:       time.Now(),
		EngineMetadata:  models.EngineMetadata{EngineVersion: EngineVersion},
	}
	dec.ProcessingTimeMs = time.Since(start).Milliseconds()
	dec.EngineMetadata.ProcessingTimeMs = dec.ProcessingTimeMs

	if err := e.appendOutbox(e.MonBox, tx, dec); err != nil {
		log.Printf("[Evaluator] monitoring outbox append failed tx=%s: %v", txID, err)
	}
	return dec
}

// matchConditions filters applicable rules down to those whose compiled
// condition set matches, preserving traversal order (§4.7 step 4).
func matchConditions(applicable []*ruleset.Rule, tx *txmodel.Transaction) []*ruleset.Rule {
	var out []*ruleset.Rule
	for _, r := range applicable {
		if r.ConditionsMatch(tx) {
			out = append(out, r)
		}
	}
	return out
}

// checkVelocity runs the batched velocity check for every candidate that
// carries a velocity config. On failure it signals degraded mode rather
// than blocking the caller (§4.5, §4.7 step 5).
func (e *Evaluator) checkVelocity(ctx context.Context, tx *txmodel.Transaction, candidates []*ruleset.Rule) (map[string]models.VelocityResult, bool) {
	needsVelocity := false
	for _, r := range candidates {
		if r.Velocity != nil {
			needsVelocity = true
			break
		}
	}
	if !needsVelocity || e.Velocity == nil {
		return map[string]models.VelocityResult{}, false
	}

	timeout := e.Config.DependencyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Millisecond
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := e.Velocity.Evaluate(vctx, tx, candidates)
	if err != nil {
		log.Printf("[Evaluator] velocity check unavailable, degrading: %v", err)
		return map[string]models.VelocityResult{}, true
	}
	return results, false
}

// contributes reports whether a condition-matched rule's final
// contribution holds: matched AND (velocity absent OR exceeded) (§4.7
// step 5). A velocity config that required a result the batch call
// never produced (degraded) is treated as non-contributing.
func contributes(r *ruleset.Rule, velResults map[string]models.VelocityResult) bool {
	if r.Velocity == nil {
		return true
	}
	vr, ok := velResults[r.ID]
	if !ok {
		return false
	}
	return vr.Exceeded
}

func toMatchedRule(r *ruleset.Rule, tx *txmodel.Transaction) models.MatchedRule {
	values := make(map[string]string, len(r.Conditions))
	for _, c := range r.Conditions {
		values[fieldNameOf(c)] = actualString(tx, c)
	}
	return models.MatchedRule{
		RuleID:        r.ID,
		RuleVersionID: r.RuleVersionID,
		Action:        r.Action,
		ConditionsMet: true,
		ConditionValues: values,
		MatchedAt:     time.Now(),
	}
}

// appendOutbox hands the decision off to the durability pipeline without
// blocking the request (§4.8, §5). The transaction is flattened to a
// context map once here, on the request thread, since the outbox worker
// runs asynchronously and cannot read back into the per-request
// Transaction after this call returns.
func (e *Evaluator) appendOutbox(box OutboxAppender, tx *txmodel.Transaction, dec models.Decision) error {
	if box == nil {
		return nil
	}
	now := time.Now()
	txContext := tx.Context()
	event := models.DecisionEvent{
		TransactionID:      dec.TransactionID,
		OccurredAt:         now,
		ProducedAt:         now,
		Transaction:        txContext,
		Decision:           dec.Decision,
		DecisionReason:     decisionReason(dec),
		EvaluationType:     dec.EvaluationType,
		RulesetKey:         dec.RulesetKey,
		RulesetVersion:      dec.RulesetVersion,
		RulesetID:          dec.RulesetID,
		MatchedRules:       dec.MatchedRules,
		VelocityResults:    dec.VelocityResults,
		TransactionContext: txContext,
		EngineMetadata:     dec.EngineMetadata,
	}
	return box.Enqueue(event)
}

// decisionReason classifies why a decision landed where it did for the
// outbound event schema (§6.6).
func decisionReason(dec models.Decision) models.DecisionReason {
	if len(dec.MatchedRules) == 0 {
		return models.ReasonDefaultAllow
	}
	if vr, ok := dec.VelocityResults[dec.MatchedRules[0].RuleID]; ok && vr.Exceeded {
		return models.ReasonVelocityMatch
	}
	return models.ReasonRuleMatch
}

// sampledForDebug decides whether this request records a debug trace,
// bounding the overhead of debug mode to DebugSampleRate of traffic even
// when enabled (§4.7 "Sampling ... bound the overhead to near zero").
// A rate <= 0 or >= 1 skips the coin flip entirely (always off / always
// on), matching the DefaultConfig() rate of 1.0 used by every caller
// that doesn't otherwise need sampling.
func (e *Evaluator) sampledForDebug() bool {
	rate := e.Config.DebugSampleRate
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return rand.Float64() < rate
}

// debugTrace records per-condition evaluation for every applicable rule,
// bounded by DebugMaxEvaluations so response size stays predictable even
// with a large candidate set (§4.7 "Debug mode").
func (e *Evaluator) debugTrace(applicable []*ruleset.Rule, tx *txmodel.Transaction) []models.ConditionEval {
	var out []models.ConditionEval
	limit := e.Config.DebugMaxEvaluations
	if limit <= 0 {
		limit = 64
	}
	for _, r := range applicable {
		for _, c := range r.Conditions {
			if len(out) >= limit {
				return out
			}
			out = append(out, models.ConditionEval{
				RuleID:   r.ID,
				Field:    fieldNameOf(c),
				Operator: c.Operator.String(),
				Expected: fmt.Sprintf("%v", c.Expected),
				Actual:   actualString(tx, c),
				Matched:  c.Match(tx),
			})
		}
	}
	return out
}

func orEmpty(m []models.MatchedRule) []models.MatchedRule {
	if m == nil {
		return []models.MatchedRule{}
	}
	return m
}

// loadShedDecision is returned by C10 before the engine entry point is
// even reached: admission refused, immediate APPROVE (§4.6).
func loadShedDecision(txID string) models.Decision {
	return models.Decision{
		DecisionID:      uuid.NewString(),
		TransactionID:   txID,
		EvaluationType:  models.EvaluationAuth,
		Decision:        models.ActionApprove,
		EngineMode:      models.EngineModeDegraded,
		EngineErrorCode: models.ErrLoadShedding,
		EngineErrorMsg:  "admission refused: engine at capacity",
		MatchedRules:    []models.MatchedRule{},
		Timestamp:       time.Now(),
		EngineMetadata:  models.EngineMetadata{EngineVersion: EngineVersion},
	}
}

// failOpenDecision produces the APPROVE-with-annotation result required
// whenever the engine cannot evaluate normally (§4.7 "Fail-open
// catch-all", §8 invariant 7).
func failOpenDecision(txID string, evalType models.EvaluationType, code models.EngineErrorCode, msg string) models.Decision {
	mode := models.EngineModeFailOpen
	if code == models.ErrRedisUnavailable {
		mode = models.EngineModeDegraded
	}
	return models.Decision{
		DecisionID:      uuid.NewString(),
		TransactionID:   txID,
		EvaluationType:  evalType,
		Decision:        models.ActionApprove,
		EngineMode:      mode,
		EngineErrorCode: code,
		EngineErrorMsg:  msg,
		MatchedRules:    []models.MatchedRule{},
		Timestamp:       time.Now(),
		EngineMetadata:  models.EngineMetadata{EngineVersion: EngineVersion},
	}
}
