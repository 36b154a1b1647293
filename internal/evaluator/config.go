package evaluator

import "time"

// ReviewPolicy controls how a REVIEW-action rule behaves under AUTH,
// where REVIEW is not a valid business decision.
type ReviewPolicy byte

const (
	// ReviewNonContributing treats a matched REVIEW rule as if it never
	// matched: traversal continues to the next candidate. This is the
	// default — it keeps REVIEW purely informational under AUTH.
	ReviewNonContributing ReviewPolicy = iota
	// ReviewMapsToDecline promotes a matched REVIEW rule to DECLINE for
	// the purposes of the AUTH business decision.
	ReviewMapsToDecline
)

// EngineVersion is stamped into every Decision's EngineMetadata.
const EngineVersion = "cardfraud-engine/1.0"

// Config controls evaluator behavior that is deployment-dependent or
// purely operational.
type Config struct {
	// ReviewPolicy governs AUTH handling of REVIEW-action rules (§8
	// invariant 2, §9).
	ReviewPolicy ReviewPolicy

	// MaxConcurrent bounds in-flight evaluations admitted past the load
	// shedding gate (C10, §4.6). Zero disables the gate entirely — used
	// under load-test profiles to measure raw capacity (§4.6).
	MaxConcurrent int

	// DependencyTimeout bounds every call the evaluator makes to the
	// velocity store; exceeding it degrades rather than blocks (§5).
	DependencyTimeout time.Duration

	// DebugEnabled turns on per-condition evaluation recording (§4.7
	// "Debug mode"). Disabled by default so the hot path pays nothing
	// for it.
	DebugEnabled bool
	// DebugSampleRate is the fraction (0..1) of requests, when debug
	// mode is enabled, that actually record condition evaluations.
	DebugSampleRate float64
	// DebugMaxEvaluations bounds how many ConditionEval entries a single
	// decision can carry, so a ruleset with thousands of candidate rules
	// cannot blow up response size even when sampled in.
	DebugMaxEvaluations int

	// OutboxStrict mirrors outbox.Config.Strict: when true, a full
	// outbox queue fails the AUTH request with OUTBOX_UNAVAILABLE
	// instead of silently dropping the envelope (§4.8, §7).
	OutboxStrict bool
}

// DefaultConfig returns the evaluator's production-safe defaults.
func DefaultConfig() Config {
	return Config{
		ReviewPolicy:        ReviewNonContributing,
		MaxConcurrent:       512,
		DependencyTimeout:   5 * time.Millisecond,
		DebugEnabled:        false,
		DebugSampleRate:     1.0,
		DebugMaxEvaluations: 64,
	}
}
