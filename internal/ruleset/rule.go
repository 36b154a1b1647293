package ruleset

import (
	"time"

	"github.com/rawblock/cardfraud-engine/internal/condition"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// VelocityConfig declares the sliding-window counter a rule needs; the
// evaluator checks it only once the rule's conditions have matched (§3.3, §5).
type VelocityConfig struct {
	Dimension     string
	WindowSeconds int
	Threshold     int64
	KeyTemplate   string // e.g. "{card_hash}" — field(s) forming the counter key
}

// Rule is the compiled, ready-to-evaluate form of a single rule (§3.3,
// C2/C3 boundary): conditions are already closures, not specs.
type Rule struct {
	ID            string
	Name          string
	Action        models.Action
	Priority      int
	Enabled       bool
	Scope         ScopeBinding
	Conditions    []*condition.Compiled
	MatchAll      condition.Predicate
	Velocity      *VelocityConfig
	RuleVersionID string
	Version       int
	CreatedAt     time.Time
}

// ConditionsMatch evaluates the rule's compiled condition set against a
// transaction. Velocity is evaluated separately by the caller, since it
// requires I/O the compiled predicate cannot perform on its own (§4.3),
// and its result is folded into the overall match by the evaluator.
func (r *Rule) ConditionsMatch(tx *txmodel.Transaction) bool {
	if !r.Enabled || r.MatchAll == nil {
		return false
	}
	return r.MatchAll(tx)
}
