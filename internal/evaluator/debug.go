package evaluator

import (
	"fmt"

	"github.com/rawblock/cardfraud-engine/internal/condition"
	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
)

// fieldNameOf resolves a compiled condition's field back to its
// canonical name for debug traces and matched-rule evidence (§4.7).
func fieldNameOf(c *condition.Compiled) string {
	return fieldreg.Global.Name(c.Field)
}

// actualString reads a compiled condition's field off the transaction
// and renders it as a string regardless of its stored kind, for the
// debug-mode ConditionEval and the matched-rule condition_values map
// (§4.7, §6.6).
func actualString(tx *txmodel.Transaction, c *condition.Compiled) string {
	switch fieldreg.Global.KindOf(c.Field) {
	case fieldreg.KindDecimal:
		if d, ok := tx.GetDecimal(c.Field); ok {
			return d.String()
		}
	case fieldreg.KindBool:
		if b, ok := tx.GetBool(c.Field); ok {
			return fmt.Sprintf("%v", b)
		}
	case fieldreg.KindTime:
		if t, ok := tx.GetTime(c.Field); ok {
			return t.String()
		}
	default:
		if s, ok := tx.GetString(c.Field); ok {
			return s
		}
	}
	return ""
}
