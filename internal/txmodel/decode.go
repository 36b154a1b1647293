package txmodel

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
)

// FromMap builds a Transaction from a loosely-typed JSON-decoded map, the
// shape the HTTP transport hands the core after unmarshalling the request
// body. Unknown keys become custom fields rather than being dropped.
func FromMap(raw map[string]any) *Transaction {
	tx := New()
	for key, val := range raw {
		id, known := fieldreg.Global.ID(key)
		if !known {
			tx.SetCustom(key, val)
			continue
		}
		switch fieldreg.Global.KindOf(id) {
		case fieldreg.KindDecimal:
			if d, ok := toDecimal(val); ok {
				tx.SetDecimal(id, d)
			}
		case fieldreg.KindBool:
			if b, ok := val.(bool); ok {
				tx.SetBool(id, b)
			}
		default: // KindString, KindTime — timestamp parsing is deferred
			if s, ok := val.(string); ok {
				tx.SetString(id, s)
			}
		}
	}
	return tx
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	default:
		return decimal.Zero, false
	}
}

// Context returns a flattened map of every field the transaction carries,
// for attaching as transaction_context on a Decision / DecisionEvent
// (§3.7, §6.6) and for debug-mode field snapshots.
func (tx *Transaction) Context() map[string]any {
	out := make(map[string]any, len(tx.fields)+len(tx.custom))
	for id := 1; id < len(tx.fields); id++ {
		fv := tx.fields[fieldreg.FieldID(id)]
		name := fieldreg.Global.Name(fieldreg.FieldID(id))
		switch fv.kind {
		case vString:
			out[name] = fv.str
		case vRawTime:
			out[name] = fv.str
		case vTime:
			out[name] = fv.t
		case vDecimal:
			out[name] = fv.dec.String()
		case vBool:
			out[name] = fv.b
		}
	}
	for k, v := range tx.custom {
		out[k] = v
	}
	return out
}
