// Package condition compiles declarative rule conditions into allocation-
// free predicate closures over a txmodel.Transaction (spec §3.2, §4.2, C2).
// There is no interpreter loop or dynamic dispatch on the evaluation path:
// every condition is turned into a Go closure once, at load time, and the
// closure alone runs per transaction.
package condition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
)

// Predicate is a compiled condition: given a transaction, report whether
// it matches. Implementations must not allocate on the hot path beyond
// what was fixed at compile time.
type Predicate func(tx *txmodel.Transaction) bool

// Spec is the declarative form a rule condition arrives in (from a
// ruleset artifact), before compilation.
type Spec struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Low      any      `json:"low,omitempty"`
	High     any      `json:"high,omitempty"`
}

// Compiled pairs a predicate with the metadata needed to report a
// ConditionEval entry during debug-mode evaluation (§3.5, §4.6).
type Compiled struct {
	Field    fieldreg.FieldID
	Operator Operator
	Expected any
	Match    Predicate
}

const inSetThreshold = 8

// Compile turns a single declarative condition into a Compiled predicate.
// An unknown operator fails compilation, but an unresolvable field name
// does not: it compiles to a predicate that always returns false (see
// below), so one rule author's typo can't take down an entire artifact.
func Compile(spec Spec) (*Compiled, error) {
	op, ok := ParseOperator(spec.Operator)
	if !ok {
		return nil, fmt.Errorf("condition: unknown operator %q", spec.Operator)
	}

	fieldID, ok := fieldreg.Global.ID(spec.Field)
	if !ok {
		// §4.2 step 1 (locked): an unresolvable field name compiles to an
		// always-false predicate rather than failing the rule — a rule
		// author referencing a field that doesn't exist (yet, or a typo)
		// should not take down the whole ruleset artifact at load time.
		return &Compiled{Field: fieldreg.Unknown, Operator: op, Expected: spec.Value, Match: func(*txmodel.Transaction) bool { return false }}, nil
	}

	kind := fieldreg.Global.KindOf(fieldID)

	var pred Predicate
	var err error
	switch op {
	case OpExists:
		pred = existsPredicate(fieldID)
	case OpEQ:
		pred, err = eqPredicate(fieldID, kind, spec.Value)
	case OpNE:
		var inner Predicate
		inner, err = eqPredicate(fieldID, kind, spec.Value)
		if err == nil {
			pred = negate(fieldID, inner)
		}
	case OpGT, OpGTE, OpLT, OpLTE:
		pred, err = comparePredicate(fieldID, kind, op, spec.Value)
	case OpIN, OpNotIN:
		pred, err = inPredicate(fieldID, kind, op, spec.Values)
	case OpBetween:
		pred, err = betweenPredicate(fieldID, kind, spec.Low, spec.High)
	case OpContains:
		pred, err = stringRelPredicate(fieldID, op, spec.Value)
	case OpStartsWith:
		pred, err = stringRelPredicate(fieldID, op, spec.Value)
	case OpEndsWith:
		pred, err = stringRelPredicate(fieldID, op, spec.Value)
	case OpRegex:
		pred, err = regexPredicate(fieldID, spec.Value)
	default:
		return nil, fmt.Errorf("condition: unsupported operator %q", spec.Operator)
	}
	if err != nil {
		return nil, err
	}

	return &Compiled{Field: fieldID, Operator: op, Expected: spec.Value, Match: pred}, nil
}

// CompileAll compiles every condition of a rule and combines them with a
// short-circuiting logical AND (§4.2 step 4). An empty slice always matches.
func CompileAll(specs []Spec) (Predicate, []*Compiled, error) {
	compiled := make([]*Compiled, 0, len(specs))
	for _, s := range specs {
		c, err := Compile(s)
		if err != nil {
			return nil, nil, err
		}
		compiled = append(compiled, c)
	}
	return func(tx *txmodel.Transaction) bool {
		for _, c := range compiled {
			if !c.Match(tx) {
				return false
			}
		}
		return true
	}, compiled, nil
}

func existsPredicate(id fieldreg.FieldID) Predicate {
	return func(tx *txmodel.Transaction) bool {
		return tx.Present(id)
	}
}

// negate wraps a predicate so that UNDEFINED/NULL still yields non-match
// rather than flipping to true (§3.2 null semantics: "never matches
// except EXISTS", which applies symmetrically to NE).
func negate(id fieldreg.FieldID, inner Predicate) Predicate {
	return func(tx *txmodel.Transaction) bool {
		if !tx.Present(id) {
			return false
		}
		return !inner(tx)
	}
}

func eqPredicate(id fieldreg.FieldID, kind fieldreg.Kind, expected any) (Predicate, error) {
	switch kind {
	case fieldreg.KindDecimal:
		want, err := toDecimalLiteral(expected)
		if err != nil {
			return nil, err
		}
		return func(tx *txmodel.Transaction) bool {
			got, ok := tx.GetDecimal(id)
			return ok && got.Equal(want)
		}, nil
	case fieldreg.KindBool:
		want, ok := expected.(bool)
		if !ok {
			return nil, fmt.Errorf("condition: EQ expects bool value, got %T", expected)
		}
		return func(tx *txmodel.Transaction) bool {
			got, ok := tx.GetBool(id)
			return ok && got == want
		}, nil
	default:
		want, err := toStringLiteral(expected)
		if err != nil {
			return nil, err
		}
		return func(tx *txmodel.Transaction) bool {
			got, ok := tx.GetString(id)
			return ok && got == want
		}, nil
	}
}

func comparePredicate(id fieldreg.FieldID, kind fieldreg.Kind, op Operator, expected any) (Predicate, error) {
	want, err := toFloat64(expected)
	if err != nil {
		return nil, err
	}
	get := numericGetter(id, kind)
	return func(tx *txmodel.Transaction) bool {
		got, ok := get(tx)
		if !ok {
			return false
		}
		switch op {
		case OpGT:
			return got > want
		case OpGTE:
			return got >= want
		case OpLT:
			return got < want
		case OpLTE:
			return got <= want
		default:
			return false
		}
	}, nil
}

func betweenPredicate(id fieldreg.FieldID, kind fieldreg.Kind, lowV, highV any) (Predicate, error) {
	low, err := toFloat64(lowV)
	if err != nil {
		return nil, err
	}
	high, err := toFloat64(highV)
	if err != nil {
		return nil, err
	}
	if low > high {
		low, high = high, low // tolerate swapped bounds (§3.2 edge case)
	}
	get := numericGetter(id, kind)
	return func(tx *txmodel.Transaction) bool {
		got, ok := get(tx)
		return ok && got >= low && got <= high
	}, nil
}

// numericGetter returns a float64 accessor regardless of whether the
// field is stored as decimal; comparisons promote to float64 (§4.2).
func numericGetter(id fieldreg.FieldID, kind fieldreg.Kind) func(*txmodel.Transaction) (float64, bool) {
	if kind == fieldreg.KindDecimal {
		return func(tx *txmodel.Transaction) (float64, bool) {
			d, ok := tx.GetDecimal(id)
			if !ok {
				return 0, false
			}
			f, _ := d.Float64()
			return f, true
		}
	}
	return func(tx *txmodel.Transaction) (float64, bool) {
		s, ok := tx.GetString(id)
		if !ok {
			return 0, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		f, _ := d.Float64()
		return f, true
	}
}

// inPredicate builds a set-membership predicate. For 8 or more members it
// prehashes into a map so membership is O(1) instead of a linear scan
// repeated per transaction.
func inPredicate(id fieldreg.FieldID, kind fieldreg.Kind, op Operator, values []any) (Predicate, error) {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		s, err := toStringLiteral(v)
		if err != nil {
			return nil, err
		}
		strs = append(strs, s)
	}

	var member func(string) bool
	if len(strs) >= inSetThreshold {
		set := make(map[string]struct{}, len(strs))
		for _, s := range strs {
			set[s] = struct{}{}
		}
		member = func(s string) bool {
			_, ok := set[s]
			return ok
		}
	} else {
		member = func(s string) bool {
			for _, want := range strs {
				if s == want {
					return true
				}
			}
			return false
		}
	}

	fetch := stringFetcher(id, kind)
	if op == OpIN {
		return func(tx *txmodel.Transaction) bool {
			s, ok := fetch(tx)
			return ok && member(s)
		}, nil
	}
	return func(tx *txmodel.Transaction) bool {
		s, ok := fetch(tx)
		if !ok {
			return false
		}
		return !member(s)
	}, nil
}

func stringFetcher(id fieldreg.FieldID, kind fieldreg.Kind) func(*txmodel.Transaction) (string, bool) {
	if kind == fieldreg.KindDecimal {
		return func(tx *txmodel.Transaction) (string, bool) {
			d, ok := tx.GetDecimal(id)
			if !ok {
				return "", false
			}
			return d.String(), true
		}
	}
	return func(tx *txmodel.Transaction) (string, bool) {
		return tx.GetString(id)
	}
}

func stringRelPredicate(id fieldreg.FieldID, op Operator, expected any) (Predicate, error) {
	want, err := toStringLiteral(expected)
	if err != nil {
		return nil, err
	}
	return func(tx *txmodel.Transaction) bool {
		got, ok := tx.GetString(id)
		if !ok {
			return false
		}
		switch op {
		case OpContains:
			return strings.Contains(got, want)
		case OpStartsWith:
			return strings.HasPrefix(got, want)
		case OpEndsWith:
			return strings.HasSuffix(got, want)
		default:
			return false
		}
	}, nil
}

// regexPredicate compiles the pattern with the standard library's RE2
// engine, which guarantees linear-time matching regardless of input — a
// requirement on a path attackers can feed. An invalid pattern does not
// fail compilation: like an unresolvable field name, it compiles to a
// predicate that always reports false, so one rule author's bad pattern
// can't take down an entire artifact on the hot path.
func regexPredicate(id fieldreg.FieldID, expected any) (Predicate, error) {
	pattern, err := toStringLiteral(expected)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(*txmodel.Transaction) bool { return false }, nil
	}
	return func(tx *txmodel.Transaction) bool {
		got, ok := tx.GetString(id)
		if !ok {
			return false
		}
		return re.MatchString(got)
	}, nil
}

func toStringLiteral(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return 0, fmt.Errorf("condition: cannot parse %q as number: %w", t, err)
		}
		f, _ := d.Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("condition: cannot convert %T to number", v)
	}
}

func toDecimalLiteral(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, fmt.Errorf("condition: cannot convert %T to decimal", v)
	}
}
