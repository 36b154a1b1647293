package condition

import "strings"

// Operator is the canonical condition operator enum (spec §3.2).
type Operator byte

const (
	OpEQ Operator = iota
	OpNE
	OpGT
	OpGTE
	OpLT
	OpLTE
	OpIN
	OpNotIN
	OpBetween
	OpContains
	OpStartsWith
	OpEndsWith
	OpRegex
	OpExists
)

var opAliases = map[string]Operator{
	"eq": OpEQ, "=": OpEQ, "==": OpEQ, "equals": OpEQ,
	"ne": OpNE, "!=": OpNE, "neq": OpNE,
	"gt": OpGT, ">": OpGT,
	"gte": OpGTE, ">=": OpGTE,
	"lt": OpLT, "<": OpLT,
	"lte": OpLTE, "<=": OpLTE,
	"in":     OpIN,
	"not_in": OpNotIN, "nin": OpNotIN,
	"between":      OpBetween,
	"contains":     OpContains,
	"starts_with":  OpStartsWith, "startswith": OpStartsWith,
	"ends_with": OpEndsWith, "endswith": OpEndsWith,
	"regex": OpRegex, "matches": OpRegex, "~": OpRegex,
	"exists": OpExists,
}

var opCanonical = map[Operator]string{
	OpEQ: "EQ", OpNE: "NE", OpGT: "GT", OpGTE: "GTE", OpLT: "LT", OpLTE: "LTE",
	OpIN: "IN", OpNotIN: "NOT_IN", OpBetween: "BETWEEN", OpContains: "CONTAINS",
	OpStartsWith: "STARTS_WITH", OpEndsWith: "ENDS_WITH", OpRegex: "REGEX",
	OpExists: "EXISTS",
}

// ParseOperator normalizes an operator alias string into the canonical
// enum (§3.2). The second return is false for unrecognized strings.
func ParseOperator(s string) (Operator, bool) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// String returns the canonical uppercase form, so that
// ParseOperator(op.String()) == (op, true) for every Operator (§8 round-trip).
func (op Operator) String() string {
	return opCanonical[op]
}

func init() {
	// Every canonical name must itself parse back to its operator.
	for op, name := range opCanonical {
		opAliases[strings.ToLower(name)] = op
	}
}
