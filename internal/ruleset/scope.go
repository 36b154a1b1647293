// Package ruleset holds the compiled rule and ruleset model: scope
// hierarchy, traversal ordering, and the registry that swaps rulesets in
// atomically (spec §3.3-§3.4, C3-C4).
package ruleset

import "strings"

// Scope identifies which dimension of a transaction a rule is bound to.
// COMBINED rules carry more than one dimension simultaneously.
type Scope byte

const (
	ScopeGlobal Scope = iota
	ScopeNetwork
	ScopeBIN
	ScopeMCC
	ScopeLogo
	ScopeCombined
)

// specificity orders scopes for the traversal comparator (§3.4): more
// specific scopes are evaluated before less specific ones. COMBINED is
// always the most specific since it constrains on more than one axis.
var specificityRank = map[Scope]int{
	ScopeGlobal:   0,
	ScopeNetwork:  1,
	ScopeMCC:      2,
	ScopeLogo:     3,
	ScopeBIN:      4,
	ScopeCombined: 5,
}

func (s Scope) specificity() int {
	return specificityRank[s]
}

// ScopeBinding is the concrete dimension values a rule is bound to. Empty
// strings/nil slices mean "not constrained on this dimension" for that
// rule. Each dimension may carry either a single value (Network/BIN/MCC/
// Logo) or a set of values (Networks/BINs/MCCs/Logos) — the set matches
// OR-within-dimension (§3.5 "A scope may carry a single value or a set
// of values"). Both forms may be populated; matching checks the union.
type ScopeBinding struct {
	Scope Scope

	Network  string
	Networks []string

	BIN  string
	BINs []string

	MCC  string
	MCCs []string

	Logo  string
	Logos []string
}

// matches reports whether the binding applies to the given transaction
// scope tuple. BIN matching is by longest-prefix (§3.3 Open Question):
// a bound BIN of "4111" matches a transaction card_bin of "411122"
// because it is a prefix, and among competing bindings the longer
// prefix is preferred by the caller via prefixLen.
func (b ScopeBinding) matches(network, bin, mcc, logo string) bool {
	switch b.Scope {
	case ScopeGlobal:
		return true
	case ScopeNetwork:
		return b.matchesNetwork(network)
	case ScopeBIN:
		return b.matchesBIN(bin)
	case ScopeMCC:
		return b.matchesMCC(mcc)
	case ScopeLogo:
		return b.matchesLogo(logo)
	case ScopeCombined:
		if b.hasNetwork() && !b.matchesNetwork(network) {
			return false
		}
		if b.hasBIN() && !b.matchesBIN(bin) {
			return false
		}
		if b.hasMCC() && !b.matchesMCC(mcc) {
			return false
		}
		if b.hasLogo() && !b.matchesLogo(logo) {
			return false
		}
		return true
	default:
		return false
	}
}

// networkKeys/mccKeys/logoKeys enumerate every bucket key a NETWORK/MCC/
// LOGO-scoped rule must be indexed under so a lookup on any one bound
// value finds it (§3.5 OR-within-dimension).
func (b ScopeBinding) networkKeys() []string {
	keys := make([]string, 0, 1+len(b.Networks))
	if b.Network != "" {
		keys = append(keys, canonicalScope(b.Network))
	}
	for _, n := range b.Networks {
		keys = append(keys, canonicalScope(n))
	}
	return keys
}

func (b ScopeBinding) mccKeys() []string {
	keys := make([]string, 0, 1+len(b.MCCs))
	if b.MCC != "" {
		keys = append(keys, b.MCC)
	}
	keys = append(keys, b.MCCs...)
	return keys
}

func (b ScopeBinding) logoKeys() []string {
	keys := make([]string, 0, 1+len(b.Logos))
	if b.Logo != "" {
		keys = append(keys, canonicalScope(b.Logo))
	}
	for _, l := range b.Logos {
		keys = append(keys, canonicalScope(l))
	}
	return keys
}

func (b ScopeBinding) hasNetwork() bool { return b.Network != "" || len(b.Networks) > 0 }
func (b ScopeBinding) hasBIN() bool     { return b.BIN != "" || len(b.BINs) > 0 }
func (b ScopeBinding) hasMCC() bool     { return b.MCC != "" || len(b.MCCs) > 0 }
func (b ScopeBinding) hasLogo() bool    { return b.Logo != "" || len(b.Logos) > 0 }

func (b ScopeBinding) matchesNetwork(network string) bool {
	if b.Network != "" && strings.EqualFold(b.Network, network) {
		return true
	}
	for _, n := range b.Networks {
		if strings.EqualFold(n, network) {
			return true
		}
	}
	return false
}

func (b ScopeBinding) matchesBIN(bin string) bool {
	if b.BIN != "" && isBINPrefix(b.BIN, bin) {
		return true
	}
	for _, p := range b.BINs {
		if isBINPrefix(p, bin) {
			return true
		}
	}
	return false
}

func (b ScopeBinding) matchesMCC(mcc string) bool {
	if b.MCC != "" && b.MCC == mcc {
		return true
	}
	for _, m := range b.MCCs {
		if m == mcc {
			return true
		}
	}
	return false
}

func (b ScopeBinding) matchesLogo(logo string) bool {
	if b.Logo != "" && strings.EqualFold(b.Logo, logo) {
		return true
	}
	for _, l := range b.Logos {
		if strings.EqualFold(l, logo) {
			return true
		}
	}
	return false
}

// canonicalScope upper-cases a scope dimension value so card_network and
// card_logo bucket keys and lookups compare case-insensitively (§3.5)
// without every caller repeating the normalization.
func canonicalScope(s string) string {
	return strings.ToUpper(s)
}

func isBINPrefix(bound, actual string) bool {
	if len(bound) > len(actual) {
		return false
	}
	return actual[:len(bound)] == bound
}

// prefixLen returns the length of the longest bound BIN prefix, used to
// break ties between two BIN-scoped rules that both match: the longer,
// more specific prefix wins (§3.3 Open Question resolution). When a rule
// binds a set of BIN prefixes, the longest of the set determines its
// rank in the descending-prefix-length scan order.
func (b ScopeBinding) prefixLen() int {
	longest := len(b.BIN)
	for _, p := range b.BINs {
		if len(p) > longest {
			longest = len(p)
		}
	}
	return longest
}
