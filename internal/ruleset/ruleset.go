package ruleset

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// scopeCacheSize bounds the scope-tuple → applicable-rules cache. On
// overflow the LRU simply evicts the coldest tuple; there is no
// correctness dependency on the cache, only a latency one.
const scopeCacheSize = 2048

// Ruleset is one compiled, immutable version of a country/key ruleset
// artifact (§3.4, §4.4). Once built it is never mutated; a reload builds
// a new Ruleset and the registry swaps the pointer.
type Ruleset struct {
	Key              string
	Country          string
	Version          int
	ArtifactChecksum string
	FieldRegistryVer int
	Rules            []*Rule

	global    []*Rule
	byNetwork map[string][]*Rule
	byMCC     map[string][]*Rule
	byLogo    map[string][]*Rule
	byBIN     []*Rule // scanned by descending prefix length, not map-bucketed

	bucketOnce sync.Once

	cache *lru.Cache[scopeTuple, []*Rule]
}

type scopeTuple struct {
	network, bin, mcc, logo string
}

// Build indexes the rules into scope buckets (BIN and COMBINED rules
// pre-sorted by prefix length); the full traversal order is applied per
// scope tuple in Applicable. Called once when a ruleset is installed (§4.4), never on the hot path.
func Build(key, country string, version int, checksum string, fieldRegistryVer int, rules []*Rule) *Ruleset {
	rs := &Ruleset{
		Key:              key,
		Country:          country,
		Version:          version,
		ArtifactChecksum: checksum,
		FieldRegistryVer: fieldRegistryVer,
		Rules:            rules,
	}
	cache, _ := lru.New[scopeTuple, []*Rule](scopeCacheSize)
	rs.cache = cache
	rs.initBuckets()
	return rs
}

// initBuckets performs the once-only bucket construction (§4.4). Build
// calls it eagerly; further calls are cheap no-ops.
func (rs *Ruleset) initBuckets() {
	rs.bucketOnce.Do(func() {
		rs.byNetwork = make(map[string][]*Rule)
		rs.byMCC = make(map[string][]*Rule)
		rs.byLogo = make(map[string][]*Rule)
		for _, r := range rs.Rules {
			switch r.Scope.Scope {
			case ScopeGlobal:
				rs.global = append(rs.global, r)
			case ScopeNetwork:
				for _, key := range r.Scope.networkKeys() {
					rs.byNetwork[key] = append(rs.byNetwork[key], r)
				}
			case ScopeMCC:
				for _, key := range r.Scope.mccKeys() {
					rs.byMCC[key] = append(rs.byMCC[key], r)
				}
			case ScopeLogo:
				for _, key := range r.Scope.logoKeys() {
					rs.byLogo[key] = append(rs.byLogo[key], r)
				}
			case ScopeBIN, ScopeCombined:
				rs.byBIN = append(rs.byBIN, r)
			}
		}
		sort.SliceStable(rs.byBIN, func(i, j int) bool {
			return rs.byBIN[i].Scope.prefixLen() > rs.byBIN[j].Scope.prefixLen()
		})
	})
}

// Applicable returns the rules bound to the given scope tuple, in
// traversal order: specificity descending, then longer BIN prefix, then
// priority descending, then APPROVE before other actions (§3.4). Results are cached per
// distinct tuple seen.
func (rs *Ruleset) Applicable(network, bin, mcc, logo string) []*Rule {
	// card_network/card_logo scope matching is case-insensitive (§3.5);
	// callers that already went through Transaction.ScopeKey pass
	// canonicalized values, but Applicable canonicalizes again so any
	// caller gets the same behavior regardless of input case.
	network = canonicalScope(network)
	logo = canonicalScope(logo)

	tuple := scopeTuple{network, bin, mcc, logo}
	if cached, ok := rs.cache.Get(tuple); ok {
		return cached
	}

	var matched []*Rule
	matched = append(matched, rs.global...)
	matched = append(matched, rs.byNetwork[network]...)
	matched = append(matched, rs.byMCC[mcc]...)
	matched = append(matched, rs.byLogo[logo]...)
	for _, r := range rs.byBIN {
		if r.Scope.matches(network, bin, mcc, logo) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return less(matched[i], matched[j])
	})

	rs.cache.Add(tuple, matched)
	return matched
}

// less implements the traversal comparator (§3.4): specificity
// descending, then longer BIN prefix first, then priority descending,
// then APPROVE-first so an approve can short-circuit an equally-ranked
// decline in AUTH evaluation only when the ruleset author left priority
// tied; rule ID is the final tiebreaker.
func less(a, b *Rule) bool {
	sa, sb := a.Scope.Scope.specificity(), b.Scope.Scope.specificity()
	if sa != sb {
		return sa > sb
	}
	if pa, pb := a.Scope.prefixLen(), b.Scope.prefixLen(); pa != pb {
		return pa > pb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	aApprove := a.Action == models.ActionApprove
	bApprove := b.Action == models.ActionApprove
	if aApprove != bApprove {
		return aApprove
	}
	return a.ID < b.ID
}
