package ruleset

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
)

// Status reports the installed state of one country/key ruleset slot,
// surfaced on the rulesets listing endpoint (§4.8, §8 GET /v1/rulesets).
type Status struct {
	Key         string
	Country     string
	Version     int
	InstalledAt time.Time
	RuleCount   int
}

// entry holds the live ruleset pointer behind an atomic.Pointer so readers
// never take a lock (§4.4 "atomic swap"); retired versions are not
// tracked: an in-flight evaluation that still holds one keeps it alive.
type entry struct {
	current     atomic.Pointer[Ruleset]
	installedAt atomic.Pointer[time.Time]
}

// Registry holds every installed ruleset, keyed by country+key, with a
// fallback to a global namespace when no country-specific ruleset exists
// (§4.4 "country fallback").
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]*entry // "{country}:{key}"
	byKeyNC map[string]*entry // "{key}" — global/country-less fallback
}

const globalCountry = ""

func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[string]*entry),
		byKeyNC: make(map[string]*entry),
	}
}

func compositeKey(country, key string) string {
	return country + ":" + key
}

// Install atomically swaps in a new ruleset version for country+key. The
// previous version simply stops being referenced by new lookups; any
// evaluation already holding the old pointer runs to completion against
// it (§4.4 "retirement after drain" is satisfied by Go's GC, not an
// explicit refcount, since evaluations hold the pointer for microseconds).
func (reg *Registry) Install(country, key string, rs *Ruleset) error {
	// field_registry_version == 0 means legacy/absent and is always
	// accepted (§3.6); any non-zero value must match the runtime's field
	// registry exactly, or the ruleset is rejected rather than installed
	// against a field schema it was not compiled against (§6.7).
	if rs.FieldRegistryVer != 0 && rs.FieldRegistryVer != fieldreg.Global.Version() {
		return fmt.Errorf("ruleset: field_registry_version %d for %s/%s does not match runtime version %d",
			rs.FieldRegistryVer, country, key, fieldreg.Global.Version())
	}
	composite := compositeKey(country, key)

	reg.mu.Lock()
	e, ok := reg.byKey[composite]
	if !ok {
		e = &entry{}
		reg.byKey[composite] = e
	}
	if country == globalCountry {
		reg.byKeyNC[key] = e
	}
	reg.mu.Unlock()

	now := time.Now()
	e.current.Store(rs)
	e.installedAt.Store(&now)
	return nil
}

// Get resolves the ruleset for country+key, falling back to the
// global-namespace ruleset for that key if no country-specific one is
// installed (§4.4).
func (reg *Registry) Get(country, key string) (*Ruleset, bool) {
	reg.mu.RLock()
	e, ok := reg.byKey[compositeKey(country, key)]
	if !ok {
		e, ok = reg.byKeyNC[key]
	}
	reg.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rs := e.current.Load()
	return rs, rs != nil
}

// ListStatus returns the installed state of every known country/key slot
// (§4.8).
func (reg *Registry) ListStatus() []Status {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]Status, 0, len(reg.byKey))
	for _, e := range reg.byKey {
		rs := e.current.Load()
		if rs == nil {
			continue
		}
		installed := time.Time{}
		if ts := e.installedAt.Load(); ts != nil {
			installed = *ts
		}
		out = append(out, Status{
			Key:         rs.Key,
			Country:     rs.Country,
			Version:     rs.Version,
			InstalledAt: installed,
			RuleCount:   len(rs.Rules),
		})
	}
	return out
}
