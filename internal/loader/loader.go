// Package loader fetches, validates, compiles, and installs ruleset
// artifacts into the registry (spec §4.5, C5). Retry/backoff structure
// follows the long-poll retry loop in emergent-company-specmcp's
// internal/emergent client, rebuilt here on cenkalti/backoff/v4 instead
// of a hand-rolled timer so the exponential schedule and jitter come
// from a maintained library rather than bespoke arithmetic.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rawblock/cardfraud-engine/internal/condition"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/telemetry"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// Source fetches a ruleset manifest and artifact body for a country/key.
// A concrete implementation talks to whatever artifact store the
// deployment uses (object storage, a config service, a file path); the
// loader itself is transport-agnostic.
type Source interface {
	Fetch(ctx context.Context, country, key string) (models.ArtifactManifest, []byte, error)
}

// RuleSpec is the declarative, on-the-wire form of one rule inside a
// ruleset artifact, decoded from JSON before compilation.
type RuleSpec struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Action        string           `json:"action"`
	Priority      int              `json:"priority"`
	Enabled       bool             `json:"enabled"`
	Scope         ScopeSpec        `json:"scope"`
	Conditions    []condition.Spec `json:"conditions"`
	Velocity      *VelocitySpec    `json:"velocity,omitempty"`
	RuleVersionID string           `json:"rule_version_id"`
}

// ScopeSpec is the on-the-wire scope binding. Each dimension accepts
// either a single value or a set of values (§3.5 "a single value or a
// set of values (OR within a dimension)"); both may be present at once.
type ScopeSpec struct {
	Scope string `json:"scope"`

	Network  string   `json:"network,omitempty"`
	Networks []string `json:"networks,omitempty"`

	BIN  string   `json:"bin,omitempty"`
	BINs []string `json:"bins,omitempty"`

	MCC  string   `json:"mcc,omitempty"`
	MCCs []string `json:"mccs,omitempty"`

	Logo  string   `json:"logo,omitempty"`
	Logos []string `json:"logos,omitempty"`
}

// VelocitySpec is the on-the-wire velocity counter config.
type VelocitySpec struct {
	Dimension     string `json:"dimension"`
	WindowSeconds int    `json:"window_seconds"`
	Threshold     int64  `json:"threshold"`
	KeyTemplate   string `json:"key_template"`
}

// Artifact is the decoded ruleset artifact body: everything needed to
// compile into a ruleset.Ruleset (§4.4-§4.5).
type Artifact struct {
	SchemaVersion    int        `json:"schema_version"`
	FieldRegistryVer int        `json:"field_registry_version"`
	Rules            []RuleSpec `json:"rules"`
}

const (
	// maxArtifactBytes bounds a single ruleset artifact so a malformed
	// or malicious manifest cannot exhaust loader memory (§4.5).
	maxArtifactBytes = 16 << 20
	// maxSchemaVersion is the highest artifact schema this build
	// understands; anything newer is refused rather than guessed at.
	maxSchemaVersion = 1
)

// scopeOf parses a ScopeSpec into a ruleset.ScopeBinding.
func scopeOf(s ScopeSpec) (ruleset.ScopeBinding, error) {
	var scope ruleset.Scope
	switch s.Scope {
	case "GLOBAL", "":
		scope = ruleset.ScopeGlobal
	case "NETWORK":
		scope = ruleset.ScopeNetwork
	case "BIN":
		scope = ruleset.ScopeBIN
	case "MCC":
		scope = ruleset.ScopeMCC
	case "LOGO":
		scope = ruleset.ScopeLogo
	case "COMBINED":
		scope = ruleset.ScopeCombined
	default:
		return ruleset.ScopeBinding{}, fmt.Errorf("loader: unknown scope %q", s.Scope)
	}
	// card_network/card_logo scope matching is case-insensitive (§3.5);
	// canonicalize at artifact-decode time so every downstream bucket
	// key and comparison already sees the canonical case.
	return ruleset.ScopeBinding{
		Scope:    scope,
		Network:  strings.ToUpper(s.Network),
		Networks: upperAll(s.Networks),
		BIN:      s.BIN,
		BINs:     s.BINs,
		MCC:      s.MCC,
		MCCs:     s.MCCs,
		Logo:     strings.ToUpper(s.Logo),
		Logos:    upperAll(s.Logos),
	}, nil
}

func upperAll(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func actionOf(s string) (models.Action, error) {
	switch s {
	case "APPROVE":
		return models.ActionApprove, nil
	case "DECLINE":
		return models.ActionDecline, nil
	case "REVIEW":
		return models.ActionReview, nil
	default:
		return "", fmt.Errorf("loader: unknown action %q", s)
	}
}

// Compile turns a decoded Artifact into a ruleset.Ruleset. A single bad
// rule fails the whole artifact (§4.5 "all-or-nothing install").
func Compile(key, country string, version int, checksum string, art Artifact) (*ruleset.Ruleset, error) {
	rules := make([]*ruleset.Rule, 0, len(art.Rules))
	for _, rs := range art.Rules {
		scope, err := scopeOf(rs.Scope)
		if err != nil {
			return nil, fmt.Errorf("loader: rule %s: %w", rs.ID, err)
		}
		action, err := actionOf(rs.Action)
		if err != nil {
			return nil, fmt.Errorf("loader: rule %s: %w", rs.ID, err)
		}
		matchAll, compiled, err := condition.CompileAll(rs.Conditions)
		if err != nil {
			return nil, fmt.Errorf("loader: rule %s: %w", rs.ID, err)
		}

		var vel *ruleset.VelocityConfig
		if rs.Velocity != nil {
			vel = &ruleset.VelocityConfig{
				Dimension:     rs.Velocity.Dimension,
				WindowSeconds: rs.Velocity.WindowSeconds,
				Threshold:     rs.Velocity.Threshold,
				KeyTemplate:   rs.Velocity.KeyTemplate,
			}
		}

		rules = append(rules, &ruleset.Rule{
			ID:            rs.ID,
			Name:          rs.Name,
			Action:        action,
			Priority:      rs.Priority,
			Enabled:       rs.Enabled,
			Scope:         scope,
			Conditions:    compiled,
			MatchAll:      matchAll,
			Velocity:      vel,
			RuleVersionID: rs.RuleVersionID,
			Version:       version,
		})
	}
	return ruleset.Build(key, country, version, checksum, art.FieldRegistryVer, rules), nil
}

// Checksum computes the artifact content hash used to detect drift
// between the manifest's declared checksum and the fetched body.
// crypto/sha256 is the idiomatic stdlib tool for content hashing; no
// pack example reaches for a third-party checksum library for this.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ManifestRecorder persists a ruleset artifact manifest to durable
// history once it has been installed (§6.2 audit trail). Optional:
// a Loader with no recorder attached simply skips the history write.
type ManifestRecorder interface {
	RecordManifest(ctx context.Context, country, key string, m models.ArtifactManifest) error
}

// Loader owns periodic reload of one country/key ruleset slot against a
// Source, retaining the last-known-good compiled ruleset on any failure
// (§4.5 "fail-open to last-known-good").
type Loader struct {
	source   Source
	registry *ruleset.Registry
	decoder  func([]byte, *Artifact) error
	history  ManifestRecorder
	metrics  *telemetry.Metrics
}

func New(source Source, registry *ruleset.Registry, decoder func([]byte, *Artifact) error) *Loader {
	return &Loader{source: source, registry: registry, decoder: decoder}
}

// SetHistory attaches a ManifestRecorder so every successful install is
// also appended to durable manifest history. Not required for the
// loader to function; deployments without an archive store leave this
// unset.
func (l *Loader) SetHistory(h ManifestRecorder) {
	l.history = h
}

// SetMetrics attaches the shared telemetry sink. Optional; every
// Metrics method tolerates a nil receiver.
func (l *Loader) SetMetrics(m *telemetry.Metrics) {
	l.metrics = m
}

// LoadOnce fetches, validates, compiles, and installs one country/key
// ruleset, retrying transient fetch failures with exponential backoff.
// It never overwrites the currently installed ruleset with a failed
// attempt: an error here leaves the registry exactly as it was.
func (l *Loader) LoadOnce(ctx context.Context, country, key string) (err error) {
	result := "error"
	defer func() { l.metrics.ObserveRulesetReload(country, key, result) }()

	var manifest models.ArtifactManifest
	var body []byte

	op := func() error {
		var err error
		manifest, body, err = l.source.Fetch(ctx, country, key)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("loader: fetch %s/%s: %w", country, key, err)
	}

	if len(body) > maxArtifactBytes {
		return fmt.Errorf("loader: artifact %s/%s exceeds size limit (%d bytes)", country, key, len(body))
	}
	if manifest.SchemaVersion > maxSchemaVersion {
		return fmt.Errorf("loader: artifact %s/%s schema version %d exceeds supported %d", country, key, manifest.SchemaVersion, maxSchemaVersion)
	}

	sum := Checksum(body)
	if manifest.Checksum != "" && manifest.Checksum != sum {
		return fmt.Errorf("loader: artifact %s/%s checksum mismatch: manifest %s, computed %s", country, key, manifest.Checksum, sum)
	}

	// If the fetched manifest matches what is already installed, skip
	// recompiling and reinstalling: the fetch round-trip still happened
	// (the Source contract doesn't split a cheap manifest-only check from
	// the artifact body), but this avoids needless compiler/bucket work
	// and an unnecessary registry swap on every poll tick (§4.5).
	if installed, ok := l.registry.Get(country, key); ok && installed.Version == manifest.Version && installed.ArtifactChecksum == sum {
		result = "unchanged"
		return nil
	}

	var art Artifact
	if err := l.decoder(body, &art); err != nil {
		return fmt.Errorf("loader: decode %s/%s: %w", country, key, err)
	}

	rs, err2 := Compile(key, country, manifest.Version, sum, art)
	if err2 != nil {
		return fmt.Errorf("loader: compile %s/%s: %w", country, key, err2)
	}

	if err2 := l.registry.Install(country, key, rs); err2 != nil {
		return fmt.Errorf("loader: install %s/%s: %w", country, key, err2)
	}
	result = "installed"

	log.Printf("[Loader] installed %s/%s version=%d rules=%d checksum=%s", country, key, rs.Version, len(rs.Rules), sum)

	if l.history != nil {
		if err := l.history.RecordManifest(ctx, country, key, manifest); err != nil {
			log.Printf("[Loader] failed to record manifest history for %s/%s: %v", country, key, err)
		}
	}
	return nil
}

// Watch reloads a country/key ruleset on a fixed interval until ctx is
// canceled. A failed reload is logged and the previous ruleset keeps
// serving traffic (§4.5).
func (l *Loader) Watch(ctx context.Context, country, key string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.LoadOnce(ctx, country, key); err != nil {
				log.Printf("[Loader] reload failed for %s/%s: %v (retaining last-known-good)", country, key, err)
			}
		}
	}
}
