package velocity

import (
	"testing"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
)

func TestKeyOfShape(t *testing.T) {
	vel := &ruleset.VelocityConfig{Dimension: "card_hash"}
	got := keyOf("rule-1", vel, "abc123")
	want := "vel:rule-1:card_hash:abc123"
	if got != want {
		t.Errorf("keyOf = %q, want %q", got, want)
	}
}

func TestDimensionValueFromStandardField(t *testing.T) {
	tx := txmodel.New()
	tx.SetString(fieldreg.CardHash, "hash-xyz")
	vel := &ruleset.VelocityConfig{KeyTemplate: "{card_hash}"}
	if got := dimensionValue(tx, vel); got != "hash-xyz" {
		t.Errorf("dimensionValue = %q, want hash-xyz", got)
	}
}

func TestDimensionValueFromCustomField(t *testing.T) {
	tx := txmodel.FromMap(map[string]any{"device_fingerprint": "fp-1"})
	vel := &ruleset.VelocityConfig{KeyTemplate: "{device_fingerprint}"}
	if got := dimensionValue(tx, vel); got != "fp-1" {
		t.Errorf("dimensionValue = %q, want fp-1", got)
	}
}

func TestDimensionValueMissingFieldReturnsEmpty(t *testing.T) {
	tx := txmodel.New()
	vel := &ruleset.VelocityConfig{KeyTemplate: "{card_hash}"}
	if got := dimensionValue(tx, vel); got != "" {
		t.Errorf("dimensionValue = %q, want empty string", got)
	}
}

func TestToInt64(t *testing.T) {
	if n, ok := toInt64(int64(42)); !ok || n != 42 {
		t.Errorf("toInt64(int64) = (%d, %v)", n, ok)
	}
	if n, ok := toInt64("7"); !ok || n != 7 {
		t.Errorf("toInt64(string) = (%d, %v)", n, ok)
	}
	if _, ok := toInt64(3.14); ok {
		t.Error("expected unsupported type to fail conversion")
	}
}

func TestEvaluateSkipsRulesWithoutVelocityConfig(t *testing.T) {
	c := New(nil, 0)
	rules := []*ruleset.Rule{{ID: "r1"}}
	out, err := c.Evaluate(nil, txmodel.New(), rules)
	if err != nil {
		t.Fatalf("unexpected error when no rule requires velocity: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty result map, got %d entries", len(out))
	}
}
