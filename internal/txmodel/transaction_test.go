package txmodel

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
)

func TestSetGetString(t *testing.T) {
	tx := New()
	tx.SetString(fieldreg.CountryCode, "RU")

	got, ok := tx.GetString(fieldreg.CountryCode)
	if !ok || got != "RU" {
		t.Fatalf("GetString = (%q, %v), want (RU, true)", got, ok)
	}
}

func TestUndefinedVsPresent(t *testing.T) {
	tx := New()
	if tx.Present(fieldreg.Email) {
		t.Error("unset field reported as present")
	}
	tx.SetString(fieldreg.Email, "")
	if !tx.Present(fieldreg.Email) {
		t.Error("explicitly-set empty string field reported as absent")
	}
}

func TestAmountIsDecimal(t *testing.T) {
	tx := New()
	amt := decimal.NewFromFloat(1500.50)
	tx.SetDecimal(fieldreg.Amount, amt)

	got, ok := tx.GetDecimal(fieldreg.Amount)
	if !ok || !got.Equal(amt) {
		t.Fatalf("GetDecimal = (%v, %v), want (%v, true)", got, ok, amt)
	}
}

func TestTimestampParsedLazily(t *testing.T) {
	tx := New()
	tx.SetString(fieldreg.Timestamp, "2024-01-15T10:30:00Z")

	// Raw string stored, not yet parsed.
	if tx.fields[fieldreg.Timestamp].kind != vRawTime {
		t.Fatal("timestamp should be stored raw until first read")
	}

	parsed, ok := tx.GetTime(fieldreg.Timestamp)
	if !ok {
		t.Fatal("expected timestamp to parse")
	}
	if parsed.Year() != 2024 {
		t.Errorf("parsed year = %d, want 2024", parsed.Year())
	}
	// Second read hits the cached time.Time, not a re-parse.
	if tx.fields[fieldreg.Timestamp].kind != vTime {
		t.Error("timestamp should be cached as parsed after first read")
	}
}

func TestFromMapUnknownFieldBecomesCustom(t *testing.T) {
	tx := FromMap(map[string]any{
		"country_code": "US",
		"risk_flag":    true,
	})

	if v, ok := tx.GetCustom("risk_flag"); !ok || v != true {
		t.Errorf("custom field risk_flag = (%v, %v), want (true, true)", v, ok)
	}
	if got, _ := tx.GetString(fieldreg.CountryCode); got != "US" {
		t.Errorf("country_code = %q, want US", got)
	}
}

func TestScopeKeyExtraction(t *testing.T) {
	tx := FromMap(map[string]any{
		"card_network":           "VISA",
		"card_bin":               "411122",
		"merchant_category_code": "5999",
		"card_logo":              "PLATINUM",
	})

	network, bin, mcc, logo := tx.ScopeKey()
	if network != "VISA" || bin != "411122" || mcc != "5999" || logo != "PLATINUM" {
		t.Errorf("ScopeKey() = (%q,%q,%q,%q)", network, bin, mcc, logo)
	}
}
