package condition

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
)

func TestParseOperatorAliases(t *testing.T) {
	cases := map[string]Operator{
		"eq": OpEQ, "=": OpEQ, "EQ": OpEQ,
		"gte": OpGTE, ">=": OpGTE,
		"not_in": OpNotIN, "NIN": OpNotIN,
		"startswith": OpStartsWith,
	}
	for alias, want := range cases {
		got, ok := ParseOperator(alias)
		if !ok || got != want {
			t.Errorf("ParseOperator(%q) = (%v, %v), want (%v, true)", alias, got, ok, want)
		}
	}
}

func TestParseOperatorUnknown(t *testing.T) {
	if _, ok := ParseOperator("frobnicate"); ok {
		t.Error("expected unknown operator string to not parse")
	}
}

func TestOperatorStringRoundTrip(t *testing.T) {
	ops := []Operator{OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE, OpIN, OpNotIN, OpBetween, OpContains, OpStartsWith, OpEndsWith, OpRegex, OpExists}
	for _, op := range ops {
		got, ok := ParseOperator(op.String())
		if !ok || got != op {
			t.Errorf("round trip failed for %v: got (%v, %v)", op, got, ok)
		}
	}
}

func txWithAmount(v float64) *txmodel.Transaction {
	tx := txmodel.New()
	tx.SetDecimal(fieldreg.Amount, decimal.NewFromFloat(v))
	return tx
}

func TestCompileEQString(t *testing.T) {
	c, err := Compile(Spec{Field: "country_code", Operator: "EQ", Value: "RU"})
	if err != nil {
		t.Fatal(err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.CountryCode, "RU")
	if !c.Match(tx) {
		t.Error("expected match")
	}
	tx2 := txmodel.New()
	tx2.SetString(fieldreg.CountryCode, "US")
	if c.Match(tx2) {
		t.Error("expected no match")
	}
}

func TestCompileEQUndefinedNeverMatches(t *testing.T) {
	c, err := Compile(Spec{Field: "country_code", Operator: "EQ", Value: "RU"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Match(txmodel.New()) {
		t.Error("unset field must not match EQ")
	}
}

func TestCompileNEUndefinedNeverMatches(t *testing.T) {
	c, err := Compile(Spec{Field: "country_code", Operator: "NE", Value: "RU"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Match(txmodel.New()) {
		t.Error("unset field must not match NE either")
	}
}

func TestCompileGTDecimal(t *testing.T) {
	c, err := Compile(Spec{Field: "amount", Operator: "GT", Value: 1000.0})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Match(txWithAmount(1500.50)) {
		t.Error("expected 1500.50 > 1000 to match")
	}
	if c.Match(txWithAmount(500)) {
		t.Error("expected 500 > 1000 to not match")
	}
}

func TestCompileBetweenSwappedBounds(t *testing.T) {
	c, err := Compile(Spec{Field: "amount", Operator: "BETWEEN", Low: 1000.0, High: 100.0})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Match(txWithAmount(500)) {
		t.Error("expected swapped bounds to still be tolerated")
	}
}

func TestCompileInSmallSet(t *testing.T) {
	c, err := Compile(Spec{Field: "merchant_category_code", Operator: "IN", Values: []any{"5999", "7995"}})
	if err != nil {
		t.Fatal(err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.MerchantCategoryCode, "7995")
	if !c.Match(tx) {
		t.Error("expected membership match")
	}
}

func TestCompileInLargeSetPrehashed(t *testing.T) {
	values := make([]any, 0, 20)
	for i := 0; i < 20; i++ {
		values = append(values, "bin"+string(rune('A'+i)))
	}
	c, err := Compile(Spec{Field: "card_bin", Operator: "IN", Values: values})
	if err != nil {
		t.Fatal(err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.CardBin, "binJ")
	if !c.Match(tx) {
		t.Error("expected membership match in large set")
	}
}

func TestCompileNotIn(t *testing.T) {
	c, err := Compile(Spec{Field: "country_code", Operator: "NOT_IN", Values: []any{"US", "CA"}})
	if err != nil {
		t.Fatal(err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.CountryCode, "RU")
	if !c.Match(tx) {
		t.Error("RU should not be in {US,CA}")
	}
}

func TestCompileContainsStartsEndsWith(t *testing.T) {
	tx := txmodel.New()
	tx.SetString(fieldreg.MerchantName, "ACME Discount Pharmacy")

	contains, _ := Compile(Spec{Field: "merchant_name", Operator: "CONTAINS", Value: "Discount"})
	starts, _ := Compile(Spec{Field: "merchant_name", Operator: "STARTS_WITH", Value: "ACME"})
	ends, _ := Compile(Spec{Field: "merchant_name", Operator: "ENDS_WITH", Value: "Pharmacy"})

	if !contains.Match(tx) || !starts.Match(tx) || !ends.Match(tx) {
		t.Error("expected all three string relations to match")
	}
}

func TestCompileRegexMatch(t *testing.T) {
	c, err := Compile(Spec{Field: "email", Operator: "REGEX", Value: `^[a-z]+@example\.com$`})
	if err != nil {
		t.Fatal(err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.Email, "alice@example.com")
	if !c.Match(tx) {
		t.Error("expected regex match")
	}
}

func TestCompileRegexInvalidPatternAlwaysFalse(t *testing.T) {
	c, err := Compile(Spec{Field: "email", Operator: "REGEX", Value: "("})
	if err != nil {
		t.Fatalf("expected invalid regex to compile, got error: %v", err)
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.Email, "alice@example.com")
	if c.Match(tx) {
		t.Error("expected invalid regex pattern to always report false")
	}
}

func TestCompileExists(t *testing.T) {
	c, err := Compile(Spec{Field: "device_id", Operator: "EXISTS"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Match(txmodel.New()) {
		t.Error("expected EXISTS to be false on unset field")
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.DeviceID, "")
	if !c.Match(tx) {
		t.Error("expected EXISTS to be true once explicitly set, even to empty string")
	}
}

func TestCompileUnknownFieldAlwaysFalse(t *testing.T) {
	c, err := Compile(Spec{Field: "not_a_field", Operator: "EQ", Value: "x"})
	if err != nil {
		t.Fatalf("expected unknown field to compile to an always-false predicate, got error: %v", err)
	}
	if c.Match(txmodel.New()) {
		t.Error("expected unknown field predicate to never match")
	}
	tx := txmodel.New()
	tx.SetString(fieldreg.CountryCode, "x")
	if c.Match(tx) {
		t.Error("expected unknown field predicate to never match, even against a populated transaction")
	}
}

func TestCompileUnknownOperator(t *testing.T) {
	if _, err := Compile(Spec{Field: "country_code", Operator: "FROB", Value: "x"}); err == nil {
		t.Error("expected unknown operator to fail compilation")
	}
}

func TestCompileAllShortCircuitAND(t *testing.T) {
	pred, compiled, err := CompileAll([]Spec{
		{Field: "country_code", Operator: "EQ", Value: "RU"},
		{Field: "amount", Operator: "GT", Value: 1000.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(compiled) != 2 {
		t.Fatalf("expected 2 compiled conditions, got %d", len(compiled))
	}

	tx := txmodel.New()
	tx.SetString(fieldreg.CountryCode, "RU")
	tx.SetDecimal(fieldreg.Amount, decimal.NewFromFloat(1500))
	if !pred(tx) {
		t.Error("expected both conditions to match")
	}

	tx2 := txmodel.New()
	tx2.SetString(fieldreg.CountryCode, "US")
	tx2.SetDecimal(fieldreg.Amount, decimal.NewFromFloat(1500))
	if pred(tx2) {
		t.Error("expected first condition to fail the AND")
	}
}

func TestCompileAllEmptyAlwaysMatches(t *testing.T) {
	pred, compiled, err := CompileAll(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(compiled) != 0 {
		t.Fatalf("expected 0 compiled conditions, got %d", len(compiled))
	}
	if !pred(txmodel.New()) {
		t.Error("expected empty condition set to always match")
	}
}
