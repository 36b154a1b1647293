// Package txmodel is the canonical transaction representation (spec §3.1,
// C1). Field access is by integer ID into a fixed-size array — no map
// lookup, no hashing, on the hot evaluation path.
package txmodel

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
)

// valueKind tags which union member of fieldValue is populated.
type valueKind byte

const (
	unset valueKind = iota
	vString
	vDecimal
	vBool
	vTime
	vRawTime // string not yet parsed (§3.1 "deferred until first read")
)

type fieldValue struct {
	kind valueKind
	str  string
	dec  decimal.Decimal
	b    bool
	t    time.Time
}

// Transaction is a per-request, array-backed record of typed fields plus
// a map of caller-defined custom fields. Constructed once per request and
// immutable after entry-point dispatch (§3.1 lifecycle).
type Transaction struct {
	fields []fieldValue
	custom map[string]any
}

// New allocates a Transaction sized to the current field registry.
func New() *Transaction {
	return &Transaction{
		fields: make([]fieldValue, fieldreg.Global.Count()),
	}
}

// SetString stores a string-valued field by ID.
func (tx *Transaction) SetString(id fieldreg.FieldID, v string) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return
	}
	if id == fieldreg.Timestamp {
		tx.fields[id] = fieldValue{kind: vRawTime, str: v}
		return
	}
	tx.fields[id] = fieldValue{kind: vString, str: v}
}

// SetDecimal stores a decimal-valued field (used for amount).
func (tx *Transaction) SetDecimal(id fieldreg.FieldID, v decimal.Decimal) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return
	}
	tx.fields[id] = fieldValue{kind: vDecimal, dec: v}
}

// SetBool stores a boolean-valued field.
func (tx *Transaction) SetBool(id fieldreg.FieldID, v bool) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return
	}
	tx.fields[id] = fieldValue{kind: vBool, b: v}
}

// SetCustom stores a caller-defined extra field, keyed by name (§3.1).
func (tx *Transaction) SetCustom(name string, v any) {
	if tx.custom == nil {
		tx.custom = make(map[string]any)
	}
	tx.custom[name] = v
}

// Present reports whether a field has been set at all — distinguishes
// UNDEFINED (absent) from NULL (present), which matters only for EXISTS
// (§3.2 null/missing semantics).
func (tx *Transaction) Present(id fieldreg.FieldID) bool {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return false
	}
	return tx.fields[id].kind != unset
}

// GetString returns a field's string value and whether it was present.
func (tx *Transaction) GetString(id fieldreg.FieldID) (string, bool) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return "", false
	}
	fv := tx.fields[id]
	switch fv.kind {
	case vString, vRawTime:
		return fv.str, true
	default:
		return "", false
	}
}

// GetDecimal returns a field's decimal value and whether it was present
// and decimal-typed.
func (tx *Transaction) GetDecimal(id fieldreg.FieldID) (decimal.Decimal, bool) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return decimal.Zero, false
	}
	fv := tx.fields[id]
	if fv.kind != vDecimal {
		return decimal.Zero, false
	}
	return fv.dec, true
}

// GetBool returns a field's boolean value and whether it was present.
func (tx *Transaction) GetBool(id fieldreg.FieldID) (bool, bool) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return false, false
	}
	fv := tx.fields[id]
	if fv.kind != vBool {
		return false, false
	}
	return fv.b, true
}

// commonTimeLayouts covers the formats a caller-supplied timestamp string
// is likely to arrive in, tried in order after RFC3339.
var commonTimeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// GetTime parses the timestamp field on first access and caches the
// result in place (§3.1 "deferred until first read").
func (tx *Transaction) GetTime(id fieldreg.FieldID) (time.Time, bool) {
	if int(id) <= 0 || int(id) >= len(tx.fields) {
		return time.Time{}, false
	}
	fv := tx.fields[id]
	switch fv.kind {
	case vTime:
		return fv.t, true
	case vRawTime:
		for _, layout := range commonTimeLayouts {
			if t, err := time.Parse(layout, fv.str); err == nil {
				tx.fields[id] = fieldValue{kind: vTime, t: t}
				return t, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// GetCustom returns a caller-defined extra field by name.
func (tx *Transaction) GetCustom(name string) (any, bool) {
	if tx.custom == nil {
		return nil, false
	}
	v, ok := tx.custom[name]
	return v, ok
}

// ScopeKey resolves the transaction fields the scope bucket lookup
// needs: network, bin, mcc, logo (§3.6 "applicable-rule computation").
func (tx *Transaction) ScopeKey() (network, bin, mcc, logo string) {
	network, _ = tx.GetString(fieldreg.CardNetwork)
	bin, _ = tx.GetString(fieldreg.CardBin)
	mcc, _ = tx.GetString(fieldreg.MerchantCategoryCode)
	logo, _ = tx.GetString(fieldreg.CardLogo)
	// card_network and card_logo scope matching is case-insensitive
	// (§3.5); canonicalize here so every reader of ScopeKey compares
	// on the same case without repeating the normalization itself.
	network = strings.ToUpper(network)
	logo = strings.ToUpper(logo)
	return
}
