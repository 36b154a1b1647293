// Package fieldreg is the Field Registry: the stable integer-ID contract
// backing typed, allocation-free field access on the Transaction model
// (spec §3.1, §6.7). IDs are assigned once at package init and never
// change — a ruleset whose non-zero field registry version differs from
// this registry's version is rejected at install time.
package fieldreg

import "strings"

// FieldID is a stable, contiguous integer identifying a transaction field.
// 0 is reserved for "unknown".
type FieldID int

// Kind drives the Condition Compiler's typed-comparison dispatch (§4.2).
type Kind byte

const (
	KindString Kind = iota
	KindDecimal
	KindInt
	KindBool
	KindTime
	KindMap
)

const Unknown FieldID = 0

// Standard field IDs, assigned in declaration order. Never renumber —
// rulesets persist these across reloads via field_registry_version.
const (
	TransactionID FieldID = iota + 1
	CardHash
	Amount
	Currency
	MerchantID
	MerchantName
	MerchantCategory
	MerchantCategoryCode
	CardPresent
	TransactionType
	EntryMode
	CountryCode
	IPAddress
	DeviceID
	Email
	Phone
	Timestamp
	BillingCity
	BillingCountry
	BillingPostalCode
	ShippingCity
	ShippingCountry
	ShippingPostalCode
	CardNetwork
	CardBin
	CardLogo

	fieldCount // sentinel, not a real field
)

type fieldDef struct {
	id      FieldID
	name    string
	kind    Kind
	aliases []string
}

var defs = []fieldDef{
	{TransactionID, "transaction_id", KindString, nil},
	{CardHash, "card_hash", KindString, nil},
	{Amount, "amount", KindDecimal, nil},
	{Currency, "currency", KindString, nil},
	{MerchantID, "merchant_id", KindString, nil},
	{MerchantName, "merchant_name", KindString, nil},
	{MerchantCategory, "merchant_category", KindString, nil},
	{MerchantCategoryCode, "merchant_category_code", KindString, []string{"mcc"}},
	{CardPresent, "card_present", KindBool, nil},
	{TransactionType, "transaction_type", KindString, nil},
	{EntryMode, "entry_mode", KindString, nil},
	{CountryCode, "country_code", KindString, nil},
	{IPAddress, "ip_address", KindString, nil},
	{DeviceID, "device_id", KindString, nil},
	{Email, "email", KindString, nil},
	{Phone, "phone", KindString, nil},
	{Timestamp, "timestamp", KindTime, nil},
	{BillingCity, "billing_city", KindString, nil},
	{BillingCountry, "billing_country", KindString, nil},
	{BillingPostalCode, "billing_postal_code", KindString, nil},
	{ShippingCity, "shipping_city", KindString, nil},
	{ShippingCountry, "shipping_country", KindString, nil},
	{ShippingPostalCode, "shipping_postal_code", KindString, nil},
	{CardNetwork, "card_network", KindString, nil},
	{CardBin, "card_bin", KindString, []string{"bin"}},
	{CardLogo, "card_logo", KindString, nil},
}

// version is bumped whenever a field is added. Rulesets carry this value
// and are rejected on mismatch unless it is legacy/absent (§3.6, §6.7).
const version = 1

type Registry struct {
	idByName map[string]FieldID
	nameByID []string
	kindByID []Kind
}

// Global is the process-wide registry built from the standard field table.
// Every runtime component shares this single instance; there is no
// per-tenant field set in v1.
var Global = build()

func build() *Registry {
	r := &Registry{
		idByName: make(map[string]FieldID, len(defs)*2),
		nameByID: make([]string, fieldCount),
		kindByID: make([]Kind, fieldCount),
	}
	for _, d := range defs {
		r.idByName[d.name] = d.id
		for _, a := range d.aliases {
			r.idByName[a] = d.id
		}
		r.nameByID[d.id] = d.name
		r.kindByID[d.id] = d.kind
	}
	return r
}

// Version returns field_registry_version, the compatibility contract of
// spec §6.7.
func (r *Registry) Version() int { return version }

// Count is the number of standard fields, i.e. the array size the
// Transaction model allocates (§4.1).
func (r *Registry) Count() int { return int(fieldCount) }

// ID resolves a field name (or alias) to its stable ID, case-insensitively.
// Unknown names return (Unknown, false); the condition compiler turns
// that into an always-false predicate rather than a load-time failure
// (§4.2 step 1, see internal/condition.Compile).
func (r *Registry) ID(name string) (FieldID, bool) {
	id, ok := r.idByName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Name returns the canonical name for a field ID, satisfying the
// name(id(n)) == n round-trip invariant (spec §8) for standard fields.
func (r *Registry) Name(id FieldID) string {
	if int(id) <= 0 || int(id) >= len(r.nameByID) {
		return ""
	}
	return r.nameByID[id]
}

// KindOf returns the declared Kind for a field ID.
func (r *Registry) KindOf(id FieldID) Kind {
	if int(id) <= 0 || int(id) >= len(r.kindByID) {
		return KindString
	}
	return r.kindByID[id]
}
