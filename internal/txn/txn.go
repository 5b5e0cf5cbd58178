// Package txn defines the immutable payment event the decision engine scores.
package txn

import (
	"strings"
	"time"

	"github.com/mbd888/auroraguard/internal/validation"
	"github.com/shopspring/decimal"
)

// EntityKind names a class of entity that features are aggregated by.
type EntityKind string

const (
	EntityCard     EntityKind = "card"
	EntityDevice   EntityKind = "device"
	EntityIP       EntityKind = "ip"
	EntityMerchant EntityKind = "merchant"
)

// EntityKey identifies one entity in the feature store.
type EntityKey struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// String renders the store partition key, e.g. "card#4111".
func (k EntityKey) String() string {
	return string(k.Kind) + "#" + k.ID
}

// ParseEntityKey is the inverse of EntityKey.String.
func ParseEntityKey(s string) (EntityKey, bool) {
	kind, id, ok := strings.Cut(s, "#")
	if !ok || kind == "" || id == "" {
		return EntityKey{}, false
	}
	return EntityKey{Kind: EntityKind(kind), ID: id}, true
}

// Address is the coarse geography attached to a payment.
type Address struct {
	Country    string `json:"country,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Request is one payment event. It is built once per call and never mutated.
type Request struct {
	TransactionID string          `json:"transaction_id"`
	CardID        string          `json:"card_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	IP            string          `json:"ip,omitempty"`
	MerchantID    string          `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Billing       Address         `json:"billing"`
	Shipping      Address         `json:"shipping"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EntityKeys returns the request's non-empty entity keys in the fixed
// order card, device, ip, merchant.
func (r *Request) EntityKeys() []EntityKey {
	keys := make([]EntityKey, 0, 4)
	for _, k := range []EntityKey{
		{EntityCard, r.CardID},
		{EntityDevice, r.DeviceID},
		{EntityIP, r.IP},
		{EntityMerchant, r.MerchantID},
	} {
		if k.ID != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// EntityID returns the request's identifier for kind, or "".
func (r *Request) EntityID(kind EntityKind) string {
	switch kind {
	case EntityCard:
		return r.CardID
	case EntityDevice:
		return r.DeviceID
	case EntityIP:
		return r.IP
	case EntityMerchant:
		return r.MerchantID
	}
	return ""
}

// Validate checks required fields. A non-nil result is the only condition
// under which a request is rejected without a decision.
func (r *Request) Validate() error {
	errs := validation.Validate(
		validation.Required("transaction_id", r.TransactionID),
		validation.MaxLength("transaction_id", r.TransactionID, validation.MaxIDLength),
		validation.Required("card_id", r.CardID),
		validation.MaxLength("card_id", r.CardID, validation.MaxIDLength),
		validation.MaxLength("device_id", r.DeviceID, validation.MaxIDLength),
		validation.IP("ip", r.IP),
		validation.Required("merchant_id", r.MerchantID),
		validation.MaxLength("merchant_id", r.MerchantID, validation.MaxIDLength),
		validation.PositiveAmount("amount", r.Amount),
		validation.Currency("currency", r.Currency),
		validation.Country("billing.country", r.Billing.Country),
		validation.Country("shipping.country", r.Shipping.Country),
		validation.NotZeroTime("timestamp", r.Timestamp),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}
