package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/txn"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rule kinds understood by Compile.
const (
	KindFeatureAbove    = "feature_above"
	KindAmountAbove     = "amount_above"
	KindCountryMismatch = "country_mismatch"
	KindEntityListed    = "entity_listed"
)

// Country references for country_mismatch.
const (
	RefBilling       = "billing"
	RefShipping      = "shipping"
	refFeaturePrefix = "feature:"
)

// Definition is the data form of a rule.
type Definition struct {
	ID        string  `yaml:"id"`
	Kind      string  `yaml:"kind"`
	Priority  int     `yaml:"priority"`
	Severity  float64 `yaml:"severity"`
	HardBlock bool    `yaml:"hard_block"`
	Reason    string  `yaml:"reason"`

	// feature_above
	Feature   string  `yaml:"feature,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`

	// amount_above
	Amount   string `yaml:"amount,omitempty"`
	Currency string `yaml:"currency,omitempty"`

	// country_mismatch
	Left  string `yaml:"left,omitempty"`
	Right string `yaml:"right,omitempty"`

	// entity_listed
	Entity string   `yaml:"entity,omitempty"`
	Values []string `yaml:"values,omitempty"`
}

// File is the on-disk rule set.
type File struct {
	Version string       `yaml:"version"`
	Rules   []Definition `yaml:"rules"`
}

// LoadFile reads a YAML rule file and builds an Engine.
func LoadFile(path string) (*Engine, string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, "", fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule set and builds an Engine. It returns the
// file's version string alongside.
func Parse(data []byte) (*Engine, string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("%w: decode yaml: %v", ErrInvalidRule, err)
	}
	compiled, err := Compile(f.Rules)
	if err != nil {
		return nil, "", err
	}
	engine, err := NewEngine(compiled)
	if err != nil {
		return nil, "", err
	}
	return engine, f.Version, nil
}

// Compile turns definitions into rules.
func Compile(defs []Definition) ([]Rule, error) {
	out := make([]Rule, 0, len(defs))
	for _, d := range defs {
		when, err := d.predicate()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
		}
		out = append(out, Rule{
			ID:        d.ID,
			Priority:  d.Priority,
			Severity:  d.Severity,
			HardBlock: d.HardBlock,
			Reason:    d.Reason,
			When:      when,
		})
	}
	return out, nil
}

func (d Definition) predicate() (Predicate, error) {
	switch d.Kind {
	case KindFeatureAbove:
		if d.Feature == "" {
			return nil, fmt.Errorf("feature is required")
		}
		return featureAbove(d.Feature, d.Threshold), nil

	case KindAmountAbove:
		limit, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %v", d.Amount, err)
		}
		return amountAbove(limit, strings.ToUpper(d.Currency)), nil

	case KindCountryMismatch:
		left, err := countryRef(d.Left)
		if err != nil {
			return nil, err
		}
		right, err := countryRef(d.Right)
		if err != nil {
			return nil, err
		}
		return countryMismatch(left, right), nil

	case KindEntityListed:
		kind := txn.EntityKind(d.Entity)
		switch kind {
		case txn.EntityCard, txn.EntityDevice, txn.EntityIP, txn.EntityMerchant:
		default:
			return nil, fmt.Errorf("unknown entity %q", d.Entity)
		}
		if len(d.Values) == 0 {
			return nil, fmt.Errorf("values must not be empty")
		}
		return entityListed(kind, d.Values), nil

	default:
		return nil, fmt.Errorf("unknown kind %q", d.Kind)
	}
}

func featureAbove(name string, threshold float64) Predicate {
	return func(_ *txn.Request, set *features.Set) bool {
		v, ok := set.Number(name)
		return ok && v > threshold
	}
}

func amountAbove(limit decimal.Decimal, currency string) Predicate {
	return func(req *txn.Request, _ *features.Set) bool {
		if currency != "" && req.Currency != currency {
			return false
		}
		return req.Amount.GreaterThan(limit)
	}
}

type countryFunc func(req *txn.Request, set *features.Set) (string, bool)

func countryRef(ref string) (countryFunc, error) {
	switch {
	case ref == RefBilling:
		return func(req *txn.Request, _ *features.Set) (string, bool) {
			return req.Billing.Country, req.Billing.Country != ""
		}, nil
	case ref == RefShipping:
		return func(req *txn.Request, _ *features.Set) (string, bool) {
			return req.Shipping.Country, req.Shipping.Country != ""
		}, nil
	case strings.HasPrefix(ref, refFeaturePrefix) && len(ref) > len(refFeaturePrefix):
		name := strings.TrimPrefix(ref, refFeaturePrefix)
		return func(_ *txn.Request, set *features.Set) (string, bool) {
			return set.Category(name)
		}, nil
	default:
		return nil, fmt.Errorf("unknown country reference %q", ref)
	}
}

func countryMismatch(left, right countryFunc) Predicate {
	return func(req *txn.Request, set *features.Set) bool {
		l, ok := left(req, set)
		if !ok {
			return false
		}
		r, ok := right(req, set)
		if !ok {
			return false
		}
		return !strings.EqualFold(l, r)
	}
}

func entityListed(kind txn.EntityKind, values []string) Predicate {
	listed := make(map[string]struct{}, len(values))
	for _, v := range values {
		listed[v] = struct{}{}
	}
	return func(req *txn.Request, _ *features.Set) bool {
		id := req.EntityID(kind)
		if id == "" {
			return false
		}
		_, ok := listed[id]
		return ok
	}
}

// DefaultDefinitions is the built-in rule set used when no file is configured.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "card_velocity_1h", Kind: KindFeatureAbove, Priority: 10, Severity: 1.0,
			Feature: "txns_last_1h", Threshold: 10,
			Reason: "card used more than 10 times in the last hour"},
		{ID: "device_card_fanout", Kind: KindFeatureAbove, Priority: 20, Severity: 0.7,
			Feature: "device_distinct_cards_24h", Threshold: 3,
			Reason: "device seen with more than 3 cards in 24h"},
		{ID: "ip_velocity_1h", Kind: KindFeatureAbove, Priority: 30, Severity: 0.5,
			Feature: "ip_txns_last_1h", Threshold: 20,
			Reason: "IP address used for more than 20 payments in the last hour"},
		{ID: "merchant_fraud_rate", Kind: KindFeatureAbove, Priority: 40, Severity: 0.5,
			Feature: "merchant_fraud_rate_30d", Threshold: 0.05,
			Reason: "merchant 30-day fraud rate above 5%"},
		{ID: "billing_ip_country_mismatch", Kind: KindCountryMismatch, Priority: 50, Severity: 0.4,
			Left: RefBilling, Right: refFeaturePrefix + "ip_country",
			Reason: "billing country differs from IP country"},
		{ID: "large_amount_usd", Kind: KindAmountAbove, Priority: 60, Severity: 0.4,
			Amount: "1000", Currency: "USD",
			Reason: "amount above 1000 USD"},
		{ID: "billing_shipping_mismatch", Kind: KindCountryMismatch, Priority: 70, Severity: 0.3,
			Left: RefBilling, Right: RefShipping,
			Reason: "billing and shipping countries differ"},
	}
}

// DefaultRules builds an Engine from DefaultDefinitions.
func DefaultRules() *Engine {
	compiled, err := Compile(DefaultDefinitions())
	if err == nil {
		var e *Engine
		if e, err = NewEngine(compiled); err == nil {
			return e
		}
	}
	panic(fmt.Sprintf("built-in rules do not compile: %v", err))
}
