// Package features fetches recent behavioral aggregates for a transaction's
// entities and merges them into a per-request feature Set. Every failure
// mode produces a degraded Set rather than an error.
package features

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/mbd888/auroraguard/internal/txn"
)

// ErrNotFound is returned by a Store when the entity has no aggregates yet.
var ErrNotFound = errors.New("features: entity not found")

// Value is a numeric or categorical feature value.
type Value struct {
	Num         float64
	Str         string
	Categorical bool
}

// Num returns a numeric value.
func Num(v float64) Value { return Value{Num: v} }

// Cat returns a categorical value.
func Cat(s string) Value { return Value{Str: s, Categorical: true} }

func (v Value) String() string {
	if v.Categorical {
		return v.Str
	}
	return strconv.FormatFloat(v.Num, 'f', -1, 64)
}

// MarshalJSON emits a bare number or string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Categorical {
		return json.Marshal(v.Str)
	}
	return json.Marshal(v.Num)
}

// UnmarshalJSON accepts a bare number or string.
func (v *Value) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*v = Num(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*v = Cat(s)
	return nil
}

// Record is what a Store returns for one entity.
type Record struct {
	Fields    map[string]Value
	UpdatedAt time.Time
}

// Issue tags why a Set is degraded.
type Issue string

const (
	IssueTimeout Issue = "timeout" // lookup did not finish in time
	IssuePartial Issue = "partial" // lookup failed or returned incomplete fields
	IssueStale   Issue = "stale"   // record older than the freshness ceiling
)

// Set is the merged feature view for one request. It is owned by that
// request and never shared.
type Set struct {
	Values    map[string]Value `json:"values"`
	Defaulted map[string]bool  `json:"defaulted,omitempty"`
	Degraded  bool             `json:"degraded"`
	// OldestUpdate is the least recent UpdatedAt among records used.
	OldestUpdate time.Time `json:"oldest_update,omitempty"`
	Issues       []Issue   `json:"issues,omitempty"`
}

func newSet() *Set {
	return &Set{Values: map[string]Value{}, Defaulted: map[string]bool{}}
}

// Get returns a feature that holds real data. Missing and defaulted
// features report false.
func (s *Set) Get(name string) (Value, bool) {
	if s == nil || s.Defaulted[name] {
		return Value{}, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// Number returns a numeric feature that holds real data.
func (s *Set) Number(name string) (float64, bool) {
	v, ok := s.Get(name)
	if !ok || v.Categorical {
		return 0, false
	}
	return v.Num, true
}

// Category returns a categorical feature that holds real data.
func (s *Set) Category(name string) (string, bool) {
	v, ok := s.Get(name)
	if !ok || !v.Categorical || v.Str == "" {
		return "", false
	}
	return v.Str, true
}

// IsDefaulted reports whether name holds a fallback value.
func (s *Set) IsDefaulted(name string) bool {
	return s != nil && s.Defaulted[name]
}

// DefaultedNames returns the defaulted feature names, sorted.
func (s *Set) DefaultedNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Defaulted))
	for name := range s.Defaulted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasIssue reports whether the Set carries the given degradation issue.
func (s *Set) HasIssue(issue Issue) bool {
	if s == nil {
		return false
	}
	for _, i := range s.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

func (s *Set) addIssue(issue Issue) {
	s.Degraded = true
	if !s.HasIssue(issue) {
		s.Issues = append(s.Issues, issue)
	}
}

// Spec describes one catalog entry: the Set name, the entity kind it is
// read from, the store field and the fallback value.
type Spec struct {
	Name    string
	Kind    txn.EntityKind
	Field   string
	Default Value
}

// Catalog lists every feature the engine knows about.
type Catalog []Spec

// ForKind returns the entries read from kind.
func (c Catalog) ForKind(kind txn.EntityKind) []Spec {
	var out []Spec
	for _, s := range c {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Names returns every feature name in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.Name
	}
	return out
}

// DefaultCatalog is the velocity and recency set maintained by the
// streaming aggregator. Counts default to zero velocity.
func DefaultCatalog() Catalog {
	return Catalog{
		{Name: "txns_last_1h", Kind: txn.EntityCard, Field: "txns_1h", Default: Num(0)},
		{Name: "txns_last_24h", Kind: txn.EntityCard, Field: "txns_24h", Default: Num(0)},
		{Name: "amount_sum_24h", Kind: txn.EntityCard, Field: "amount_sum_24h", Default: Num(0)},
		{Name: "distinct_merchants_24h", Kind: txn.EntityCard, Field: "distinct_merchants_24h", Default: Num(0)},
		{Name: "device_txns_last_1h", Kind: txn.EntityDevice, Field: "txns_1h", Default: Num(0)},
		{Name: "device_distinct_cards_24h", Kind: txn.EntityDevice, Field: "distinct_cards_24h", Default: Num(0)},
		{Name: "ip_txns_last_1h", Kind: txn.EntityIP, Field: "txns_1h", Default: Num(0)},
		{Name: "ip_country", Kind: txn.EntityIP, Field: "country", Default: Cat("")},
		{Name: "merchant_fraud_rate_30d", Kind: txn.EntityMerchant, Field: "fraud_rate_30d", Default: Num(0)},
	}
}
