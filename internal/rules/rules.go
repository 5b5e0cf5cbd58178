// Package rules evaluates a priority-ordered list of deterministic rules
// against a transaction and its features.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/txn"
)

// ErrInvalidRule is wrapped by every rule compilation failure.
var ErrInvalidRule = errors.New("rules: invalid rule")

// Predicate reports whether a rule fires. Predicates must be pure and
// must not fire on missing or defaulted features.
type Predicate func(req *txn.Request, set *features.Set) bool

// Rule is one evaluator record.
type Rule struct {
	ID        string
	Priority  int // lower runs first
	Severity  float64
	HardBlock bool
	Reason    string
	When      Predicate
}

// Hit is a fired rule.
type Hit struct {
	RuleID    string  `json:"rule_id"`
	Priority  int     `json:"priority"`
	Severity  float64 `json:"severity"`
	HardBlock bool    `json:"hard_block,omitempty"`
	Reason    string  `json:"reason"`
}

// Engine holds an immutable, priority-sorted rule list.
type Engine struct {
	rules []Rule
}

// NewEngine validates rules and orders them by priority, then ID.
func NewEngine(rules []Rule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		switch {
		case r.ID == "":
			return nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
		case seen[r.ID]:
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		case r.When == nil:
			return nil, fmt.Errorf("%w: %s has no predicate", ErrInvalidRule, r.ID)
		case r.Severity < 0 || r.Severity > 1:
			return nil, fmt.Errorf("%w: %s severity %v outside [0,1]", ErrInvalidRule, r.ID, r.Severity)
		}
		seen[r.ID] = true
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Engine{rules: sorted}, nil
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs every rule in priority order and returns the hits plus the
// rule risk: the maximum fired severity clamped to [0,1], or 0 when nothing
// fires. Evaluate has no side effects.
func (e *Engine) Evaluate(req *txn.Request, set *features.Set) ([]Hit, float64) {
	var hits []Hit
	risk := 0.0
	for _, r := range e.rules {
		if !r.When(req, set) {
			continue
		}
		hits = append(hits, Hit{
			RuleID:    r.ID,
			Priority:  r.Priority,
			Severity:  r.Severity,
			HardBlock: r.HardBlock,
			Reason:    r.Reason,
		})
		if r.Severity > risk {
			risk = r.Severity
		}
	}
	return hits, clamp01(risk)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
