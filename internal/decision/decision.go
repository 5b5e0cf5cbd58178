// Package decision fuses rule hits and a calibrated model probability into
// a single approve/review/decline outcome with ranked reasons.
package decision

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/config"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/rules"
	"github.com/mbd888/auroraguard/internal/scoring"
)

// Outcome is the final verdict.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// Path records which precedence branch produced the outcome.
type Path string

const (
	PathHardBlock         Path = "hard_block"
	PathFused             Path = "fused"
	PathFusedUncalibrated Path = "fused_uncalibrated"
	PathRulesOnly         Path = "rules_only"
)

// MaxRuleReasons and MaxFeatureReasons bound the explanation list.
const (
	MaxRuleReasons    = 3
	MaxFeatureReasons = 3
)

// ReasonKind distinguishes rule citations from model contributions.
type ReasonKind string

const (
	ReasonRule    ReasonKind = "rule"
	ReasonFeature ReasonKind = "feature"
)

// Reason is one cited explanation.
type Reason struct {
	Kind   ReasonKind `json:"kind"`
	Code   string     `json:"code"`
	Text   string     `json:"text,omitempty"`
	Weight float64    `json:"weight"`
}

// decisionNamespace seeds the name-based decision IDs.
var decisionNamespace = uuid.MustParse("5f8e5d0c-6a31-4d0e-9b43-a7c1f2d5e8b9")

// Decision is the engine's answer for one transaction. A Decision is
// never modified once returned.
type Decision struct {
	ID               string        `json:"decision_id"`
	TransactionID    string        `json:"transaction_id"`
	Outcome          Outcome       `json:"outcome"`
	Risk             float64       `json:"risk"`
	Reasons          []Reason      `json:"reasons"`
	BudgetExceeded   bool          `json:"budget_exceeded"`
	ModelUnavailable bool          `json:"model_unavailable"`
	FeaturesDegraded bool          `json:"features_degraded"`
	CalibrationStale bool          `json:"calibration_stale"`
	Path             Path          `json:"path"`
	RuleRisk         float64       `json:"rule_risk"`
	ModelScore       *float64      `json:"model_score,omitempty"`
	ModelVersion     string        `json:"model_version,omitempty"`
	CurveVersion     string        `json:"curve_version,omitempty"`
	ScoringError     string        `json:"scoring_error,omitempty"`
	Hits             []rules.Hit   `json:"rule_hits"`
	Degradations     []string      `json:"degradations"`
	Latency          time.Duration `json:"-"`
	LatencyMS        float64       `json:"latency_ms"`
}

// Degraded reports whether any component fell back.
func (d *Decision) Degraded() bool {
	return d.BudgetExceeded || d.ModelUnavailable || d.FeaturesDegraded || d.CalibrationStale
}

// Envelope carries request-scoped fields the governor adds after fusion.
type Envelope struct {
	TransactionID  string
	Degradations   []string
	BudgetExceeded bool
	Latency        time.Duration
}

// Seal returns a copy of d stamped with the envelope. The decision ID is
// derived from the transaction ID so repeated decisions share it.
func (d *Decision) Seal(env Envelope) *Decision {
	out := *d
	out.TransactionID = env.TransactionID
	out.ID = uuid.NewSHA1(decisionNamespace, []byte(env.TransactionID)).String()
	out.BudgetExceeded = env.BudgetExceeded
	out.Degradations = append([]string{}, env.Degradations...)
	out.Latency = env.Latency
	out.LatencyMS = float64(env.Latency.Microseconds()) / 1000
	return &out
}

// Combiner applies the fusion policy. It is pure and safe for concurrent use.
type Combiner struct {
	policy config.Policy
}

// NewCombiner creates a combiner with the given policy.
func NewCombiner(policy config.Policy) *Combiner {
	return &Combiner{policy: policy}
}

// Policy returns the active fusion policy.
func (c *Combiner) Policy() config.Policy {
	return c.policy
}

// Combine fuses rule hits, rule risk and the calibrated model score.
// Precedence: hard block, then fused, then rules only.
func (c *Combiner) Combine(hits []rules.Hit, ruleRisk float64, cal calibration.Calibrated, set *features.Set) *Decision {
	ruleRisk = clamp01(ruleRisk)
	d := &Decision{
		RuleRisk:         round3(ruleRisk),
		Hits:             append([]rules.Hit{}, hits...),
		FeaturesDegraded: set != nil && set.Degraded,
		ModelUnavailable: !cal.OK(),
		CalibrationStale: cal.Stale,
		ModelVersion:     cal.ModelVersion,
		CurveVersion:     cal.Version,
		ScoringError:     string(cal.Err),
	}
	if cal.OK() {
		p := cal.Probability
		d.ModelScore = &p
	}

	switch {
	case hasHardBlock(hits):
		d.Path = PathHardBlock
		d.Risk = 1
		d.Outcome = OutcomeDecline
	case cal.OK():
		rw, mw := c.policy.RuleWeight, c.policy.ModelWeight
		d.Path = PathFused
		if cal.Stale {
			discounted := mw * c.policy.StaleCurveDiscount
			rw += mw - discounted
			mw = discounted
			d.Path = PathFusedUncalibrated
		}
		d.Risk = round3(clamp01(rw*ruleRisk + mw*clamp01(cal.Probability)))
		d.Outcome = outcome(d.Risk, c.policy.ReviewThreshold, c.policy.DeclineThreshold)
	default:
		d.Path = PathRulesOnly
		d.Risk = round3(ruleRisk)
		d.Outcome = outcome(d.Risk, c.policy.RulesOnlyReviewThreshold, c.policy.RulesOnlyDeclineThreshold)
	}

	d.Reasons = rankReasons(hits, cal, set, d.Path)
	return d
}

func outcome(risk, review, decline float64) Outcome {
	switch {
	case risk >= decline:
		return OutcomeDecline
	case risk >= review:
		return OutcomeReview
	default:
		return OutcomeApprove
	}
}

func hasHardBlock(hits []rules.Hit) bool {
	for _, h := range hits {
		if h.HardBlock {
			return true
		}
	}
	return false
}

// rankReasons cites hard blocks first, then the highest-severity hits in
// priority order, then the strongest positive model contributions.
func rankReasons(hits []rules.Hit, cal calibration.Calibrated, set *features.Set, path Path) []Reason {
	reasons := make([]Reason, 0, MaxRuleReasons+MaxFeatureReasons)

	ranked := append([]rules.Hit{}, hits...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].HardBlock != ranked[j].HardBlock {
			return ranked[i].HardBlock
		}
		return ranked[i].Severity > ranked[j].Severity
	})
	for i, h := range ranked {
		if i == MaxRuleReasons {
			break
		}
		reasons = append(reasons, Reason{Kind: ReasonRule, Code: h.RuleID, Text: h.Reason, Weight: h.Severity})
	}

	if path != PathFused && path != PathFusedUncalibrated {
		return reasons
	}

	type contribution struct {
		name  string
		value float64
	}
	contribs := make([]contribution, 0, len(cal.Contributions))
	for name, v := range cal.Contributions {
		if v <= 0 || math.IsNaN(v) || set.IsDefaulted(name) {
			continue
		}
		contribs = append(contribs, contribution{name, v})
	}
	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].value != contribs[j].value {
			return contribs[i].value > contribs[j].value
		}
		return contribs[i].name < contribs[j].name
	})
	for i, c := range contribs {
		if i == MaxFeatureReasons {
			break
		}
		reasons = append(reasons, Reason{Kind: ReasonFeature, Code: c.name, Weight: round3(c.value)})
	}
	return reasons
}

// ScoringErrorTag returns the model error tag, if any.
func (d *Decision) ScoringErrorTag() scoring.ErrorTag {
	return scoring.ErrorTag(d.ScoringError)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round3 rounds to 3 decimal places. Outcomes are derived from the
// rounded value so the reported risk and outcome always agree.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
