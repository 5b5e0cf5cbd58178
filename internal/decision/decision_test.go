package decision

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/config"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/rules"
	"github.com/mbd888/auroraguard/internal/scoring"
)

func newTestCombiner() *Combiner {
	return NewCombiner(config.DefaultPolicy())
}

func model(p float64) calibration.Calibrated {
	return calibration.Calibrated{Probability: p, Version: "iso-1", ModelVersion: "gbm-7"}
}

func cleanSet() *features.Set {
	return &features.Set{
		Values:    map[string]features.Value{"txns_last_1h": features.Num(14)},
		Defaulted: map[string]bool{},
	}
}

var velocityHit = rules.Hit{RuleID: "card_velocity_1h", Priority: 10, Severity: 1.0, Reason: "card velocity"}

func TestCombine_HardBlockWinsRegardlessOfModel(t *testing.T) {
	c := newTestCombiner()
	hits := []rules.Hit{
		{RuleID: "large_amount_usd", Priority: 60, Severity: 0.4, Reason: "large amount"},
		{RuleID: "stolen_card", Priority: 1, Severity: 1.0, HardBlock: true, Reason: "card reported stolen"},
	}

	for _, cal := range []calibration.Calibrated{model(0.01), model(0.99), {Err: scoring.TagTimeout}} {
		d := c.Combine(hits, 1.0, cal, cleanSet())
		assert.Equal(t, OutcomeDecline, d.Outcome)
		assert.Equal(t, PathHardBlock, d.Path)
		assert.Equal(t, 1.0, d.Risk)
		require.NotEmpty(t, d.Reasons)
		assert.Equal(t, "stolen_card", d.Reasons[0].Code)
	}
}

func TestCombine_FusedScenario(t *testing.T) {
	d := newTestCombiner().Combine([]rules.Hit{velocityHit}, 1.0, model(0.8), cleanSet())

	assert.Equal(t, PathFused, d.Path)
	assert.InDelta(t, 0.86, d.Risk, 1e-9)
	assert.Equal(t, OutcomeDecline, d.Outcome)
	assert.False(t, d.ModelUnavailable)
	assert.Equal(t, "gbm-7", d.ModelVersion)
	assert.Equal(t, "iso-1", d.CurveVersion)
	require.NotNil(t, d.ModelScore)
	assert.Equal(t, 0.8, *d.ModelScore)
}

func TestCombine_FusedThresholds(t *testing.T) {
	tests := []struct {
		name     string
		ruleRisk float64
		p        float64
		want     Outcome
	}{
		{"quiet", 0, 0.1, OutcomeApprove},
		{"just below review", 0, 0.71, OutcomeApprove},
		{"review boundary", 0.5, 0.5, OutcomeReview},
		{"decline boundary", 0.5, 1.0, OutcomeDecline},
		{"model alone declines", 0, 1.0, OutcomeReview},
	}
	c := newTestCombiner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Combine(nil, tt.ruleRisk, model(tt.p), cleanSet())
			assert.Equal(t, tt.want, d.Outcome, "risk=%v", d.Risk)
		})
	}
}

func TestCombine_RulesOnlyWhenModelMissing(t *testing.T) {
	tests := []struct {
		ruleRisk float64
		want     Outcome
	}{
		{1.0, OutcomeDecline},
		{0.9, OutcomeDecline},
		{0.7, OutcomeReview},
		{0.6, OutcomeReview},
		{0.5, OutcomeApprove},
		{0, OutcomeApprove},
	}
	c := newTestCombiner()
	for _, tag := range []scoring.ErrorTag{scoring.TagTimeout, scoring.TagUnavailable, scoring.TagInvalidResponse, scoring.TagSkipped} {
		for _, tt := range tests {
			d := c.Combine(nil, tt.ruleRisk, calibration.Calibrated{Err: tag}, cleanSet())
			assert.Equal(t, PathRulesOnly, d.Path)
			assert.True(t, d.ModelUnavailable)
			assert.Equal(t, string(tag), d.ScoringError)
			assert.Nil(t, d.ModelScore)
			assert.Equal(t, tt.want, d.Outcome, "tag=%s rule risk=%v", tag, tt.ruleRisk)
		}
	}
}

func TestCombine_RulesOnlyScenario(t *testing.T) {
	d := newTestCombiner().Combine([]rules.Hit{velocityHit}, 1.0, calibration.Calibrated{Err: scoring.TagUnavailable}, cleanSet())
	assert.Equal(t, OutcomeDecline, d.Outcome)
	assert.True(t, d.ModelUnavailable)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, ReasonRule, d.Reasons[0].Kind)
}

func TestCombine_StaleCurveDiscountsModel(t *testing.T) {
	cal := calibration.Calibrated{Probability: 0.9, Stale: true, ModelVersion: "gbm-7"}
	d := newTestCombiner().Combine(nil, 0.4, cal, cleanSet())

	// model weight 0.7*0.5 = 0.35, rule weight 0.3+0.35 = 0.65
	assert.Equal(t, PathFusedUncalibrated, d.Path)
	assert.True(t, d.CalibrationStale)
	assert.False(t, d.ModelUnavailable)
	assert.InDelta(t, 0.575, d.Risk, 1e-9)
	assert.Equal(t, OutcomeReview, d.Outcome)
}

func TestCombine_RiskMonotoneInModelProbability(t *testing.T) {
	c := newTestCombiner()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		ruleRisk := rng.Float64()
		a, b := rng.Float64(), rng.Float64()
		if a > b {
			a, b = b, a
		}
		lo := c.Combine(nil, ruleRisk, model(a), cleanSet())
		hi := c.Combine(nil, ruleRisk, model(b), cleanSet())
		if lo.Risk > hi.Risk {
			t.Fatalf("risk not monotone: p=%v→%v, p=%v→%v", a, lo.Risk, b, hi.Risk)
		}
		if hi.Risk < 0 || hi.Risk > 1 {
			t.Fatalf("risk %v out of range", hi.Risk)
		}
	}
}

func TestReasons_RankingAndCaps(t *testing.T) {
	hits := []rules.Hit{
		{RuleID: "a", Priority: 1, Severity: 0.3},
		{RuleID: "b", Priority: 2, Severity: 0.7},
		{RuleID: "c", Priority: 3, Severity: 0.7},
		{RuleID: "d", Priority: 4, Severity: 0.9},
	}
	cal := model(0.6)
	cal.Contributions = map[string]float64{
		"txns_last_1h":            0.40,
		"ip_txns_last_1h":         0.20,
		"amount":                  0.15,
		"merchant_fraud_rate_30d": 0.10,
		"device_txns_last_1h":     -0.30,
	}

	d := newTestCombiner().Combine(hits, 0.9, cal, cleanSet())

	var codes []string
	for _, r := range d.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Equal(t, []string{"d", "b", "c", "txns_last_1h", "ip_txns_last_1h", "amount"}, codes)
}

func TestReasons_DefaultedFeaturesNeverCited(t *testing.T) {
	set := cleanSet()
	set.Values["ip_txns_last_1h"] = features.Num(0)
	set.Defaulted["ip_txns_last_1h"] = true
	set.Degraded = true

	cal := model(0.6)
	cal.Contributions = map[string]float64{"ip_txns_last_1h": 0.9, "txns_last_1h": 0.1}

	d := newTestCombiner().Combine(nil, 0, cal, set)
	assert.True(t, d.FeaturesDegraded)
	for _, r := range d.Reasons {
		assert.NotEqual(t, "ip_txns_last_1h", r.Code)
	}
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, "txns_last_1h", d.Reasons[0].Code)
}

func TestReasons_NoContributionsWithoutModel(t *testing.T) {
	cal := calibration.Calibrated{Err: scoring.TagTimeout, Contributions: map[string]float64{"txns_last_1h": 1}}
	d := newTestCombiner().Combine(nil, 0.2, cal, cleanSet())
	assert.Empty(t, d.Reasons)
}

func TestSeal(t *testing.T) {
	base := newTestCombiner().Combine([]rules.Hit{velocityHit}, 1.0, model(0.8), cleanSet())
	env := Envelope{
		TransactionID:  "txn-1",
		Degradations:   []string{"FeatureStale"},
		BudgetExceeded: true,
		Latency:        12500 * time.Microsecond,
	}

	a := base.Seal(env)
	b := base.Seal(env)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, base.Seal(Envelope{TransactionID: "txn-2"}).ID)
	assert.Equal(t, "txn-1", a.TransactionID)
	assert.True(t, a.BudgetExceeded)
	assert.True(t, a.Degraded())
	assert.Equal(t, 12.5, a.LatencyMS)
	assert.Empty(t, base.TransactionID, "seal must not modify the receiver")

	env.Degradations[0] = "mutated"
	assert.Equal(t, "FeatureStale", a.Degradations[0])
}
