// Package engine is the deadline governor: it runs the feature fetch, rule
// evaluation, model scoring and calibration for one transaction inside a
// fixed latency budget and always returns a decision for a valid request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/config"
	"github.com/mbd888/auroraguard/internal/decision"
	"github.com/mbd888/auroraguard/internal/events"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/logging"
	"github.com/mbd888/auroraguard/internal/rules"
	"github.com/mbd888/auroraguard/internal/scoring"
	"github.com/mbd888/auroraguard/internal/traces"
	"github.com/mbd888/auroraguard/internal/txn"
)

// ErrInvalidRequest wraps every request validation failure. It is the
// only error Decide returns.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Default timing. Feature and scoring timeouts are ceilings; each sub-call
// gets min(remaining, ceiling).
const (
	DefaultBudget           = 120 * time.Millisecond
	DefaultMargin           = 10 * time.Millisecond
	DefaultFeatureCeiling   = 40 * time.Millisecond
	DefaultScoringCeiling   = 60 * time.Millisecond
	DefaultMinScoringBudget = 2 * time.Millisecond
)

// Degradation tags a component fallback on a decision.
type Degradation string

const (
	FeatureFetchTimeout    Degradation = "FeatureFetchTimeout"
	FeatureFetchPartial    Degradation = "FeatureFetchPartial"
	FeatureStale           Degradation = "FeatureStale"
	ScoringTimeout         Degradation = "ScoringTimeout"
	ScoringUnavailable     Degradation = "ScoringUnavailable"
	ScoringInvalidResponse Degradation = "ScoringInvalidResponse"
	ScoringSkipped         Degradation = "ScoringSkipped"
	CalibrationCurveStale  Degradation = "CalibrationCurveStale"
	DeadlineExceeded       Degradation = "DeadlineExceeded"
)

// State is a governor lifecycle step.
type State string

const (
	StateStarted          State = "Started"
	StateFeaturesPending  State = "FeaturesPending"
	StateFeaturesReady    State = "FeaturesReady"
	StateFeaturesDegraded State = "FeaturesDegraded"
	StateScoringPending   State = "ScoringPending"
	StateScoringReady     State = "ScoringReady"
	StateScoringDegraded  State = "ScoringDegraded"
	StateCombining        State = "Combining"
	StateDone             State = "Done"
)

// FeatureFetcher is satisfied by *features.Aggregator.
type FeatureFetcher interface {
	Fetch(ctx context.Context, keys []txn.EntityKey, timeout time.Duration) *features.Set
}

// Engine decides transactions. It is safe for concurrent use; all shared
// state is read-only or behind the calibrator's atomic pointer.
type Engine struct {
	features   FeatureFetcher
	rules      *rules.Engine
	scorer     scoring.Scorer
	calibrator *calibration.Calibrator
	combiner   *decision.Combiner
	sink       events.Sink
	logger     *slog.Logger

	budget           time.Duration
	margin           time.Duration
	featureCeiling   time.Duration
	scoringCeiling   time.Duration
	minScoringBudget time.Duration
	curveVersion     string

	now func() time.Time
}

// New creates an engine with default timing and policy. A nil scorer is
// treated as permanently unavailable.
func New(fetcher FeatureFetcher, ruleEngine *rules.Engine, scorer scoring.Scorer, calibrator *calibration.Calibrator) *Engine {
	if ruleEngine == nil {
		ruleEngine = rules.DefaultRules()
	}
	return &Engine{
		features:         fetcher,
		rules:            ruleEngine,
		scorer:           scorer,
		calibrator:       calibrator,
		combiner:         decision.NewCombiner(config.DefaultPolicy()),
		sink:             events.Discard,
		logger:           slog.Default(),
		budget:           DefaultBudget,
		margin:           DefaultMargin,
		featureCeiling:   DefaultFeatureCeiling,
		scoringCeiling:   DefaultScoringCeiling,
		minScoringBudget: DefaultMinScoringBudget,
		now:              time.Now,
	}
}

// WithPolicy sets the fusion weights and thresholds.
func (e *Engine) WithPolicy(p config.Policy) *Engine {
	e.combiner = decision.NewCombiner(p)
	return e
}

// WithBudget sets the overall budget and the reserved margin.
func (e *Engine) WithBudget(budget, margin time.Duration) *Engine {
	e.budget = budget
	e.margin = margin
	return e
}

// WithCeilings sets the feature and scoring timeout ceilings.
func (e *Engine) WithCeilings(featureCeiling, scoringCeiling time.Duration) *Engine {
	e.featureCeiling = featureCeiling
	e.scoringCeiling = scoringCeiling
	return e
}

// WithMinScoringBudget sets the remaining time below which scoring is skipped.
func (e *Engine) WithMinScoringBudget(d time.Duration) *Engine {
	e.minScoringBudget = d
	return e
}

// WithCurveVersion pins the calibration curve version decisions expect.
// A mismatch with the loaded curve is logged here and flagged on every
// decision.
func (e *Engine) WithCurveVersion(version string) *Engine {
	e.curveVersion = version
	if e.calibrator != nil {
		if cur := e.calibrator.Current(); cur == nil || cur.Version() != version {
			loaded := ""
			if cur != nil {
				loaded = cur.Version()
			}
			e.logger.Warn("calibration curve version mismatch",
				"expected", version, "loaded", loaded)
		}
	}
	return e
}

// WithSink sets the decision event sink.
func (e *Engine) WithSink(s events.Sink) *Engine {
	if s == nil {
		s = events.Discard
	}
	e.sink = s
	return e
}

// WithLogger sets the fallback logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock injects the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Deadline returns the usable budget after the margin.
func (e *Engine) Deadline() time.Duration {
	return e.budget - e.margin
}

// Rules returns the active rule engine.
func (e *Engine) Rules() *rules.Engine { return e.rules }

// Calibrator returns the calibrator, which may be nil.
func (e *Engine) Calibrator() *calibration.Calibrator { return e.calibrator }

// run is the per-request state.
type run struct {
	start        time.Time
	deadline     time.Time
	now          func() time.Time
	trace        []events.Transition
	degradations []string
	seen         map[Degradation]bool
	budgetBlown  bool
}

func (r *run) enter(s State) {
	r.trace = append(r.trace, events.Transition{
		State: string(s),
		AtMS:  float64(r.now().Sub(r.start).Microseconds()) / 1000,
	})
}

func (r *run) degrade(d Degradation) {
	if r.seen[d] {
		return
	}
	r.seen[d] = true
	r.degradations = append(r.degradations, string(d))
}

func (r *run) remaining() time.Duration {
	return r.deadline.Sub(r.now())
}

// Decide returns a decision for req within the budget. It fails only when
// the request is invalid.
func (e *Engine) Decide(ctx context.Context, req *txn.Request) (*decision.Decision, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ctx = logging.WithTransactionID(ctx, req.TransactionID)
	keys := req.EntityKeys()
	ctx, span := traces.StartSpan(ctx, "engine.Decide",
		traces.TransactionID(req.TransactionID), traces.EntityCount(len(keys)))
	defer span.End()

	r := &run{start: e.now(), now: e.now, seen: map[Degradation]bool{}}
	r.deadline = r.start.Add(e.Deadline())
	ctx, cancel := context.WithTimeout(ctx, e.Deadline())
	defer cancel()
	r.enter(StateStarted)

	set := e.fetchFeatures(ctx, r, keys)

	r.enter(StateScoringPending)
	scoreCh, cancelScoring := e.startScoring(ctx, r, req, set)
	defer cancelScoring()

	hits, ruleRisk := e.rules.Evaluate(req, set)

	score := e.awaitScore(ctx, r, scoreCh, cancelScoring)
	cal := e.calibrate(r, score)
	if score.OK() && !cal.Stale {
		r.enter(StateScoringReady)
	} else {
		r.enter(StateScoringDegraded)
	}

	r.enter(StateCombining)
	fused := e.combiner.Combine(hits, ruleRisk, cal, set)
	r.enter(StateDone)

	latency := e.now().Sub(r.start)
	if latency > e.Deadline() {
		r.budgetBlown = true
	}
	d := fused.Seal(decision.Envelope{
		TransactionID:  req.TransactionID,
		Degradations:   r.degradations,
		BudgetExceeded: r.budgetBlown,
		Latency:        latency,
	})

	for _, tag := range r.degradations {
		traces.MarkDegraded(span, tag)
	}
	e.sink.Publish(ctx, events.FromDecision(d, r.trace, r.start))
	return d, nil
}

func (e *Engine) fetchFeatures(ctx context.Context, r *run, keys []txn.EntityKey) *features.Set {
	r.enter(StateFeaturesPending)
	if e.features == nil {
		r.enter(StateFeaturesReady)
		return &features.Set{Values: map[string]features.Value{}, Defaulted: map[string]bool{}}
	}

	timeout := min(r.remaining(), e.featureCeiling)
	fctx, span := traces.StartSpan(ctx, "features.Fetch", traces.TimeoutMS(timeout.Milliseconds()))
	set := e.features.Fetch(fctx, keys, timeout)
	span.End()

	if set.HasIssue(features.IssueTimeout) {
		r.degrade(FeatureFetchTimeout)
	}
	if set.HasIssue(features.IssuePartial) {
		r.degrade(FeatureFetchPartial)
	}
	if set.HasIssue(features.IssueStale) {
		r.degrade(FeatureStale)
	}
	if set.Degraded {
		r.enter(StateFeaturesDegraded)
	} else {
		r.enter(StateFeaturesReady)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.degrade(DeadlineExceeded)
		r.budgetBlown = true
	}
	return set
}

// startScoring launches the scoring call in its own goroutine so the
// governor can walk away at the deadline. The channel is buffered so an
// abandoned call never leaks a blocked sender.
func (e *Engine) startScoring(ctx context.Context, r *run, req *txn.Request, set *features.Set) (<-chan scoring.Score, context.CancelFunc) {
	ch := make(chan scoring.Score, 1)
	remaining := r.remaining()
	switch {
	case remaining < e.minScoringBudget:
		ch <- scoring.Skipped()
		return ch, func() {}
	case e.scorer == nil:
		ch <- scoring.Failed(scoring.TagUnavailable, "no scorer configured")
		return ch, func() {}
	}

	timeout := min(remaining, e.scoringCeiling)
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		spanCtx, span := traces.StartSpan(sctx, "scoring.Score", traces.TimeoutMS(timeout.Milliseconds()))
		defer span.End()
		ch <- e.scorer.Score(spanCtx, req, set, timeout)
	}()
	return ch, cancel
}

func (e *Engine) awaitScore(ctx context.Context, r *run, ch <-chan scoring.Score, cancelScoring context.CancelFunc) scoring.Score {
	var score scoring.Score
	select {
	case score = <-ch:
	default:
		select {
		case score = <-ch:
		case <-ctx.Done():
			cancelScoring()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.degrade(DeadlineExceeded)
				r.budgetBlown = true
			}
			score = scoring.Failed(scoring.TagTimeout, "decision deadline reached")
		}
	}
	if score.OK() && !validProbability(score.Probability) {
		score = scoring.Failed(scoring.TagInvalidResponse, fmt.Sprintf("probability %v outside [0,1]", score.Probability))
	}

	switch score.Err {
	case scoring.TagTimeout:
		r.degrade(ScoringTimeout)
	case scoring.TagUnavailable:
		r.degrade(ScoringUnavailable)
	case scoring.TagInvalidResponse:
		r.degrade(ScoringInvalidResponse)
	case scoring.TagSkipped:
		r.degrade(ScoringSkipped)
	}
	return score
}

func validProbability(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

func (e *Engine) calibrate(r *run, score scoring.Score) calibration.Calibrated {
	if !score.OK() {
		return calibration.Calibrated{Err: score.Err}
	}
	if e.calibrator == nil {
		r.degrade(CalibrationCurveStale)
		return calibration.Uncalibrated(score)
	}
	version := e.curveVersion
	if version == "" {
		if cur := e.calibrator.Current(); cur != nil {
			version = cur.Version()
		}
	}
	cal, err := e.calibrator.CalibrateScore(score, version)
	if err != nil {
		r.degrade(CalibrationCurveStale)
		return calibration.Uncalibrated(score)
	}
	return cal
}
