// Package events turns finished decisions into observability records and
// fans them out to sinks.
package events

import (
	"context"
	"time"

	"github.com/mbd888/auroraguard/internal/decision"
)

// Transition is one step of the governor's state trace.
type Transition struct {
	State string  `json:"state"`
	AtMS  float64 `json:"at_ms"`
}

// DecisionEvent is emitted once per decision.
type DecisionEvent struct {
	DecisionID       string           `json:"decision_id"`
	TransactionID    string           `json:"transaction_id"`
	Outcome          decision.Outcome `json:"outcome"`
	Path             decision.Path    `json:"path"`
	Risk             float64          `json:"risk"`
	RuleRisk         float64          `json:"rule_risk"`
	LatencyMS        float64          `json:"latency_ms"`
	BudgetExceeded   bool             `json:"budget_exceeded"`
	ModelUnavailable bool             `json:"model_unavailable"`
	FeaturesDegraded bool             `json:"features_degraded"`
	CalibrationStale bool             `json:"calibration_stale"`
	Degradations     []string         `json:"degradations"`
	RuleHits         []string         `json:"rule_hits"`
	ModelVersion     string           `json:"model_version,omitempty"`
	CurveVersion     string           `json:"curve_version,omitempty"`
	ScoringError     string           `json:"scoring_error,omitempty"`
	Trace            []Transition     `json:"trace"`
	Timestamp        time.Time        `json:"timestamp"`

	latency time.Duration
}

// FromDecision builds the event for d.
func FromDecision(d *decision.Decision, trace []Transition, at time.Time) *DecisionEvent {
	hits := make([]string, len(d.Hits))
	for i, h := range d.Hits {
		hits[i] = h.RuleID
	}
	return &DecisionEvent{
		DecisionID:       d.ID,
		TransactionID:    d.TransactionID,
		Outcome:          d.Outcome,
		Path:             d.Path,
		Risk:             d.Risk,
		RuleRisk:         d.RuleRisk,
		LatencyMS:        d.LatencyMS,
		BudgetExceeded:   d.BudgetExceeded,
		ModelUnavailable: d.ModelUnavailable,
		FeaturesDegraded: d.FeaturesDegraded,
		CalibrationStale: d.CalibrationStale,
		Degradations:     append([]string{}, d.Degradations...),
		RuleHits:         hits,
		ModelVersion:     d.ModelVersion,
		CurveVersion:     d.CurveVersion,
		ScoringError:     d.ScoringError,
		Trace:            append([]Transition{}, trace...),
		Timestamp:        at,
		latency:          d.Latency,
	}
}

// Degraded reports whether any component fell back.
func (e *DecisionEvent) Degraded() bool {
	return e.BudgetExceeded || e.ModelUnavailable || e.FeaturesDegraded || e.CalibrationStale
}

// Sink receives decision events. Publish runs on the request path and
// must not block.
type Sink interface {
	Publish(ctx context.Context, ev *DecisionEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *DecisionEvent)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev *DecisionEvent) { f(ctx, ev) }

// Multi fans one event out to several sinks in order.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev *DecisionEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, *DecisionEvent) {})
