// Package scoring calls the external fraud-probability model. Every failure
// is returned as a tagged Score, never as an error, and no call is retried.
package scoring

import (
	"context"
	"time"

	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/txn"
)

// ErrorTag classifies a missing score.
type ErrorTag string

const (
	TagTimeout         ErrorTag = "timeout"
	TagUnavailable     ErrorTag = "unavailable"
	TagInvalidResponse ErrorTag = "invalid-response"
	TagSkipped         ErrorTag = "skipped" // not called; no budget left
)

// Score is the outcome of one scoring attempt.
type Score struct {
	Probability   float64            `json:"probability"`
	ModelVersion  string             `json:"model_version,omitempty"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
	Err           ErrorTag           `json:"error,omitempty"`
	Detail        string             `json:"-"`
	Latency       time.Duration      `json:"-"`
}

// OK reports whether the score carries a usable probability.
func (s Score) OK() bool { return s.Err == "" }

// Failed builds an error-tagged Score.
func Failed(tag ErrorTag, detail string) Score {
	return Score{Err: tag, Detail: detail}
}

// Skipped is the Score recorded when scoring was not attempted.
func Skipped() Score { return Failed(TagSkipped, "insufficient budget") }

// Scorer produces a probability for a transaction. Implementations must
// return by timeout and make at most one attempt.
type Scorer interface {
	Score(ctx context.Context, req *txn.Request, set *features.Set, timeout time.Duration) Score
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, req *txn.Request, set *features.Set, timeout time.Duration) Score

func (f Func) Score(ctx context.Context, req *txn.Request, set *features.Set, timeout time.Duration) Score {
	return f(ctx, req, set, timeout)
}
