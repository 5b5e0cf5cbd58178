package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/auroraguard/internal/circuitbreaker"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/syncutil"
	"github.com/mbd888/auroraguard/internal/txn"
)

const maxResponseSize = 64 << 10

// BreakerKey names the scorer in breaker state and dependency metrics.
const BreakerKey = "scorer"

type scoreRequest struct {
	TransactionID string                    `json:"transaction_id"`
	Model         string                    `json:"model"`
	Features      map[string]features.Value `json:"features"`
}

type scoreResponse struct {
	Probability   *float64           `json:"probability"`
	ModelVersion  string             `json:"model_version"`
	Contributions map[string]float64 `json:"contributions"`
}

// callError carries the tag a failed call maps to.
type callError struct {
	tag ErrorTag
	err error
}

func (e *callError) Error() string { return string(e.tag) + ": " + e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// HTTPScorer posts the feature vector as JSON to a scoring endpoint.
type HTTPScorer struct {
	endpoint string
	model    string
	client   *http.Client
	gate     *syncutil.Gate
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewHTTPScorer creates a scorer for endpoint. Per-call deadlines come from
// the timeout passed to Score, so the client itself has none.
func NewHTTPScorer(endpoint, model string) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		model:    model,
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		}},
		logger: slog.Default(),
	}
}

// WithClient overrides the HTTP client.
func (s *HTTPScorer) WithClient(c *http.Client) *HTTPScorer {
	s.client = c
	return s
}

// WithGate bounds concurrent scoring calls across all requests.
func (s *HTTPScorer) WithGate(g *syncutil.Gate) *HTTPScorer {
	s.gate = g
	return s
}

// WithBreaker guards the endpoint with a circuit breaker.
func (s *HTTPScorer) WithBreaker(b *circuitbreaker.Breaker) *HTTPScorer {
	s.breaker = b
	return s
}

// WithLogger sets the logger used for failed calls.
func (s *HTTPScorer) WithLogger(l *slog.Logger) *HTTPScorer {
	s.logger = l
	return s
}

// Score makes one attempt bounded by timeout.
func (s *HTTPScorer) Score(ctx context.Context, req *txn.Request, set *features.Set, timeout time.Duration) Score {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	score := s.guardedScore(ctx, req, set)
	score.Latency = time.Since(start)

	result := "ok"
	if !score.OK() {
		result = string(score.Err)
		s.logger.Debug("scoring failed", "transaction_id", req.TransactionID, "tag", score.Err, "detail", score.Detail)
	}
	metrics.ObserveDependency(BreakerKey, result, score.Latency)
	return score
}

func (s *HTTPScorer) guardedScore(ctx context.Context, req *txn.Request, set *features.Set) Score {
	if s.gate != nil {
		release, err := s.gate.Acquire(ctx)
		if err != nil {
			if errors.Is(err, syncutil.ErrSaturated) {
				metrics.GateRejectionsTotal.WithLabelValues(BreakerKey).Inc()
				return Failed(TagUnavailable, err.Error())
			}
			return Failed(TagTimeout, err.Error())
		}
		defer release()
	}

	var score Score
	call := func() error {
		var err error
		score, err = s.call(ctx, req, set)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(BreakerKey, countsAgainstScorer, call)
	} else {
		err = call()
	}

	var ce *callError
	switch {
	case err == nil:
		return score
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return Failed(TagUnavailable, err.Error())
	case errors.As(err, &ce):
		return Failed(ce.tag, ce.err.Error())
	default:
		return Failed(TagUnavailable, err.Error())
	}
}

// countsAgainstScorer ignores cancellations the engine caused itself.
func countsAgainstScorer(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (s *HTTPScorer) call(ctx context.Context, req *txn.Request, set *features.Set) (Score, error) {
	body, err := json.Marshal(scoreRequest{
		TransactionID: req.TransactionID,
		Model:         s.model,
		Features:      vector(req, set),
	})
	if err != nil {
		return Score{}, &callError{TagInvalidResponse, fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Score{}, &callError{TagUnavailable, fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Transaction-ID", req.TransactionID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Score{}, &callError{TagTimeout, ctx.Err()}
		}
		return Score{}, &callError{TagUnavailable, fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return Score{}, &callError{TagUnavailable, fmt.Errorf("scorer returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return Score{}, &callError{TagInvalidResponse, fmt.Errorf("scorer returned HTTP %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return Score{}, &callError{TagTimeout, ctx.Err()}
		}
		return Score{}, &callError{TagUnavailable, fmt.Errorf("read response: %w", err)}
	}

	var parsed scoreResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Score{}, &callError{TagInvalidResponse, fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Probability == nil {
		return Score{}, &callError{TagInvalidResponse, errors.New("response has no probability")}
	}
	p := *parsed.Probability
	if p < 0 || p > 1 {
		return Score{}, &callError{TagInvalidResponse, fmt.Errorf("probability %v outside [0,1]", p)}
	}

	return Score{
		Probability:   p,
		ModelVersion:  parsed.ModelVersion,
		Contributions: parsed.Contributions,
	}, nil
}

// vector is the model input: every feature plus the request amount.
func vector(req *txn.Request, set *features.Set) map[string]features.Value {
	out := make(map[string]features.Value, 1)
	if set != nil {
		for name, v := range set.Values {
			out[name] = v
		}
	}
	out["amount"] = features.Num(req.Amount.InexactFloat64())
	return out
}
