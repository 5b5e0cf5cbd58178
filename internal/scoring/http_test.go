package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/auroraguard/internal/circuitbreaker"
	"github.com/mbd888/auroraguard/internal/features"
	"github.com/mbd888/auroraguard/internal/syncutil"
	"github.com/mbd888/auroraguard/internal/txn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *txn.Request {
	return &txn.Request{
		TransactionID: "t-42",
		CardID:        "c-1",
		MerchantID:    "m-1",
		Amount:        decimal.RequireFromString("99.95"),
		Currency:      "USD",
		Timestamp:     time.Unix(1_700_000_000, 0),
	}
}

func testSet() *features.Set {
	return &features.Set{Values: map[string]features.Value{
		"txns_last_1h": features.Num(50),
		"ip_country":   features.Cat("US"),
	}}
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestHTTPScorer_Success(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "t-42", r.Header.Get("X-Transaction-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonHandler(200, `{"probability":0.8,"model_version":"gbm-7","contributions":{"txns_last_1h":0.4}}`)(w, r)
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "fraud-gbm").WithClient(srv.Client())
	score := s.Score(context.Background(), testRequest(), testSet(), time.Second)

	require.True(t, score.OK(), "unexpected failure: %s %s", score.Err, score.Detail)
	assert.Equal(t, 0.8, score.Probability)
	assert.Equal(t, "gbm-7", score.ModelVersion)
	assert.Equal(t, 0.4, score.Contributions["txns_last_1h"])

	assert.Equal(t, "t-42", got.TransactionID)
	assert.Equal(t, "fraud-gbm", got.Model)
	assert.Equal(t, features.Num(50), got.Features["txns_last_1h"])
	assert.Equal(t, features.Cat("US"), got.Features["ip_country"])
	assert.Equal(t, features.Num(99.95), got.Features["amount"])
}

func TestHTTPScorer_ErrorTags(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    ErrorTag
	}{
		{"server error", jsonHandler(503, `{}`), TagUnavailable},
		{"client error", jsonHandler(400, `{"error":"bad"}`), TagInvalidResponse},
		{"malformed body", jsonHandler(200, `not json`), TagInvalidResponse},
		{"missing probability", jsonHandler(200, `{"model_version":"x"}`), TagInvalidResponse},
		{"probability above one", jsonHandler(200, `{"probability":1.2}`), TagInvalidResponse},
		{"negative probability", jsonHandler(200, `{"probability":-0.1}`), TagInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			score := NewHTTPScorer(srv.URL, "m").Score(context.Background(), testRequest(), testSet(), time.Second)
			assert.Equal(t, tt.want, score.Err)
			assert.False(t, score.OK())
		})
	}
}

func TestHTTPScorer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(200, `{}`))
	url := srv.URL
	srv.Close()

	score := NewHTTPScorer(url, "m").Score(context.Background(), testRequest(), testSet(), time.Second)
	assert.Equal(t, TagUnavailable, score.Err)
}

func TestHTTPScorer_TimeoutNeverBlocksPastDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		jsonHandler(200, `{"probability":0.1}`)(w, r)
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	score := NewHTTPScorer(srv.URL, "m").Score(context.Background(), testRequest(), testSet(), 30*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, TagTimeout, score.Err)
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestHTTPScorer_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonHandler(500, `{}`)(w, r)
	}))
	defer srv.Close()

	NewHTTPScorer(srv.URL, "m").Score(context.Background(), testRequest(), testSet(), time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPScorer_BreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonHandler(502, `{}`)(w, r)
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "m").WithBreaker(circuitbreaker.New(2, time.Minute))
	for i := 0; i < 2; i++ {
		s.Score(context.Background(), testRequest(), testSet(), time.Second)
	}

	score := s.Score(context.Background(), testRequest(), testSet(), time.Second)
	assert.Equal(t, TagUnavailable, score.Err)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the endpoint")
}

func TestHTTPScorer_SaturatedGateIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		jsonHandler(200, `{"probability":0.2}`)(w, r)
	}))
	defer srv.Close()

	gate := syncutil.NewGate(1, 0)
	hold, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer hold()

	start := time.Now()
	score := NewHTTPScorer(srv.URL, "m").WithGate(gate).Score(context.Background(), testRequest(), testSet(), time.Second)

	assert.Equal(t, TagUnavailable, score.Err)
	assert.Zero(t, calls.Load())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "rejection must be immediate")
}

func TestSkippedAndFunc(t *testing.T) {
	assert.Equal(t, TagSkipped, Skipped().Err)

	var s Scorer = Func(func(context.Context, *txn.Request, *features.Set, time.Duration) Score {
		return Score{Probability: 0.3}
	})
	assert.True(t, s.Score(context.Background(), testRequest(), nil, time.Millisecond).OK())
}
