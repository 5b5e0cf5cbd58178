package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/auroraguard/internal/decision"
	"github.com/mbd888/auroraguard/internal/logging"
	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/retry"
	"github.com/mbd888/auroraguard/internal/rules"
)

func sampleEvent() *DecisionEvent {
	d := &decision.Decision{
		ID:               "d-1",
		TransactionID:    "txn-1",
		Outcome:          decision.OutcomeReview,
		Path:             decision.PathRulesOnly,
		Risk:             0.7,
		RuleRisk:         0.7,
		ModelUnavailable: true,
		Hits:             []rules.Hit{{RuleID: "device_card_fanout", Severity: 0.7}},
		Degradations:     []string{"ScoringTimeout"},
		Latency:          42 * time.Millisecond,
		LatencyMS:        42,
	}
	trace := []Transition{{State: "Started"}, {State: "Done", AtMS: 42}}
	return FromDecision(d, trace, time.Unix(1_700_000_000, 0))
}

func TestFromDecision(t *testing.T) {
	ev := sampleEvent()
	assert.Equal(t, "txn-1", ev.TransactionID)
	assert.Equal(t, []string{"device_card_fanout"}, ev.RuleHits)
	assert.True(t, ev.Degraded())
	assert.Len(t, ev.Trace, 2)
	assert.Equal(t, 42*time.Millisecond, ev.latency)
}

func TestMulti_FansOutInOrder(t *testing.T) {
	var got []string
	m := Multi{
		SinkFunc(func(context.Context, *DecisionEvent) { got = append(got, "a") }),
		nil,
		SinkFunc(func(context.Context, *DecisionEvent) { got = append(got, "b") }),
	}
	m.Publish(context.Background(), sampleEvent())
	assert.Equal(t, []string{"a", "b"}, got)
	Discard.Publish(context.Background(), sampleEvent())
}

func TestLogSink_DegradedLogsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	NewLogSink(logging.NewWithWriter(&buf, "info", "json")).Publish(context.Background(), sampleEvent())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "review", line["outcome"])
	assert.Equal(t, "rules_only", line["path"])
}

func TestMetricsSink(t *testing.T) {
	ev := sampleEvent()
	ev.BudgetExceeded = true

	decisions := testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("review", "rules_only"))
	degr := testutil.ToFloat64(metrics.DegradationsTotal.WithLabelValues("ScoringTimeout"))
	hits := testutil.ToFloat64(metrics.RuleHitsTotal.WithLabelValues("device_card_fanout"))
	budget := testutil.ToFloat64(metrics.BudgetExceededTotal)

	MetricsSink{}.Publish(context.Background(), ev)

	assert.Equal(t, decisions+1, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("review", "rules_only")))
	assert.Equal(t, degr+1, testutil.ToFloat64(metrics.DegradationsTotal.WithLabelValues("ScoringTimeout")))
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.RuleHitsTotal.WithLabelValues("device_card_fanout")))
	assert.Equal(t, budget+1, testutil.ToFloat64(metrics.BudgetExceededTotal))
}

func TestTraceSink_NoSpanIsNoop(t *testing.T) {
	TraceSink{}.Publish(context.Background(), sampleEvent())
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestKafkaPublisher_DeliversWithRetry(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewKafkaPublisher(w, 8, logging.Discard()).WithRetryPolicy(fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Publish(context.Background(), sampleEvent())

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	msg := w.msgs[0]
	w.mu.Unlock()
	assert.Equal(t, "txn-1", string(msg.Key))

	var decoded DecisionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, decision.OutcomeReview, decoded.Outcome)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Close(), ErrPublisherClosed)
}

func TestKafkaPublisher_FullBufferDropsWithoutBlocking(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, 2, logging.Discard())

	before := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("kafka", "dropped"))
	start := time.Now()
	for i := 0; i < 5; i++ {
		p.Publish(context.Background(), sampleEvent())
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, p.Pending())
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("kafka", "dropped")))
}

func TestKafkaPublisher_CloseFlushesBuffer(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, 4, logging.Discard()).WithRetryPolicy(fastRetry())
	p.Publish(context.Background(), sampleEvent())
	p.Publish(context.Background(), sampleEvent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	require.NoError(t, p.Close())
	assert.Equal(t, 2, w.count())
}

func TestNewKafkaWriter_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaWriter(nil, "auroraguard.decisions")
	assert.Error(t, err)

	w, err := NewKafkaWriter([]string{"localhost:9092"}, "auroraguard.decisions")
	require.NoError(t, err)
	assert.Equal(t, "auroraguard.decisions", w.Topic)
	_ = w.Close()
}
