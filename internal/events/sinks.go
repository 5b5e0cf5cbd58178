package events

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/auroraguard/internal/logging"
	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/traces"
)

// LogSink writes one structured line per decision. Degraded decisions log
// at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses the context logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev *DecisionEvent) {
	logger := s.logger
	if logger == nil {
		logger = logging.L(ctx)
	}
	level := slog.LevelInfo
	if ev.Degraded() {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "decision",
		slog.String("decision_id", ev.DecisionID),
		slog.String("transaction_id", ev.TransactionID),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("path", string(ev.Path)),
		slog.Float64("risk", ev.Risk),
		slog.Float64("latency_ms", ev.LatencyMS),
		slog.Bool("budget_exceeded", ev.BudgetExceeded),
		slog.Any("degradations", ev.Degradations),
		slog.Any("rule_hits", ev.RuleHits),
	)
}

// MetricsSink records Prometheus counters and the latency histogram.
type MetricsSink struct{}

// Publish implements Sink.
func (MetricsSink) Publish(_ context.Context, ev *DecisionEvent) {
	metrics.DecisionsTotal.WithLabelValues(string(ev.Outcome), string(ev.Path)).Inc()
	metrics.DecisionDuration.WithLabelValues(string(ev.Path)).Observe(ev.latency.Seconds())
	for _, tag := range ev.Degradations {
		metrics.DegradationsTotal.WithLabelValues(tag).Inc()
	}
	for _, id := range ev.RuleHits {
		metrics.RuleHitsTotal.WithLabelValues(id).Inc()
	}
	if ev.BudgetExceeded {
		metrics.BudgetExceededTotal.Inc()
	}
}

// TraceSink decorates the active span with the decision summary.
type TraceSink struct{}

// Publish implements Sink.
func (TraceSink) Publish(ctx context.Context, ev *DecisionEvent) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		traces.Outcome(string(ev.Outcome)),
		traces.Path(string(ev.Path)),
		traces.Risk(ev.Risk),
		traces.BudgetExceeded(ev.BudgetExceeded),
		traces.Degradations(ev.Degradations),
	)
	for _, tr := range ev.Trace {
		span.AddEvent(tr.State)
	}
}
