// Package traces provides OpenTelemetry distributed tracing for the decision engine.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/auroraguard"

// ServiceVersion is reported on every exported span.
const ServiceVersion = "0.1.0"

// Init initializes the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, a no-op provider is used.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("auroraguard"),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// MarkDegraded records a fallback on the span without failing it.
func MarkDegraded(span trace.Span, tag string) {
	span.AddEvent("degraded", trace.WithAttributes(attribute.String("degradation", tag)))
}

// MarkError records a hard failure on the span.
func MarkError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute helpers for consistent span decoration.

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("txn.id", id)
}

func EntityCount(n int) attribute.KeyValue {
	return attribute.Int("txn.entities", n)
}

func Outcome(outcome string) attribute.KeyValue {
	return attribute.String("decision.outcome", outcome)
}

func Path(path string) attribute.KeyValue {
	return attribute.String("decision.path", path)
}

func Risk(risk float64) attribute.KeyValue {
	return attribute.Float64("decision.risk", risk)
}

func BudgetExceeded(v bool) attribute.KeyValue {
	return attribute.Bool("decision.budget_exceeded", v)
}

func Degradations(tags []string) attribute.KeyValue {
	return attribute.StringSlice("decision.degradations", tags)
}

func TimeoutMS(ms int64) attribute.KeyValue {
	return attribute.Int64("timeout_ms", ms)
}

func ModelVersion(v string) attribute.KeyValue {
	return attribute.String("model.version", v)
}

func CurveVersion(v string) attribute.KeyValue {
	return attribute.String("calibration.version", v)
}
