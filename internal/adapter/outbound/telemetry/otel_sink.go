// Package telemetry mirrors finished execution spans and decision events to
// OpenTelemetry. The adapter owns its providers; emission is best-effort and
// never surfaces errors to the decision path.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// Config configures the OTel sink.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint selects the exporter. Only "stdout" is supported; an empty
	// value means stdout.
	Endpoint string
}

// OTelSink exports execution spans through an OTel tracer and decision counts
// through an OTel meter.
type OTelSink struct {
	tracerProvider  *sdktrace.TracerProvider
	meterProvider   *sdkmetric.MeterProvider
	tracer          trace.Tracer
	decisionCounter metric.Int64Counter
	spanDuration    metric.Float64Histogram
	logger          *slog.Logger
}

var _ outbound.TelemetrySink = (*OTelSink)(nil)

// Option adjusts sink construction.
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter redirects both exporters away from stdout. Used by tests.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// NewOTelSink builds the stdout-exporting sink.
func NewOTelSink(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*OTelSink, error) {
	if cfg.Endpoint != "" && cfg.Endpoint != "stdout" {
		return nil, fmt.Errorf("unsupported telemetry endpoint %q", cfg.Endpoint)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var traceOpts []stdouttrace.Option
	if o.writer != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(o.writer))
	}
	traceExp, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
	)

	var metricOpts []stdoutmetric.Option
	if o.writer != nil {
		metricOpts = append(metricOpts, stdoutmetric.WithEncoder(json.NewEncoder(o.writer)))
	}
	metricExp, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	s := &OTelSink{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("policy-engine"),
		logger:         logger,
	}

	meter := mp.Meter("policy-engine")
	s.decisionCounter, err = meter.Int64Counter("policy_engine.decisions",
		metric.WithDescription("Decision events emitted"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		_ = s.Shutdown(ctx)
		return nil, fmt.Errorf("create decision counter: %w", err)
	}
	s.spanDuration, err = meter.Float64Histogram("policy_engine.span.duration",
		metric.WithDescription("Execution span duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		_ = s.Shutdown(ctx)
		return nil, fmt.Errorf("create span histogram: %w", err)
	}

	return s, nil
}

// EmitSpan mirrors one finalized execution span to the tracer.
func (s *OTelSink) EmitSpan(ctx context.Context, span *execution.Span) {
	if span == nil {
		return
	}

	name := span.RepoName
	if span.Type == execution.SpanAgent {
		name = span.AgentName
	}

	attrs := []attribute.KeyValue{
		attribute.String("span_id", span.SpanID),
		attribute.String("parent_span_id", span.ParentSpanID),
		attribute.String("repo_name", span.RepoName),
		attribute.String("span_type", string(span.Type)),
		attribute.String("span_status", string(span.Status)),
	}
	if span.AgentName != "" {
		attrs = append(attrs, attribute.String("agent_name", span.AgentName))
	}

	_, otelSpan := s.tracer.Start(ctx, name,
		trace.WithTimestamp(span.StartTime),
		trace.WithAttributes(attrs...),
	)

	end := span.StartTime
	if span.EndTime != nil {
		end = *span.EndTime
	}
	if span.Status == execution.SpanFailed {
		otelSpan.SetStatus(codes.Error, span.Error)
	}
	otelSpan.End(trace.WithTimestamp(end))

	if s.spanDuration != nil {
		s.spanDuration.Record(ctx, end.Sub(span.StartTime).Seconds(), metric.WithAttributes(
			attribute.String("span_type", string(span.Type)),
			attribute.String("span_status", string(span.Status)),
		))
	}
}

// EmitDecision counts one emitted decision event.
func (s *OTelSink) EmitDecision(ctx context.Context, event *decision.Event) {
	if event == nil || s.decisionCounter == nil {
		return
	}

	outcome := "unknown"
	if v, ok := event.Outputs["outcome"].(string); ok {
		outcome = v
	}

	s.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", event.AgentID),
		attribute.String("decision_type", string(event.DecisionType)),
		attribute.String("outcome", outcome),
	))
}

// Shutdown flushes both providers. First error wins.
func (s *OTelSink) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
