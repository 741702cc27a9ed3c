package telemetry

import (
	"context"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// NoopSink discards all telemetry. Stands in when telemetry is disabled so
// callers never branch on configuration.
type NoopSink struct{}

var _ outbound.TelemetrySink = NoopSink{}

func (NoopSink) EmitSpan(context.Context, *execution.Span)     {}
func (NoopSink) EmitDecision(context.Context, *decision.Event) {}
func (NoopSink) Shutdown(context.Context) error                { return nil }
