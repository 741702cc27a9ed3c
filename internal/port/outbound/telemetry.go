package outbound

import (
	"context"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
)

// TelemetrySink mirrors spans and decision events to the observability
// backend. Emission is best-effort: implementations swallow and log their
// own failures, callers never branch on them.
type TelemetrySink interface {
	// EmitSpan mirrors one finalized execution span.
	EmitSpan(ctx context.Context, span *execution.Span)

	// EmitDecision mirrors one emitted decision event.
	EmitDecision(ctx context.Context, event *decision.Event)

	// Shutdown flushes pending telemetry. Called once on engine stop.
	Shutdown(ctx context.Context) error
}
