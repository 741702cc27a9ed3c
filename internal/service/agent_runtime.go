package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// Runtime bundles the machinery shared by the three agent services: the
// evaluation core, event assembly, async persistence, telemetry, and the
// identity stamped into spans and refs.
type Runtime struct {
	engine    *Engine
	events    *EventBuilder
	records   *RecordDispatcher
	cache     *DecisionCache
	telemetry outbound.TelemetrySink
	logger    *slog.Logger
	clock     outbound.Clock
	ids       outbound.IDSource

	repoName    string
	environment string
}

// RuntimeOption customizes Runtime construction.
type RuntimeOption func(*Runtime)

// WithCache enables decision caching for the enforcement agent.
func WithCache(c *DecisionCache) RuntimeOption {
	return func(rt *Runtime) { rt.cache = c }
}

// WithTelemetry attaches a telemetry sink. Spans and decisions are emitted
// fire-and-forget.
func WithTelemetry(sink outbound.TelemetrySink) RuntimeOption {
	return func(rt *Runtime) { rt.telemetry = sink }
}

// WithRuntimeLogger overrides the logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// WithRuntimeClock overrides the time source.
func WithRuntimeClock(c outbound.Clock) RuntimeOption {
	return func(rt *Runtime) { rt.clock = c }
}

// WithRuntimeIDs overrides the id source for spans and correlation ids.
func WithRuntimeIDs(ids outbound.IDSource) RuntimeOption {
	return func(rt *Runtime) { rt.ids = ids }
}

// WithRepoName sets the repo name recorded on every span.
func WithRepoName(name string) RuntimeOption {
	return func(rt *Runtime) {
		if name != "" {
			rt.repoName = name
		}
	}
}

// WithEnvironment sets the environment embedded in every execution ref.
func WithEnvironment(env string) RuntimeOption {
	return func(rt *Runtime) {
		if env != "" {
			rt.environment = env
		}
	}
}

// NewRuntime assembles the shared agent runtime.
func NewRuntime(engine *Engine, events *EventBuilder, records *RecordDispatcher, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		engine:      engine,
		events:      events,
		records:     records,
		logger:      slog.Default(),
		clock:       outbound.ClockFunc(time.Now),
		ids:         outbound.IDFunc(uuid.NewString),
		repoName:    "policy-engine",
		environment: "dev",
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Engine exposes the evaluation core, for admin reloads and stats.
func (rt *Runtime) Engine() *Engine { return rt.engine }

// Cache exposes the decision cache, nil when caching is disabled.
func (rt *Runtime) Cache() *DecisionCache { return rt.cache }

// begin opens the span tree for one invocation: a repo span under the
// caller's parent span, with one agent span already started. The returned
// ref ties the eventual event back to the umbrella execution.
func (rt *Runtime) begin(call execution.CallContext, agentName string) (*execution.Tracker, execution.Ref) {
	tracker := execution.NewTracker(rt.repoName, call.ParentSpanID, rt.clock.Now, rt.ids.NewID)
	tracker.StartAgent(agentName)

	correlation := call.CorrelationID
	if correlation == "" {
		correlation = rt.ids.NewID()
	}
	ref := execution.Ref{
		RequestID:   correlation,
		TraceID:     call.ExecutionID,
		SpanID:      tracker.Repo().SpanID,
		Environment: rt.environment,
		SessionID:   call.SessionID,
	}
	return tracker, ref
}

// deliver finalizes the span tree, enforces the span invariant, queues the
// event for persistence and emits telemetry, then wraps the event in its
// envelope. persist=false (dry runs) skips the sink but still emits spans.
func (rt *Runtime) deliver(ctx context.Context, tracker *execution.Tracker, ev *decision.Event, persist bool) decision.Response {
	tracker.Finish("")
	if err := tracker.Validate(); err != nil {
		rt.logger.Error("execution invariant violated",
			"code", decision.CodeExecutionInvariant,
			"error", err,
		)
		return decision.Failed(decision.CodeExecutionInvariant, err.Error(), nil, rt.executionInfo(tracker))
	}
	if persist {
		rt.records.EnqueueEvent(ev)
	}
	rt.emit(ctx, tracker, ev)
	return decision.Decided(ev, rt.executionInfo(tracker))
}

// deliverError finalizes the span tree as failed and hands the error event
// back on the success path: the caller still receives a well-formed event.
func (rt *Runtime) deliverError(ctx context.Context, tracker *execution.Tracker, ev *decision.Event, cause error, persist bool) decision.Response {
	rt.logger.Error("decision failed, emitting error event",
		"code", decision.CodeDecision,
		"agent", ev.AgentID,
		"error", cause,
	)
	tracker.Finish(cause.Error())
	if persist {
		rt.records.EnqueueEvent(ev)
	}
	rt.emit(ctx, tracker, ev)
	return decision.Decided(ev, rt.executionInfo(tracker))
}

// fail finalizes the span tree as failed and returns a terminal error
// envelope. No event exists on this path.
func (rt *Runtime) fail(tracker *execution.Tracker, code, message string, details map[string]any) decision.Response {
	tracker.Finish(message)
	return decision.Failed(code, message, details, rt.executionInfo(tracker))
}

func (rt *Runtime) executionInfo(tracker *execution.Tracker) decision.ExecutionInfo {
	return decision.ExecutionFrom(tracker.Repo(), tracker.Agents())
}

// emit forwards the finished tree and event to the telemetry sink.
func (rt *Runtime) emit(ctx context.Context, tracker *execution.Tracker, ev *decision.Event) {
	if rt.telemetry == nil {
		return
	}
	rt.telemetry.EmitSpan(ctx, tracker.Repo())
	for _, span := range tracker.Agents() {
		rt.telemetry.EmitSpan(ctx, span)
	}
	if ev != nil {
		rt.telemetry.EmitDecision(ctx, ev)
	}
}
