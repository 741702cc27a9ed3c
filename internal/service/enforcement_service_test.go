package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// agentEnv is one runtime over a fixed corpus, capturing everything the
// agents persist. Shared by the enforcement, solver and routing tests.
type agentEnv struct {
	rt   *Runtime
	sink *captureSink
	disp *RecordDispatcher
	stop sync.Once
}

// drain stops the dispatcher so the capture sink holds every queued record.
// Nothing may evaluate through the env afterwards.
func (e *agentEnv) drain() {
	e.stop.Do(e.disp.Stop)
}

func newAgentEnv(t *testing.T, ps ...*policy.Policy) *agentEnv {
	t.Helper()

	src := &stubSource{policies: ps}
	eng, err := NewEngine(context.Background(), src, testLogger(), WithGuardCompiler(stubGuardCompiler{}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sink := &captureSink{}
	disp := NewRecordDispatcher(sink, testLogger(), WithDispatchBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	disp.Start(ctx)

	n := 0
	ids := outbound.IDFunc(func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	})
	events := NewEventBuilder("1.0.0",
		WithEventIDs(ids),
		WithEventClock(outbound.ClockFunc(func() time.Time {
			return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
		})),
	)

	rt := NewRuntime(eng, events, disp,
		WithCache(NewDecisionCache(time.Minute, 32)),
		WithRuntimeLogger(testLogger()),
		WithRuntimeIDs(ids),
		WithEnvironment("test"),
	)
	env := &agentEnv{rt: rt, sink: sink, disp: disp}
	t.Cleanup(env.drain)
	return env
}

func agentCall() execution.CallContext {
	return execution.CallContext{
		ExecutionID:   "exec-1",
		ParentSpanID:  "parent-1",
		CorrelationID: "corr-1",
		SessionID:     "sess-1",
	}
}

func TestEnforcementService_Allow(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, fieldRule("r1", "request.model", "gpt-4", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{Context: baseContext()})
	if !resp.Success {
		t.Fatalf("Evaluate() failed: %+v", resp.Error)
	}
	ev := resp.Data
	if ev.AgentID != decision.AgentPolicyEnforcement || ev.DecisionType != decision.TypePolicyEnforcement {
		t.Errorf("event identity = %s/%s", ev.AgentID, ev.DecisionType)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("emitted event fails validation: %v", err)
	}
	if got := ev.Outputs["outcome"]; got != decision.OutcomePolicyAllow {
		t.Errorf("outcome = %v, want policy_allow", got)
	}
	if got := ev.Outputs["allowed"]; got != true {
		t.Errorf("allowed = %v", got)
	}
	if ev.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 for a clean match", ev.Confidence)
	}
	if got := ev.Metadata["cached"]; got != false {
		t.Errorf("cached = %v on a first evaluation", got)
	}
	if ev.ExecutionRef.TraceID != "exec-1" || ev.ExecutionRef.RequestID != "corr-1" {
		t.Errorf("execution ref = %+v, want the caller's ids", ev.ExecutionRef)
	}
	if ev.ExecutionRef.Environment != "test" {
		t.Errorf("environment = %q", ev.ExecutionRef.Environment)
	}

	repo := resp.Execution.RepoSpan
	if repo == nil || repo.Status != execution.SpanCompleted || repo.ParentSpanID != "parent-1" {
		t.Fatalf("repo span = %+v, want completed under parent-1", repo)
	}
	if len(resp.Execution.AgentSpans) != 1 {
		t.Fatalf("agent spans = %d, want 1", len(resp.Execution.AgentSpans))
	}
	agent := resp.Execution.AgentSpans[0]
	if agent.AgentName != decision.AgentPolicyEnforcement || agent.ParentSpanID != repo.SpanID {
		t.Errorf("agent span = %+v, want named and parented on the repo span", agent)
	}

	env.drain()
	events, _, evaluations, _ := env.sink.counts()
	if events != 1 || evaluations != 1 {
		t.Errorf("persisted %d events and %d evaluations, want 1 each", events, evaluations)
	}
}

func TestEnforcementService_DenyOutcome(t *testing.T) {
	rule := alwaysRule("r1", policy.DecisionDeny)
	rule.Action.Reason = "blocked by policy"
	env := newAgentEnv(t, activePolicy("p1", 0, rule))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{Context: baseContext()})
	if !resp.Success {
		t.Fatalf("Evaluate() failed: %+v", resp.Error)
	}
	if got := resp.Data.Outputs["outcome"]; got != decision.OutcomePolicyDeny {
		t.Errorf("outcome = %v, want policy_deny", got)
	}
	if got := resp.Data.Outputs["allowed"]; got != false {
		t.Errorf("allowed = %v", got)
	}
	if got := resp.Data.Outputs["reason"]; got != "blocked by policy" {
		t.Errorf("reason = %v", got)
	}
}

func TestEnforcementService_RateLimitDenyIsConstraintViolation(t *testing.T) {
	rule := alwaysRule("r1", policy.DecisionDeny)
	rule.Action.Type = policy.ActionRateLimit
	rule.Action.Reason = "rate exceeded"
	env := newAgentEnv(t, activePolicy("p1", 0, rule))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{Context: baseContext()})
	if got := resp.Data.Outputs["outcome"]; got != decision.OutcomeConstraintViolation {
		t.Errorf("outcome = %v, want constraint_violation for a rate-limit deny", got)
	}
}

func TestEnforcementService_ApprovalGateOutcome(t *testing.T) {
	rule := alwaysRule("r1", policy.DecisionWarn)
	rule.Action.Metadata = map[string]any{"approval_required": true}
	env := newAgentEnv(t, activePolicy("p1", 0, rule))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{Context: baseContext()})
	if got := resp.Data.Outputs["outcome"]; got != decision.OutcomeApprovalRequired {
		t.Errorf("outcome = %v, want approval_required", got)
	}
}

func TestEnforcementService_WarnIsConditionalAllow(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionWarn)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{Context: baseContext()})
	if got := resp.Data.Outputs["outcome"]; got != decision.OutcomeConditionalAllow {
		t.Errorf("outcome = %v, want conditional_allow", got)
	}
	if resp.Data.Confidence != 0.9 {
		t.Errorf("confidence = %v, want the warn reduction", resp.Data.Confidence)
	}
}

func TestEnforcementService_MissingContext(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{})
	if resp.Success {
		t.Fatal("empty context evaluated successfully")
	}
	if resp.Error == nil || resp.Error.Code != decision.CodeStructural {
		t.Fatalf("error = %+v, want STRUCTURAL_ERROR", resp.Error)
	}
	if resp.Execution.RepoSpan == nil || resp.Execution.RepoSpan.Status != execution.SpanFailed {
		t.Error("repo span not finalized as failed")
	}

	env.drain()
	events, _, evaluations, _ := env.sink.counts()
	if events != 0 || evaluations != 0 {
		t.Errorf("rejected request persisted %d events and %d evaluations", events, evaluations)
	}
}

func TestEnforcementService_DryRunSkipsSink(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{
		Context: baseContext(),
		DryRun:  true,
	})
	if !resp.Success {
		t.Fatalf("Evaluate() failed: %+v", resp.Error)
	}
	if got := resp.Data.Metadata["dry_run"]; got != true {
		t.Errorf("dry_run metadata = %v", got)
	}

	env.drain()
	events, _, evaluations, _ := env.sink.counts()
	if events != 0 || evaluations != 0 {
		t.Errorf("dry run persisted %d events and %d evaluations", events, evaluations)
	}
}

func TestEnforcementService_SecondIdenticalRequestIsCached(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)
	ctx := context.Background()

	first := svc.Evaluate(ctx, agentCall(), evaluation.Request{Context: baseContext()})
	if got := first.Data.Metadata["cached"]; got != false {
		t.Errorf("first call cached = %v", got)
	}

	second := svc.Evaluate(ctx, agentCall(), evaluation.Request{Context: baseContext()})
	if got := second.Data.Metadata["cached"]; got != true {
		t.Errorf("second call cached = %v, want a cache hit", got)
	}
	if second.Data.EventID == first.Data.EventID {
		t.Error("cache hit reused the event id; events are minted per invocation")
	}
	if second.Data.InputsHash != first.Data.InputsHash {
		t.Error("identical requests fingerprinted differently")
	}

	env.drain()
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.evaluations) != 2 {
		t.Fatalf("evaluations = %d, want 2", len(env.sink.evaluations))
	}
	if env.sink.evaluations[0].Cached || !env.sink.evaluations[1].Cached {
		t.Errorf("cached flags = %v/%v, want false then true",
			env.sink.evaluations[0].Cached, env.sink.evaluations[1].Cached)
	}
}

func TestEnforcementService_TraceBypassesCache(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)
	ctx := context.Background()

	req := evaluation.Request{Context: baseContext(), Trace: true}
	first := svc.Evaluate(ctx, agentCall(), req)
	second := svc.Evaluate(ctx, agentCall(), req)

	for i, resp := range []decision.Response{first, second} {
		if got := resp.Data.Metadata["cached"]; got != false {
			t.Errorf("traced call %d cached = %v, want cache bypass", i+1, got)
		}
		trace, ok := resp.Data.Outputs["trace"].(*evaluation.Trace)
		if !ok || trace == nil {
			t.Fatalf("traced call %d carries no trace", i+1)
		}
		if trace.Cached {
			t.Errorf("traced call %d trace.cached = true", i+1)
		}
		if len(trace.Steps) == 0 {
			t.Errorf("traced call %d has no steps", i+1)
		}
	}
}

func TestEnforcementService_EvaluationRecordRedactsContext(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{
		Context: evaluation.Context{
			"request": map[string]any{"model": "gpt-4", "api_key": "sk-live-1234"},
		},
	})
	if !resp.Success {
		t.Fatalf("Evaluate() failed: %+v", resp.Error)
	}

	env.drain()
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.evaluations) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(env.sink.evaluations))
	}
	nested, _ := env.sink.evaluations[0].Context["request"].(map[string]any)
	if nested["api_key"] != "***REDACTED***" {
		t.Errorf("api_key = %v, want redacted", nested["api_key"])
	}
	if nested["model"] != "gpt-4" {
		t.Errorf("model = %v, redaction touched a benign key", nested["model"])
	}
}

func TestEnforcementService_UnfingerprintableContext(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	resp := svc.Evaluate(context.Background(), agentCall(), evaluation.Request{
		Context: evaluation.Context{"request": make(chan int)},
	})
	if resp.Success {
		t.Fatal("unhashable context evaluated successfully")
	}
	if resp.Error.Code != decision.CodeStructural {
		t.Errorf("error code = %q, want STRUCTURAL_ERROR", resp.Error.Code)
	}
}

func TestEnforcementService_MintsCorrelationID(t *testing.T) {
	env := newAgentEnv(t, activePolicy("p1", 0, alwaysRule("r1", policy.DecisionAllow)))
	svc := NewEnforcementService(env.rt)

	call := agentCall()
	call.CorrelationID = ""
	resp := svc.Evaluate(context.Background(), call, evaluation.Request{Context: baseContext()})
	if !resp.Success {
		t.Fatalf("Evaluate() failed: %+v", resp.Error)
	}
	if resp.Data.ExecutionRef.RequestID == "" {
		t.Error("no correlation id minted for the execution ref")
	}
}
