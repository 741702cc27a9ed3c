package policyengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func allowEnvelope(outcome string, allowed bool) Envelope {
	end := time.Now().UTC()
	return Envelope{
		Success: true,
		Data: &Event{
			EventID:            "evt-1",
			AgentID:            AgentPolicyEnforcement,
			AgentVersion:       "1.0.0",
			DecisionType:       "policy_enforcement_decision",
			InputsHash:         "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Outputs:            map[string]any{"outcome": outcome, "allowed": allowed, "reason": "matched"},
			Confidence:         0.95,
			ConstraintsApplied: []ConstraintApplied{},
			ExecutionRef:       ExecutionRef{RequestID: "corr-1", TraceID: "exec-1", SpanID: "span-1", Environment: "dev"},
			Timestamp:          end.Format(time.RFC3339Nano),
		},
		Execution: ExecutionInfo{
			RepoSpan:   &Span{Type: "repo", SpanID: "span-1", RepoName: "policy-engine", Status: "completed", StartTime: end, EndTime: &end},
			AgentSpans: []Span{{Type: "agent", SpanID: "span-2", ParentSpanID: "span-1", RepoName: "policy-engine", AgentName: AgentPolicyEnforcement, Status: "completed", StartTime: end, EndTime: &end}},
		},
	}
}

func TestEvaluate_Allow(t *testing.T) {
	var receivedBody EvaluationRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/evaluate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get(ExecutionIDHeader) != "exec-1" {
			t.Errorf("unexpected x-execution-id: %s", r.Header.Get(ExecutionIDHeader))
		}
		if r.Header.Get(ParentSpanIDHeader) != "span-0" {
			t.Errorf("unexpected x-parent-span-id: %s", r.Header.Get(ParentSpanIDHeader))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(allowEnvelope(OutcomePolicyAllow, true))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	env, err := client.Evaluate(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
		EvaluationRequest{
			RequestID: "req-1",
			Context:   Context{"llm": map[string]any{"model": "gpt-4"}},
			PolicyIDs: []string{"pol-1"},
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.Data == nil {
		t.Fatal("expected data event")
	}
	if !env.Data.Allowed() {
		t.Error("expected allowed decision")
	}
	if env.Data.Outcome() != OutcomePolicyAllow {
		t.Errorf("outcome = %q, want policy_allow", env.Data.Outcome())
	}
	if env.Data.Reason() != "matched" {
		t.Errorf("reason = %q, want matched", env.Data.Reason())
	}
	if env.Execution.RepoSpan == nil || len(env.Execution.AgentSpans) != 1 {
		t.Error("expected repo span and one agent span")
	}

	if receivedBody.RequestID != "req-1" {
		t.Errorf("request_id = %q, want req-1", receivedBody.RequestID)
	}
	if len(receivedBody.PolicyIDs) != 1 || receivedBody.PolicyIDs[0] != "pol-1" {
		t.Errorf("policy_ids = %v, want [pol-1]", receivedBody.PolicyIDs)
	}
}

func TestEvaluate_DenyIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(allowEnvelope(OutcomePolicyDeny, false))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	env, err := client.Evaluate(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
		EvaluationRequest{Context: Context{}})
	if err != nil {
		t.Fatalf("deny must not be an error: %v", err)
	}
	if env.Data.Allowed() {
		t.Error("expected denied decision")
	}
	if env.Data.Outcome() != OutcomePolicyDeny {
		t.Errorf("outcome = %q, want policy_deny", env.Data.Outcome())
	}
}

func TestEvaluate_TerminalEnvelopeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Envelope{
			Success: false,
			Error: &ResponseError{
				Code:    CodeExecutionContext,
				Message: "missing required execution context",
				Details: map[string]any{"missing": []any{"x-execution-id"}},
			},
			Execution: ExecutionInfo{AgentSpans: []Span{}},
		})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	env, err := client.Evaluate(context.Background(), CallContext{}, EvaluationRequest{Context: Context{}})
	if err == nil {
		t.Fatal("expected terminal envelope error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != CodeExecutionContext {
		t.Errorf("code = %q, want EXECUTION_CONTEXT_ERROR", apiErr.Code)
	}
	if apiErr.HTTPStatus != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.HTTPStatus)
	}
	if !IsTerminal(err) {
		t.Error("IsTerminal should report true for execution context errors")
	}
	// The envelope still comes back for span inspection.
	if env == nil || env.Success {
		t.Error("expected failure envelope alongside the error")
	}
}

func TestRoute(t *testing.T) {
	var received ApprovalInput

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/route" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		env := allowEnvelope(OutcomeAutoApproved, true)
		env.Data.AgentID = AgentApprovalRouting
		env.Data.DecisionType = "approval_routing_decision"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env)
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	env, err := client.Route(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
		ApprovalInput{
			ActionContext: Context{"request": map[string]any{"operation": "deploy"}},
			Requester:     Requester{ID: "u-1", Roles: []string{"developer"}},
			Priority:      "high",
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Data.Outcome() != OutcomeAutoApproved {
		t.Errorf("outcome = %q, want auto_approved", env.Data.Outcome())
	}

	if received.Requester.ID != "u-1" {
		t.Errorf("requester id = %q, want u-1", received.Requester.ID)
	}
	if received.Priority != "high" {
		t.Errorf("priority = %q, want high", received.Priority)
	}
}

func TestResolve_PathAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/resolve" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get(CorrelationIDHeader) != "corr-7" {
			t.Errorf("correlation header = %q, want corr-7", r.Header.Get(CorrelationIDHeader))
		}
		if r.Header.Get(SessionIDHeader) != "sess-3" {
			t.Errorf("session header = %q, want sess-3", r.Header.Get(SessionIDHeader))
		}
		env := allowEnvelope(OutcomeConstraintsSatisfied, true)
		env.Data.AgentID = AgentConstraintSolver
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env)
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	env, err := client.Resolve(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0", CorrelationID: "corr-7", SessionID: "sess-3"},
		EvaluationRequest{Context: Context{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Data.AgentID != AgentConstraintSolver {
		t.Errorf("agent = %q, want constraint solver", env.Data.AgentID)
	}
}

func TestCheck(t *testing.T) {
	allowed := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome := OutcomePolicyAllow
		if !allowed {
			outcome = OutcomePolicyDeny
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(allowEnvelope(outcome, allowed))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))
	call := CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"}

	ok, err := client.Check(context.Background(), call, EvaluationRequest{Context: Context{}})
	if err != nil || !ok {
		t.Fatalf("Check = (%v, %v), want (true, nil)", ok, err)
	}

	allowed = false
	ok, err = client.Check(context.Background(), call, EvaluationRequest{Context: Context{}})
	if err != nil || ok {
		t.Fatalf("Check = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestApprovalStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/approvals/apr-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ApprovalStatusAnswer{
			RequestID: "apr-1",
			Status:    &ApprovalStatus{RequestID: "apr-1", State: "approved", DecidedBy: "lead@platform"},
		})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	answer, err := client.ApprovalStatus(context.Background(), "apr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Status == nil || answer.Status.State != "approved" {
		t.Errorf("status = %+v, want approved", answer.Status)
	}
}

func TestApprovalStatus_NullMeansCollaboratorOwned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ApprovalStatusAnswer{RequestID: "apr-9", Status: nil})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	answer, err := client.ApprovalStatus(context.Background(), "apr-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Status != nil {
		t.Errorf("status = %+v, want nil", answer.Status)
	}
}

func TestServerHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(Health{
			Status: "unhealthy",
			Checks: map[string]string{"record_dispatcher": "unhealthy: queue 95% full"},
		})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	h, err := client.ServerHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", h.Status)
	}
}

func TestUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client := NewClient(WithServerAddr(addr), WithTimeout(time.Second))

	_, err := client.Evaluate(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
		EvaluationRequest{Context: Context{}})
	if err == nil {
		t.Fatal("expected transport error against closed server")
	}
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("errors.Is(err, ErrUnreachable) = false for %v", err)
	}
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Errorf("expected *UnreachableError, got %T", err)
	}
}

func TestEvaluate_CacheHitsServerOnce(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(allowEnvelope(OutcomePolicyAllow, true))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL), WithCacheTTL(time.Minute))
	call := CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"}
	req := EvaluationRequest{Context: Context{"llm": map[string]any{"model": "gpt-4"}}}

	for i := 0; i < 3; i++ {
		if _, err := client.Evaluate(context.Background(), call, req); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (cache should absorb repeats)", got)
	}

	// A different context misses the cache.
	other := EvaluationRequest{Context: Context{"llm": map[string]any{"model": "claude"}}}
	if _, err := client.Evaluate(context.Background(), call, other); err != nil {
		t.Fatalf("evaluate other: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2 after distinct context", got)
	}
}

func TestEvaluate_DryRunBypassesCache(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(allowEnvelope(OutcomePolicyAllow, true))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL), WithCacheTTL(time.Minute))
	call := CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"}
	req := EvaluationRequest{Context: Context{}, DryRun: true}

	for i := 0; i < 2; i++ {
		if _, err := client.Evaluate(context.Background(), call, req); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2 (dry runs are never cached)", got)
	}
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	_, err := client.Evaluate(context.Background(),
		CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
		EvaluationRequest{Context: Context{}})
	if err == nil {
		t.Fatal("expected error for non-envelope body")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != "HTTP_502" {
		t.Errorf("code = %q, want HTTP_502", apiErr.Code)
	}
}
