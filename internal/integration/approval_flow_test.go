package integration

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

func deployReviewRule() *approval.Rule {
	return &approval.Rule{
		ID:   "deploy-review",
		Name: "Production deploy review",
		Match: []*policy.Condition{{
			Field:    "operation",
			Operator: policy.OpEquals,
			Value:    "deploy",
		}},
		RequiredApprovers: 1,
		ApproverPool: []approval.Approver{
			{ID: "alice", Name: "Alice", Role: "engineering-manager", Available: true},
			{ID: "bob", Name: "Bob", Role: "engineering-manager", Available: false},
		},
		TimeoutSeconds: 3600,
		AutoApprove: &approval.AutoApprove{
			AllowedRoles: []string{"platform-admin"},
		},
		Priority: 10,
		Active:   true,
	}
}

func deployContext() map[string]any {
	return map[string]any{
		"operation":     "deploy",
		"resource_type": "model_deployment",
	}
}

// A requester holding an allowed role skips the chain entirely.
func TestRouteAutoApprovalByRole(t *testing.T) {
	env := bootEngine(t, nil, []*approval.Rule{deployReviewRule()})

	code, resp := postDecision(t, env.handler, "/v1/route", approval.Input{
		ActionContext: deployContext(),
		Requester:     approval.Requester{ID: "user-7", Roles: []string{"platform-admin"}},
	})
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d success = %v error = %+v", code, resp.Success, resp.Error)
	}

	ev := resp.Data
	if ev.DecisionType != decision.TypeApprovalRouting {
		t.Fatalf("decision_type = %q", ev.DecisionType)
	}
	if got := ev.Outputs["outcome"]; got != string(approval.OutcomeAutoApproved) {
		t.Errorf("outcome = %v, want %s", got, approval.OutcomeAutoApproved)
	}
	if auto, _ := ev.Outputs["auto_approved"].(bool); !auto {
		t.Error("auto_approved = false")
	}
	if got := stringsOf(ev.Outputs["rules_matched"]); !contains(got, "deploy-review") {
		t.Errorf("rules_matched = %v", got)
	}
	chain, _ := ev.Outputs["approval_chain"].(map[string]any)
	if steps, _ := chain["steps"].([]any); len(steps) != 0 {
		t.Errorf("chain steps = %d, want 0 on auto-approval", len(steps))
	}
	if ev.Confidence < 0.95 {
		t.Errorf("confidence = %v, want >= 0.95", ev.Confidence)
	}
	reason, _ := ev.Outputs["auto_approve_reason"].(string)
	if !strings.Contains(reason, "role") {
		t.Errorf("auto_approve_reason = %q", reason)
	}
	if _, ok := ev.Metadata["approval_request_id"]; ok {
		t.Error("auto-approval must not mint an approval_request_id")
	}
}

// Without an allowed role the matched rule assembles a chain from its
// available approvers and the event carries a tracking id.
func TestRouteBuildsApprovalChain(t *testing.T) {
	env := bootEngine(t, nil, []*approval.Rule{deployReviewRule()})

	code, resp := postDecision(t, env.handler, "/v1/route", approval.Input{
		ActionContext: deployContext(),
		Requester:     approval.Requester{ID: "user-9", Roles: []string{"developer"}},
	})
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d success = %v error = %+v", code, resp.Success, resp.Error)
	}

	ev := resp.Data
	if got := ev.Outputs["outcome"]; got != string(approval.OutcomeApprovalRequired) {
		t.Errorf("outcome = %v, want %s", got, approval.OutcomeApprovalRequired)
	}
	chain, _ := ev.Outputs["approval_chain"].(map[string]any)
	steps, _ := chain["steps"].([]any)
	if len(steps) != 1 {
		t.Fatalf("chain steps = %d, want 1", len(steps))
	}
	step, _ := steps[0].(map[string]any)
	if got := step["rule_id"]; got != "deploy-review" {
		t.Errorf("step rule_id = %v", got)
	}
	approvers, _ := step["approvers"].([]any)
	if len(approvers) != 1 {
		t.Errorf("step approvers = %d, want only the available one", len(approvers))
	}
	if got, _ := step["required_approvals"].(float64); got != 1 {
		t.Errorf("required_approvals = %v, want 1", got)
	}

	id, _ := ev.Metadata["approval_request_id"].(string)
	if id == "" {
		t.Error("chained approval missing approval_request_id")
	}
	if score, _ := ev.Outputs["risk_score"].(float64); score <= 0 {
		t.Errorf("risk_score = %v, want > 0", score)
	}
}

// Critical-priority requests route straight to escalation.
func TestRouteEscalatesCriticalPriority(t *testing.T) {
	env := bootEngine(t, nil, []*approval.Rule{deployReviewRule()})

	code, resp := postDecision(t, env.handler, "/v1/route", approval.Input{
		ActionContext: deployContext(),
		Requester:     approval.Requester{ID: "user-9", Roles: []string{"developer"}},
		Priority:      "critical",
	})
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d success = %v error = %+v", code, resp.Success, resp.Error)
	}
	if got := resp.Data.Outputs["outcome"]; got != string(approval.OutcomeEscalationRequired) {
		t.Errorf("outcome = %v, want %s", got, approval.OutcomeEscalationRequired)
	}
}

// No configured rules means nothing to route: the action is bypassed with
// reduced confidence.
func TestRouteBypassWithoutRules(t *testing.T) {
	env := bootEngine(t, nil, nil)

	code, resp := postDecision(t, env.handler, "/v1/route", approval.Input{
		ActionContext: deployContext(),
		Requester:     approval.Requester{ID: "user-1"},
	})
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d success = %v error = %+v", code, resp.Success, resp.Error)
	}

	ev := resp.Data
	if got := ev.Outputs["outcome"]; got != string(approval.OutcomeApprovalBypassed) {
		t.Errorf("outcome = %v, want %s", got, approval.OutcomeApprovalBypassed)
	}
	if got := stringsOf(ev.Outputs["rules_matched"]); len(got) != 0 {
		t.Errorf("rules_matched = %v, want empty", got)
	}
	if ev.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", ev.Confidence)
	}
}

// The engine routes approvals but does not track them: without a status
// collaborator the lookup answers null.
func TestApprovalStatusNotTracked(t *testing.T) {
	env := bootEngine(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/apr-123", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		RequestID string `json:"request_id"`
		Status    any    `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.RequestID != "apr-123" {
		t.Errorf("request_id = %q", body.RequestID)
	}
	if body.Status != nil {
		t.Errorf("status = %v, want null", body.Status)
	}
}
