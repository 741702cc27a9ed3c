package admin

import (
	"net/http"
	"testing"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// unscopedDenyBody trips governance: a deny rule touching a critical
// resource token with no environment tag and no scope-narrowing condition.
const unscopedDenyBody = `{
	"id": "pol-db",
	"name": "db guard",
	"version": "1.0.0",
	"namespace": "test",
	"rules": [
		{
			"id": "r1",
			"name": "deny database drops",
			"condition": {"operator": "equals", "field": "request.operation", "value": "drop_table"},
			"action": {"decision": "deny", "reason": "destructive operation"}
		}
	]
}`

// securityPolicyBody is structurally valid but classified security, so
// governance infers requires_approval for any mutation that leaves it
// evaluable.
const securityPolicyBody = `{
	"id": "pol-sec",
	"name": "restricted models",
	"version": "1.0.0",
	"namespace": "test",
	"tags": ["security", "dev"],
	"rules": [
		{
			"id": "r1",
			"name": "allow vetted models",
			"condition": {"operator": "in", "field": "request.model", "value": ["gpt-4", "claude-3"]},
			"action": {"decision": "allow"}
		}
	]
}`

func TestCreatePolicy(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var created policy.Policy
	decodeJSON(t, resp.Body, &created)
	if created.ID != "pol-quota" {
		t.Errorf("id = %q, want pol-quota", created.ID)
	}
	if created.InternalVersion != 1 {
		t.Errorf("internal_version = %d, want 1", created.InternalVersion)
	}
	if created.CreatedBy != "ops@platform" {
		t.Errorf("created_by = %q, want the actor header", created.CreatedBy)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestCreatePolicy_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/policies", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	detail := decodeError(t, resp.Body)
	if detail.Code != "STRUCTURAL_ERROR" {
		t.Errorf("code = %q, want STRUCTURAL_ERROR", detail.Code)
	}
}

func TestCreatePolicy_StructuralViolations(t *testing.T) {
	env := newTestEnv(t)

	// Version is required and checked by the lifecycle service.
	body := `{
		"id": "pol-bad",
		"name": "bad policy",
		"namespace": "test",
		"rules": [
			{
				"id": "r1",
				"name": "allow all",
				"condition": {"operator": "exists", "field": "request"},
				"action": {"decision": "allow"}
			}
		]
	}`
	resp := env.do(t, http.MethodPost, "/v1/policies", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	detail := decodeError(t, resp.Body)
	if detail.Code != "STRUCTURAL_ERROR" {
		t.Errorf("code = %q, want STRUCTURAL_ERROR", detail.Code)
	}
	violations, ok := detail.Details["violations"].([]any)
	if !ok || len(violations) == 0 {
		t.Errorf("details.violations = %v, want a non-empty list", detail.Details["violations"])
	}
}

func TestCreatePolicy_GovernanceRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/policies", unscopedDenyBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	detail := decodeError(t, resp.Body)
	if detail.Code != "GOVERNANCE_ERROR" {
		t.Errorf("code = %q, want GOVERNANCE_ERROR", detail.Code)
	}
	if _, ok := detail.Details["report"]; !ok {
		t.Error("details should carry the governance report")
	}

	// Nothing persisted, no audit entry.
	if get := env.do(t, http.MethodGet, "/v1/policies/pol-db", ""); get.StatusCode != http.StatusNotFound {
		t.Errorf("rejected policy should not persist, GET status = %d", get.StatusCode)
	}
}

func TestCreatePolicy_Duplicate(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if detail := decodeError(t, resp.Body); detail.Code != "POLICY_EXISTS" {
		t.Errorf("code = %q, want POLICY_EXISTS", detail.Code)
	}
}

func TestCreatePolicy_ApprovalHeader(t *testing.T) {
	env := newTestEnv(t)

	// Security policies require approval to enter the evaluable state.
	resp := env.do(t, http.MethodPost, "/v1/policies", securityPolicyBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without approval = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if detail := decodeError(t, resp.Body); detail.Code != "GOVERNANCE_ERROR" {
		t.Errorf("code = %q, want GOVERNANCE_ERROR", detail.Code)
	}

	resp = env.do(t, http.MethodPost, "/v1/policies", securityPolicyBody, ApprovalGrantedHeader, "true")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status with approval = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestGetPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	resp := env.do(t, http.MethodGet, "/v1/policies/pol-quota", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var p policy.Policy
	decodeJSON(t, resp.Body, &p)
	if p.ID != "pol-quota" || p.Name != "model quota" {
		t.Errorf("got %q/%q, want pol-quota/model quota", p.ID, p.Name)
	}
}

func TestListPolicies(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/policies", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var empty []policy.Policy
	decodeJSON(t, resp.Body, &empty)
	if len(empty) != 0 {
		t.Errorf("empty store returned %d policies", len(empty))
	}

	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	resp = env.do(t, http.MethodGet, "/v1/policies", "")
	var policies []policy.Policy
	decodeJSON(t, resp.Body, &policies)
	if len(policies) != 1 {
		t.Fatalf("listed %d policies, want 1", len(policies))
	}
}

func TestUpdatePolicy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	body := `{
		"id": "pol-quota",
		"name": "model quota v2",
		"version": "1.1.0",
		"namespace": "test",
		"tags": ["dev"],
		"rules": [
			{
				"id": "r1",
				"name": "allow known models",
				"condition": {"operator": "equals", "field": "request.model", "value": "gpt-4"},
				"action": {"decision": "allow"}
			}
		]
	}`
	resp := env.do(t, http.MethodPut, "/v1/policies/pol-quota", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var updated policy.Policy
	decodeJSON(t, resp.Body, &updated)
	if updated.Name != "model quota v2" {
		t.Errorf("name = %q, want model quota v2", updated.Name)
	}
	if updated.InternalVersion != 2 {
		t.Errorf("internal_version = %d, want 2", updated.InternalVersion)
	}
	if updated.Version != "1.1.0" {
		t.Errorf("version = %q, want 1.1.0", updated.Version)
	}
}

func TestUpdatePolicy_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPut, "/v1/policies/missing", quotaPolicyBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestDeletePolicy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	resp := env.do(t, http.MethodDelete, "/v1/policies/pol-quota", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	if get := env.do(t, http.MethodGet, "/v1/policies/pol-quota", ""); get.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want %d", get.StatusCode, http.StatusNotFound)
	}
}

func TestEnableDisable(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	resp := env.do(t, http.MethodPost, "/v1/policies/pol-quota/disable", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var p policy.Policy
	decodeJSON(t, resp.Body, &p)
	if p.Enabled {
		t.Error("policy should be disabled")
	}

	resp = env.do(t, http.MethodPost, "/v1/policies/pol-quota/enable", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	decodeJSON(t, resp.Body, &p)
	if !p.Enabled {
		t.Error("policy should be enabled")
	}
}

func TestEnable_ReRunsGovernance(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", securityPolicyBody, ApprovalGrantedHeader, "true")
	env.do(t, http.MethodPost, "/v1/policies/pol-sec/disable", "")

	// Re-enabling a security policy requires the approval assertion again.
	resp := env.do(t, http.MethodPost, "/v1/policies/pol-sec/enable", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("enable without approval = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if detail := decodeError(t, resp.Body); detail.Code != "GOVERNANCE_ERROR" {
		t.Errorf("code = %q, want GOVERNANCE_ERROR", detail.Code)
	}

	resp = env.do(t, http.MethodPost, "/v1/policies/pol-sec/enable", "", ApprovalGrantedHeader, "true")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable with approval = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestArchivePolicy(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/policies", quotaPolicyBody)

	resp := env.do(t, http.MethodPost, "/v1/policies/pol-quota/archive", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var p policy.Policy
	decodeJSON(t, resp.Body, &p)
	if p.Status != policy.StatusArchived {
		t.Errorf("status = %q, want archived", p.Status)
	}

	// Archiving twice is a no-op, not an error.
	resp = env.do(t, http.MethodPost, "/v1/policies/pol-quota/archive", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second archive status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"api_version": "policy.llm-dev-ops.io/v1",
		"kind": "PolicyDocument",
		"policies": [` + quotaPolicyBody + `]
	}`
	resp := env.do(t, http.MethodPost, "/v1/policies/validate", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var verdict validateResponse
	decodeJSON(t, resp.Body, &verdict)
	if !verdict.Valid {
		t.Errorf("valid = false, results: %+v", verdict.Results)
	}
	if len(verdict.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(verdict.Results))
	}
	if verdict.Results[0].PolicyID != "pol-quota" {
		t.Errorf("result policy id = %q, want pol-quota", verdict.Results[0].PolicyID)
	}

	// Validation never persists.
	if get := env.do(t, http.MethodGet, "/v1/policies/pol-quota", ""); get.StatusCode != http.StatusNotFound {
		t.Errorf("validate must not persist, GET status = %d", get.StatusCode)
	}
}

func TestValidate_StructuralFindings(t *testing.T) {
	env := newTestEnv(t)

	// A policy with no rules fails structurally: still a 200, verdict negative.
	body := `{
		"api_version": "policy.llm-dev-ops.io/v1",
		"kind": "PolicyDocument",
		"policies": [
			{"id": "pol-empty", "name": "empty", "version": "1.0.0", "namespace": "test", "rules": []}
		]
	}`
	resp := env.do(t, http.MethodPost, "/v1/policies/validate", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var verdict validateResponse
	decodeJSON(t, resp.Body, &verdict)
	if verdict.Valid {
		t.Error("valid = true, want false")
	}
	if len(verdict.Violations) == 0 {
		t.Error("violations should not be empty")
	}
}

func TestValidate_GovernanceFindings(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"api_version": "policy.llm-dev-ops.io/v1",
		"kind": "PolicyDocument",
		"policies": [` + unscopedDenyBody + `]
	}`
	resp := env.do(t, http.MethodPost, "/v1/policies/validate", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var verdict validateResponse
	decodeJSON(t, resp.Body, &verdict)
	if verdict.Valid {
		t.Error("valid = true, want false from governance findings")
	}
	if len(verdict.Results) != 1 || verdict.Results[0].Report.Valid {
		t.Errorf("results = %+v, want one failing report", verdict.Results)
	}
}

func TestValidate_BarePolicy(t *testing.T) {
	env := newTestEnv(t)

	// A bare policy without the document envelope is wrapped before parsing.
	resp := env.do(t, http.MethodPost, "/v1/policies/validate", quotaPolicyBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var verdict validateResponse
	decodeJSON(t, resp.Body, &verdict)
	if !verdict.Valid || len(verdict.Results) != 1 {
		t.Errorf("verdict = %+v, want one valid result", verdict)
	}
}

func TestValidate_YAML(t *testing.T) {
	env := newTestEnv(t)

	body := `api_version: policy.llm-dev-ops.io/v1
kind: PolicyDocument
policies:
  - id: pol-yaml
    name: yaml policy
    version: 1.0.0
    namespace: test
    tags: [dev]
    rules:
      - id: r1
        name: allow requests
        condition:
          operator: exists
          field: request
        action:
          decision: allow
`
	resp := env.do(t, http.MethodPost, "/v1/policies/validate", body, "Content-Type", "application/yaml")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var verdict validateResponse
	decodeJSON(t, resp.Body, &verdict)
	if !verdict.Valid {
		t.Errorf("valid = false, violations: %+v results: %+v", verdict.Violations, verdict.Results)
	}
}
