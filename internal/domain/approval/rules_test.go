package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const rulesYAML = `
rules:
  - id: ar-prod-deploy
    name: production deploys
    priority: 90
    match:
      - operator: equals
        field: resource_type
        value: deployment
      - operator: matches
        field: environment
        value: "prod"
    required_approvers: 2
    timeout_seconds: 3600
    approver_pool:
      - id: lead-1
        name: Platform Lead
        role: platform-lead
        available: true
      - id: lead-2
        role: platform-lead
        available: false
    escalation:
      enabled: true
      levels:
        - level: 1
          timeout_seconds: 1800
          approvers:
            - id: director-1
              available: true
  - id: ar-low-risk
    name: low risk fast path
    match:
      - operator: less_than
        field: details.value
        value: 50
    auto_approve_conditions:
      allowed_roles: [platform-admin]
      max_value: 50
`

func TestParseRulesYAML(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("ParseRules() error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}

	prod := rules[0]
	if prod.ID != "ar-prod-deploy" {
		t.Errorf("id = %q", prod.ID)
	}
	if !prod.Active {
		t.Error("active should default to true")
	}
	if prod.MatchCombinator != CombinatorAll {
		t.Errorf("combinator = %q, want all by default", prod.MatchCombinator)
	}
	if len(prod.Match) != 2 {
		t.Errorf("match conditions = %d, want 2", len(prod.Match))
	}
	if prod.RequiredApprovers != 2 || prod.TimeoutSeconds != 3600 {
		t.Errorf("approvers/timeout = %d/%d", prod.RequiredApprovers, prod.TimeoutSeconds)
	}
	if got := prod.AvailableApprovers(); len(got) != 1 || got[0].ID != "lead-1" {
		t.Errorf("available approvers = %v", got)
	}
	if prod.Escalation == nil || !prod.Escalation.Enabled || len(prod.Escalation.Levels) != 1 {
		t.Errorf("escalation not decoded: %+v", prod.Escalation)
	}

	low := rules[1]
	if low.AutoApprove == nil || low.AutoApprove.MaxValue == nil || *low.AutoApprove.MaxValue != 50 {
		t.Errorf("auto approve conditions not decoded: %+v", low.AutoApprove)
	}
}

func TestParseRulesBareArrayJSON(t *testing.T) {
	data := `[
		{"id": "ar-1", "name": "one",
		 "match": [{"operator": "exists", "field": "request.id"}],
		 "approver_pool": [{"id": "a-1", "available": true}]}
	]`
	rules, err := ParseRules([]byte(data))
	if err != nil {
		t.Fatalf("ParseRules() error: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "ar-1" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestParseRulesValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{
			"missing name",
			`{"rules": [{"id": "ar-1", "match": [{"operator": "exists", "field": "x"}], "approver_pool": [{"id": "a", "available": true}]}]}`,
			"Name",
		},
		{
			"duplicate ids",
			`{"rules": [
				{"id": "ar-1", "name": "a", "match": [{"operator": "exists", "field": "x"}], "approver_pool": [{"id": "p", "available": true}]},
				{"id": "ar-1", "name": "b", "match": [{"operator": "exists", "field": "x"}], "approver_pool": [{"id": "p", "available": true}]}
			]}`,
			"duplicate rule id",
		},
		{
			"active rule cannot route",
			`{"rules": [{"id": "ar-1", "name": "a", "match": [{"operator": "exists", "field": "x"}]}]}`,
			"approver pool or auto-approve",
		},
		{
			"unknown operator",
			`{"rules": [{"id": "ar-1", "name": "a", "match": [{"operator": "similar_to", "field": "x", "value": 1}], "approver_pool": [{"id": "p", "available": true}]}]}`,
			"unknown operator",
		},
		{
			"leaf without field",
			`{"rules": [{"id": "ar-1", "name": "a", "match": [{"operator": "equals", "value": 1}], "approver_pool": [{"id": "p", "available": true}]}]}`,
			"field path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRulesInactiveNeedsNoPool(t *testing.T) {
	data := `{"rules": [{"id": "ar-1", "name": "a", "active": false, "match": [{"operator": "exists", "field": "x"}]}]}`
	rules, err := ParseRules([]byte(data))
	if err != nil {
		t.Fatalf("inactive rule without pool should parse: %v", err)
	}
	if rules[0].Active {
		t.Error("explicit active=false was overridden")
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approval-rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile() error: %v", err)
	}
	if len(rules) != 2 {
		t.Errorf("rules = %d, want 2", len(rules))
	}

	if _, err := LoadRulesFile(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("missing file should error")
	}
}
