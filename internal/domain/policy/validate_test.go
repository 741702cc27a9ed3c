package policy

import "testing"

func validPolicy() *Policy {
	return &Policy{
		ID:        "pol-1",
		Name:      "Test policy",
		Version:   "1.0.0",
		Namespace: "dev/test",
		Status:    StatusActive,
		Enabled:   true,
		Rules: []PolicyRule{
			{
				ID:        "r1",
				Enabled:   true,
				Condition: &Condition{Operator: OpEquals, Field: "llm.provider", Value: "openai"},
				Action:    Action{Type: ActionAllow, Decision: DecisionAllow},
			},
		},
	}
}

func TestValidatePolicyOK(t *testing.T) {
	p := validPolicy()
	if vs := ValidatePolicy(p); len(vs) != 0 {
		t.Errorf("unexpected violations: %v", vs)
	}
}

func TestValidatePolicyViolations(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Policy)
		wantCode string
	}{
		{"empty id", func(p *Policy) { p.ID = "" }, "MISSING_REQUIRED_FIELD"},
		{"empty name", func(p *Policy) { p.Name = " " }, "MISSING_REQUIRED_FIELD"},
		{"bad version", func(p *Policy) { p.Version = "one point oh" }, "INVALID_VERSION"},
		{"bad status", func(p *Policy) { p.Status = "paused" }, "INVALID_STATUS"},
		{"no rules", func(p *Policy) { p.Rules = nil }, "NO_RULES"},
		{
			"duplicate rule ids",
			func(p *Policy) { p.Rules = append(p.Rules, p.Rules[0]) },
			"DUPLICATE_RULE_ID",
		},
		{
			"missing condition",
			func(p *Policy) { p.Rules[0].Condition = nil },
			"MISSING_CONDITION",
		},
		{
			"unknown operator",
			func(p *Policy) { p.Rules[0].Condition.Operator = "approximately" },
			"UNKNOWN_OPERATOR",
		},
		{
			"leaf without field",
			func(p *Policy) { p.Rules[0].Condition.Field = "" },
			"MISSING_CONDITION_FIELD",
		},
		{
			"leaf without value",
			func(p *Policy) { p.Rules[0].Condition.Value = nil },
			"MISSING_CONDITION_VALUE",
		},
		{
			"empty composite",
			func(p *Policy) { p.Rules[0].Condition = &Condition{Operator: OpAnd} },
			"EMPTY_COMPOSITE",
		},
		{
			"not with two children",
			func(p *Policy) {
				leaf := &Condition{Operator: OpExists, Field: "user.id"}
				p.Rules[0].Condition = &Condition{Operator: OpNot, Conditions: []*Condition{leaf, leaf}}
			},
			"NOT_SINGLE_CHILD",
		},
		{
			"invalid decision",
			func(p *Policy) { p.Rules[0].Action.Decision = "maybe" },
			"INVALID_DECISION",
		},
		{
			"deny without reason",
			func(p *Policy) {
				p.Rules[0].Action = Action{Type: ActionDeny, Decision: DecisionDeny}
			},
			"DENY_WITHOUT_REASON",
		},
		{
			"modify without modifications",
			func(p *Policy) {
				p.Rules[0].Action = Action{Type: ActionModify, Decision: DecisionModify}
			},
			"MODIFY_WITHOUT_MODIFICATIONS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(p)
			vs := ValidatePolicy(p)
			if !hasViolation(vs, tt.wantCode) {
				t.Errorf("violations %v missing code %s", vs, tt.wantCode)
			}
		})
	}
}

func TestValidateDocumentDuplicatePolicyIDs(t *testing.T) {
	doc := &Document{
		APIVersion: APIVersion,
		Kind:       KindPolicyDocument,
		Policies:   []*Policy{validPolicy(), validPolicy()},
	}
	vs := ValidateDocument(doc)
	if !hasViolation(vs, "DUPLICATE_POLICY_ID") {
		t.Errorf("violations %v missing DUPLICATE_POLICY_ID", vs)
	}
}

func TestValidateExerciseNestedPaths(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Condition = &Condition{
		Operator: OpAnd,
		Conditions: []*Condition{
			{Operator: OpEquals, Field: "user.id", Value: "u1"},
			{Operator: OpGreaterThan, Field: ""}, // missing field and value
		},
	}
	vs := ValidatePolicy(p)
	var found bool
	for _, v := range vs {
		if v.Code == "MISSING_CONDITION_FIELD" && v.Field == "rules[0].condition.conditions[1].field" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations %v missing nested path finding", vs)
	}
}

func TestStructuralErrorMessage(t *testing.T) {
	err := &StructuralError{Violations: []Violation{
		{Code: "NO_RULES", Field: "rules", Message: "policy must contain at least one rule", Severity: SeverityError},
	}}
	want := "invalid policy input: NO_RULES (rules): policy must contain at least one rule"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
