// Package governance implements the fail-closed validator that gates every
// policy mutation: structural condition checks, critical-resource scoping,
// literal conflict detection, budget alert levels, type classification and
// approval inference.
package governance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// PolicyType classifies what a policy governs, a closed set.
type PolicyType string

const (
	TypeSecurity    PolicyType = "security"
	TypeCompliance  PolicyType = "compliance"
	TypeCost        PolicyType = "cost"
	TypeOperational PolicyType = "operational"
	TypeGeneral     PolicyType = "general"
)

// RiskLevel grades the blast radius of activating a policy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Violation codes raised by the validator.
const (
	CodeMissingConditionField    = "MISSING_CONDITION_FIELD"
	CodeEmptyComposite           = "EMPTY_COMPOSITE"
	CodeDenyWithoutScope         = "DENY_WITHOUT_SCOPE"
	CodeCriticalResourceDeny     = "CRITICAL_RESOURCE_DENY"
	CodeConflictingRules         = "CONFLICTING_RULES"
	CodeGuardInvalid             = "GUARD_INVALID"
	CodeBudgetCriticalUnenforced = "BUDGET_CRITICAL_NOT_ENFORCED"
	CodeBudgetWarningIgnored     = "BUDGET_WARNING_IGNORED"
)

// Thresholds are the budget-style alert levels checked against numeric
// literals on budget fields. Zero disables the corresponding check.
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
}

// Report is the validator verdict for one policy. Valid means no violation
// of error or critical severity; warnings and notices never block.
type Report struct {
	Valid            bool               `json:"valid"`
	Violations       []policy.Violation `json:"violations"`
	PolicyType       PolicyType         `json:"policy_type"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	RequiresApproval bool               `json:"requires_approval"`
	ApprovalReason   string             `json:"approval_reason,omitempty"`
}

// criticalResourceTokens mark a rule as touching sensitive surface when they
// appear in its name, description or any condition field path.
var criticalResourceTokens = []string{
	"admin", "root", "system", "database", "credentials", "secret",
	"key", "token", "password", "auth", "pii", "financial", "payment",
	"ssn", "health", "hipaa",
}

// nonProdTags are the explicit markers that exempt a policy from the
// conservative production default.
var nonProdTags = map[string]bool{
	"dev": true, "development": true,
	"staging": true, "stage": true,
	"test": true, "testing": true,
	"qa":      true,
	"nonprod": true, "non-prod": true,
}

// Check runs every pure validator check over p and grades the result.
// Guard-expression compilation is adapter territory; callers that can
// compile append a CodeGuardInvalid violation via Collect + Finalize.
func Check(p *policy.Policy, th Thresholds) Report {
	return Finalize(p, Collect(p, th))
}

// Collect returns the violations the pure checks raise for p.
func Collect(p *policy.Policy, th Thresholds) []policy.Violation {
	var violations []policy.Violation
	violations = append(violations, structuralViolations(p)...)
	violations = append(violations, denyScopeViolations(p)...)
	violations = append(violations, conflictViolations(p)...)
	violations = append(violations, budgetViolations(p, th)...)
	return violations
}

// Finalize classifies p, grades risk and infers the approval requirement
// given the collected violations.
func Finalize(p *policy.Policy, violations []policy.Violation) Report {
	if violations == nil {
		violations = []policy.Violation{}
	}
	ptype := Classify(p)
	prod := IsProduction(p)

	report := Report{
		Valid:      !hasBlocking(violations),
		Violations: violations,
		PolicyType: ptype,
		RiskLevel:  gradeRisk(violations, ptype, prod),
	}
	report.RequiresApproval, report.ApprovalReason = approvalNeed(p, ptype, prod)
	return report
}

// Classify derives the policy type from tags first, namespace second, rule
// actions third. Any deny rule pushes an otherwise unclassified policy into
// security.
func Classify(p *policy.Policy) PolicyType {
	for _, tag := range p.Tags {
		if t, ok := typeFromToken(strings.ToLower(tag)); ok {
			return t
		}
	}
	ns := strings.ToLower(p.Namespace)
	for _, token := range []string{"security", "compliance", "cost", "billing", "finance", "operational", "ops", "infra"} {
		if strings.Contains(ns, token) {
			t, _ := typeFromToken(token)
			return t
		}
	}
	if hasDenyRule(p) {
		return TypeSecurity
	}
	return TypeGeneral
}

func typeFromToken(token string) (PolicyType, bool) {
	switch {
	case strings.Contains(token, "security"):
		return TypeSecurity, true
	case strings.Contains(token, "compliance"):
		return TypeCompliance, true
	case strings.Contains(token, "cost"), strings.Contains(token, "budget"),
		strings.Contains(token, "billing"), strings.Contains(token, "finance"):
		return TypeCost, true
	case strings.Contains(token, "operational"), token == "ops", strings.Contains(token, "infra"):
		return TypeOperational, true
	}
	return TypeGeneral, false
}

// IsProduction applies the conservative heuristic: prod markers in namespace
// or tags mean production, and so does the absence of any explicit non-prod
// tag.
func IsProduction(p *policy.Policy) bool {
	if strings.Contains(strings.ToLower(p.Namespace), "prod") {
		return true
	}
	for _, tag := range p.Tags {
		if strings.Contains(strings.ToLower(tag), "prod") {
			return true
		}
	}
	for _, tag := range p.Tags {
		if nonProdTags[strings.ToLower(tag)] {
			return false
		}
	}
	return true
}

// structuralViolations checks condition-tree integrity: leaves need a field
// path, composites need children.
func structuralViolations(p *policy.Policy) []policy.Violation {
	var out []policy.Violation
	for _, r := range p.Rules {
		if r.Condition == nil {
			out = append(out, policy.Violation{
				Code:     CodeMissingConditionField,
				Field:    rulePath(r.ID),
				Message:  fmt.Sprintf("rule %q has no condition", r.ID),
				Severity: policy.SeverityError,
			})
			continue
		}
		r.Condition.Walk(func(c *policy.Condition) {
			if c.IsComposite() {
				if len(c.Conditions) == 0 {
					out = append(out, policy.Violation{
						Code:     CodeEmptyComposite,
						Field:    rulePath(r.ID),
						Message:  fmt.Sprintf("rule %q: %s node carries no children", r.ID, c.Operator),
						Severity: policy.SeverityError,
					})
				}
				return
			}
			if c.Field == "" {
				out = append(out, policy.Violation{
					Code:     CodeMissingConditionField,
					Field:    rulePath(r.ID),
					Message:  fmt.Sprintf("rule %q: %s leaf has no field path", r.ID, c.Operator),
					Severity: policy.SeverityError,
				})
			}
		})
	}
	return out
}

// denyScopeViolations flags deny rules that touch a critical resource token
// without an environment tag or a scope-narrowing condition. Such a rule
// raises both the scoping violation and the critical-resource one.
func denyScopeViolations(p *policy.Policy) []policy.Violation {
	var out []policy.Violation
	scoped := hasEnvironmentTag(p)
	for _, r := range p.Rules {
		if r.Action.Decision != policy.DecisionDeny {
			continue
		}
		token, hit := criticalToken(r)
		if !hit {
			continue
		}
		if scoped || hasScopeCondition(r) {
			continue
		}
		out = append(out,
			policy.Violation{
				Code:     CodeDenyWithoutScope,
				Field:    rulePath(r.ID),
				Message:  fmt.Sprintf("deny rule %q touches %q but has no environment tag or scope-narrowing condition", r.ID, token),
				Severity: policy.SeverityError,
			},
			policy.Violation{
				Code:     CodeCriticalResourceDeny,
				Field:    rulePath(r.ID),
				Message:  fmt.Sprintf("unscoped deny on critical resource %q", token),
				Severity: policy.SeverityCritical,
			},
		)
	}
	return out
}

// criticalToken returns the first critical resource token mentioned by the
// rule's name, description or condition field paths.
func criticalToken(r policy.PolicyRule) (string, bool) {
	haystacks := []string{strings.ToLower(r.Name), strings.ToLower(r.Description)}
	if r.Condition != nil {
		for _, leaf := range r.Condition.Leaves() {
			haystacks = append(haystacks, strings.ToLower(leaf.Field))
		}
	}
	for _, token := range criticalResourceTokens {
		for _, h := range haystacks {
			if strings.Contains(h, token) {
				return token, true
			}
		}
	}
	return "", false
}

func hasEnvironmentTag(p *policy.Policy) bool {
	for _, tag := range p.Tags {
		lower := strings.ToLower(tag)
		if strings.Contains(lower, "prod") || nonProdTags[lower] || strings.HasPrefix(lower, "env:") {
			return true
		}
	}
	return false
}

func hasScopeCondition(r policy.PolicyRule) bool {
	if r.Condition == nil {
		return false
	}
	for _, leaf := range r.Condition.Leaves() {
		lower := strings.ToLower(leaf.Field)
		if strings.Contains(lower, "scope") || strings.Contains(lower, "namespace") || strings.Contains(lower, "environment") {
			return true
		}
	}
	return false
}

// conflictViolations reports fields where enabled rules attach both an allow
// and a deny to the same literal value. Comparison is literal-only; numeric
// range overlaps are out of scope.
func conflictViolations(p *policy.Policy) []policy.Violation {
	type decisions struct{ allow, deny bool }
	seen := make(map[string]*decisions)
	var order []string

	for _, r := range p.Rules {
		if !r.Enabled || r.Condition == nil {
			continue
		}
		d := r.Action.Decision
		if d != policy.DecisionAllow && d != policy.DecisionDeny {
			continue
		}
		for _, leaf := range r.Condition.Leaves() {
			if leaf.Field == "" || !leaf.Operator.NeedsValue() {
				continue
			}
			key := leaf.Field + "\x00" + literalKey(leaf.Value)
			entry, ok := seen[key]
			if !ok {
				entry = &decisions{}
				seen[key] = entry
				order = append(order, key)
			}
			if d == policy.DecisionAllow {
				entry.allow = true
			} else {
				entry.deny = true
			}
		}
	}

	var out []policy.Violation
	for _, key := range order {
		entry := seen[key]
		if !entry.allow || !entry.deny {
			continue
		}
		field, literal, _ := strings.Cut(key, "\x00")
		out = append(out, policy.Violation{
			Code:     CodeConflictingRules,
			Field:    field,
			Message:  fmt.Sprintf("field %q carries both allow and deny rules for value %s", field, literal),
			Severity: policy.SeverityError,
		})
	}
	return out
}

// literalKey normalizes a leaf literal so 100, 100.0 and json.Number("100")
// collide.
func literalKey(v any) string {
	if n, ok := evaluation.Number(v); ok {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// budgetViolations checks numeric literals on budget-style percentage fields
// against the configured alert levels. These are advisory: warning and info
// severity only.
func budgetViolations(p *policy.Policy, th Thresholds) []policy.Violation {
	if th.CriticalPercent <= 0 && th.WarningPercent <= 0 {
		return nil
	}
	var out []policy.Violation
	for _, r := range p.Rules {
		if !r.Enabled || r.Condition == nil {
			continue
		}
		for _, leaf := range r.Condition.Leaves() {
			if !budgetField(leaf.Field) || !thresholdOperator(leaf.Operator) {
				continue
			}
			n, ok := evaluation.Number(leaf.Value)
			if !ok {
				continue
			}
			switch {
			case th.CriticalPercent > 0 && n >= th.CriticalPercent && r.Action.Decision != policy.DecisionDeny:
				out = append(out, policy.Violation{
					Code:     CodeBudgetCriticalUnenforced,
					Field:    leaf.Field,
					Message:  fmt.Sprintf("rule %q triggers at %s%% but does not deny at or above the critical level %s%%", r.ID, trimFloat(n), trimFloat(th.CriticalPercent)),
					Severity: policy.SeverityWarning,
				})
			case th.WarningPercent > 0 && n >= th.WarningPercent && (th.CriticalPercent <= 0 || n < th.CriticalPercent) && r.Action.Decision == policy.DecisionAllow:
				out = append(out, policy.Violation{
					Code:     CodeBudgetWarningIgnored,
					Field:    leaf.Field,
					Message:  fmt.Sprintf("rule %q allows at %s%%, above the warning level %s%%", r.ID, trimFloat(n), trimFloat(th.WarningPercent)),
					Severity: policy.SeverityInfo,
				})
			}
		}
	}
	return out
}

func budgetField(field string) bool {
	lower := strings.ToLower(field)
	subject := strings.Contains(lower, "budget") || strings.Contains(lower, "cost") || strings.Contains(lower, "spend")
	unit := strings.Contains(lower, "percent") || strings.Contains(lower, "pct") || strings.Contains(lower, "usage")
	return subject && unit
}

func thresholdOperator(op policy.Operator) bool {
	switch op {
	case policy.OpGreaterThan, policy.OpGreaterThanOrEqual, policy.OpEquals:
		return true
	}
	return false
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func hasDenyRule(p *policy.Policy) bool {
	for _, r := range p.Rules {
		if r.Action.Decision == policy.DecisionDeny {
			return true
		}
	}
	return false
}

func hasBlocking(violations []policy.Violation) bool {
	for _, v := range violations {
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			return true
		}
	}
	return false
}

func gradeRisk(violations []policy.Violation, ptype PolicyType, prod bool) RiskLevel {
	risk := RiskLow
	raise := func(to RiskLevel) {
		if riskRank(to) > riskRank(risk) {
			risk = to
		}
	}
	for _, v := range violations {
		switch v.Severity {
		case policy.SeverityCritical:
			raise(RiskCritical)
		case policy.SeverityError:
			raise(RiskHigh)
		}
	}
	if ptype == TypeSecurity {
		raise(RiskHigh)
	}
	if prod || ptype == TypeCompliance {
		raise(RiskMedium)
	}
	return risk
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

func approvalNeed(p *policy.Policy, ptype PolicyType, prod bool) (bool, string) {
	switch {
	case ptype == TypeSecurity, ptype == TypeCompliance:
		return true, fmt.Sprintf("%s policies require approval to enable", ptype)
	case prod && hasDenyRule(p):
		return true, "production policies with deny rules require approval to enable"
	}
	return false, ""
}

func rulePath(ruleID string) string {
	return "rules[" + ruleID + "]"
}
