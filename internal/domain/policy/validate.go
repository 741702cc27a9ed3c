package policy

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// StructuralError reports malformed or invalid policy input. It carries every
// finding rather than failing on the first; callers surface the whole list.
type StructuralError struct {
	Violations []Violation
}

// Error summarises the findings on one line.
func (e *StructuralError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid policy input"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field != "" {
			parts = append(parts, fmt.Sprintf("%s (%s): %s", v.Code, v.Field, v.Message))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Code, v.Message))
		}
	}
	return fmt.Sprintf("invalid policy input: %s", strings.Join(parts, "; "))
}

// ValidateDocument checks the envelope and every policy, including id
// uniqueness across the document.
func ValidateDocument(d *Document) []Violation {
	var out []Violation

	if d.APIVersion != APIVersion {
		out = append(out, Violation{
			Code:     "UNSUPPORTED_API_VERSION",
			Field:    "api_version",
			Message:  fmt.Sprintf("unsupported api_version %q, want %q", d.APIVersion, APIVersion),
			Severity: SeverityError,
		})
	}
	if d.Kind != KindPolicyDocument {
		out = append(out, Violation{
			Code:     "UNSUPPORTED_KIND",
			Field:    "kind",
			Message:  fmt.Sprintf("unsupported kind %q, want %q", d.Kind, KindPolicyDocument),
			Severity: SeverityError,
		})
	}

	seen := make(map[string]int, len(d.Policies))
	for i, p := range d.Policies {
		prefix := fmt.Sprintf("policies[%d]", i)
		if p == nil {
			out = append(out, Violation{
				Code:     "MISSING_REQUIRED_FIELD",
				Field:    prefix,
				Message:  "policy must be an object",
				Severity: SeverityError,
			})
			continue
		}
		if p.ID != "" {
			if prev, dup := seen[p.ID]; dup {
				out = append(out, Violation{
					Code:     "DUPLICATE_POLICY_ID",
					Field:    prefix + ".id",
					Message:  fmt.Sprintf("policy id %q already used by policies[%d]", p.ID, prev),
					Severity: SeverityError,
				})
			} else {
				seen[p.ID] = i
			}
		}
		out = append(out, prefixViolations(prefix, ValidatePolicy(p))...)
	}
	return out
}

// ValidatePolicy checks one policy against the minimal schema: non-empty
// identity fields, a valid semver version, closed-set status, at least one
// rule, unique rule ids, well-formed condition trees and actions.
func ValidatePolicy(p *Policy) []Violation {
	var out []Violation

	for _, f := range []struct{ name, val string }{
		{"id", p.ID},
		{"name", p.Name},
		{"version", p.Version},
		{"namespace", p.Namespace},
	} {
		if strings.TrimSpace(f.val) == "" {
			out = append(out, Violation{
				Code:     "MISSING_REQUIRED_FIELD",
				Field:    f.name,
				Message:  fmt.Sprintf("%s must be a non-empty string", f.name),
				Severity: SeverityError,
			})
		}
	}

	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			out = append(out, Violation{
				Code:     "INVALID_VERSION",
				Field:    "version",
				Message:  fmt.Sprintf("version %q is not a semantic version: %v", p.Version, err),
				Severity: SeverityError,
			})
		}
	}

	if !ValidStatus(p.Status) {
		out = append(out, Violation{
			Code:     "INVALID_STATUS",
			Field:    "status",
			Message:  fmt.Sprintf("status %q is not one of draft, active, deprecated, archived", p.Status),
			Severity: SeverityError,
		})
	}

	if len(p.Rules) == 0 {
		out = append(out, Violation{
			Code:     "NO_RULES",
			Field:    "rules",
			Message:  "policy must contain at least one rule",
			Severity: SeverityError,
		})
	}

	ruleIDs := make(map[string]int, len(p.Rules))
	for i, r := range p.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)

		if strings.TrimSpace(r.ID) == "" {
			out = append(out, Violation{
				Code:     "MISSING_REQUIRED_FIELD",
				Field:    prefix + ".id",
				Message:  "rule id must be a non-empty string",
				Severity: SeverityError,
			})
		} else if prev, dup := ruleIDs[r.ID]; dup {
			out = append(out, Violation{
				Code:     "DUPLICATE_RULE_ID",
				Field:    prefix + ".id",
				Message:  fmt.Sprintf("rule id %q already used by rules[%d]", r.ID, prev),
				Severity: SeverityError,
			})
		} else {
			ruleIDs[r.ID] = i
		}

		if r.Condition == nil {
			out = append(out, Violation{
				Code:     "MISSING_CONDITION",
				Field:    prefix + ".condition",
				Message:  "rule must carry a condition",
				Severity: SeverityError,
			})
		} else {
			out = append(out, validateCondition(r.Condition, prefix+".condition")...)
		}

		out = append(out, validateAction(&r.Action, prefix+".action")...)
	}

	return out
}

// validateCondition checks operator membership and node arity recursively.
func validateCondition(c *Condition, path string) []Violation {
	var out []Violation

	if !ValidOperator(c.Operator) {
		out = append(out, Violation{
			Code:     "UNKNOWN_OPERATOR",
			Field:    path + ".operator",
			Message:  fmt.Sprintf("unknown operator %q", c.Operator),
			Severity: SeverityError,
		})
		return out
	}

	if c.Operator.IsComposite() {
		if len(c.Conditions) == 0 {
			out = append(out, Violation{
				Code:     "EMPTY_COMPOSITE",
				Field:    path,
				Message:  fmt.Sprintf("%s requires at least one child condition", c.Operator),
				Severity: SeverityError,
			})
		}
		if c.Operator == OpNot && len(c.Conditions) > 1 {
			out = append(out, Violation{
				Code:     "NOT_SINGLE_CHILD",
				Field:    path,
				Message:  fmt.Sprintf("not requires exactly one child, got %d", len(c.Conditions)),
				Severity: SeverityError,
			})
		}
		for i, child := range c.Conditions {
			out = append(out, validateCondition(child, fmt.Sprintf("%s.conditions[%d]", path, i))...)
		}
		return out
	}

	if strings.TrimSpace(c.Field) == "" {
		out = append(out, Violation{
			Code:     "MISSING_CONDITION_FIELD",
			Field:    path + ".field",
			Message:  fmt.Sprintf("%s requires a field path", c.Operator),
			Severity: SeverityError,
		})
	}
	if c.Operator.NeedsValue() && c.Value == nil {
		out = append(out, Violation{
			Code:     "MISSING_CONDITION_VALUE",
			Field:    path + ".value",
			Message:  fmt.Sprintf("%s requires a comparison value", c.Operator),
			Severity: SeverityError,
		})
	}
	return out
}

// validateAction checks decision membership and the decision-specific
// requirements: deny carries a reason, modify carries modifications.
func validateAction(a *Action, path string) []Violation {
	var out []Violation

	if !ValidDecision(a.Decision) {
		out = append(out, Violation{
			Code:     "INVALID_DECISION",
			Field:    path + ".decision",
			Message:  fmt.Sprintf("decision %q is not one of allow, deny, warn, modify", a.Decision),
			Severity: SeverityError,
		})
	}
	if a.Type != "" && !ValidActionType(a.Type) {
		out = append(out, Violation{
			Code:     "INVALID_ACTION_TYPE",
			Field:    path + ".type",
			Message:  fmt.Sprintf("action type %q is not recognised", a.Type),
			Severity: SeverityError,
		})
	}
	if a.Decision == DecisionDeny && strings.TrimSpace(a.Reason) == "" {
		out = append(out, Violation{
			Code:     "DENY_WITHOUT_REASON",
			Field:    path + ".reason",
			Message:  "deny actions must carry a reason",
			Severity: SeverityError,
		})
	}
	if a.Decision == DecisionModify && len(a.Modifications) == 0 {
		out = append(out, Violation{
			Code:     "MODIFY_WITHOUT_MODIFICATIONS",
			Field:    path + ".modifications",
			Message:  "modify actions must carry at least one modification",
			Severity: SeverityError,
		})
	}
	return out
}

// prefixViolations rewrites field paths under a parent path.
func prefixViolations(prefix string, vs []Violation) []Violation {
	for i := range vs {
		if vs[i].Field == "" {
			vs[i].Field = prefix
		} else {
			vs[i].Field = prefix + "." + vs[i].Field
		}
	}
	return vs
}
