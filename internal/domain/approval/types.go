// Package approval models approval routing rules and the router that turns
// an action context into an approval chain.
package approval

import (
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// Combinator joins a rule's match conditions.
type Combinator string

const (
	CombinatorAll Combinator = "all"
	CombinatorAny Combinator = "any"
)

// Approver is one principal who can approve a request. Unavailable approvers
// never appear in generated chains.
type Approver struct {
	ID        string `json:"id" yaml:"id" validate:"required"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	Available bool   `json:"available" yaml:"available"`
}

// EscalationLevel is one rung of an escalation ladder.
type EscalationLevel struct {
	Level          int        `json:"level" yaml:"level" validate:"min=1"`
	Approvers      []Approver `json:"approvers" yaml:"approvers" validate:"dive"`
	TimeoutSeconds int        `json:"timeout_seconds" yaml:"timeout_seconds" validate:"min=0"`
}

// Escalation configures what happens when a chain step times out.
type Escalation struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Levels  []EscalationLevel `json:"levels,omitempty" yaml:"levels,omitempty" validate:"dive"`
}

// TimeRestrictions bounds auto-approval to a wall-clock window. An empty
// Days list allows every weekday; StartHour > EndHour spans midnight.
type TimeRestrictions struct {
	StartHour int      `json:"start_hour" yaml:"start_hour" validate:"min=0,max=23"`
	EndHour   int      `json:"end_hour" yaml:"end_hour" validate:"min=0,max=23"`
	Days      []string `json:"days,omitempty" yaml:"days,omitempty"`
}

// AutoApprove lists the alternative conditions under which a matched rule
// approves without routing to anyone. Checks run in field order; the first
// configured check that passes approves.
type AutoApprove struct {
	AllowedRoles         []string          `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	AllowedResourceTypes []string          `json:"allowed_resource_types,omitempty" yaml:"allowed_resource_types,omitempty"`
	AllowedOperations    []string          `json:"allowed_operations,omitempty" yaml:"allowed_operations,omitempty"`
	MaxValue             *float64          `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	TimeRestrictions     *TimeRestrictions `json:"time_restrictions,omitempty" yaml:"time_restrictions,omitempty"`
}

// Empty reports whether no auto-approve condition is configured.
func (a *AutoApprove) Empty() bool {
	return a == nil ||
		(len(a.AllowedRoles) == 0 && len(a.AllowedResourceTypes) == 0 &&
			len(a.AllowedOperations) == 0 && a.MaxValue == nil && a.TimeRestrictions == nil)
}

// Rule routes one class of action to approvers. Rules load from
// configuration and are immutable afterwards.
type Rule struct {
	ID                string              `json:"id" yaml:"id" validate:"required"`
	Name              string              `json:"name" yaml:"name" validate:"required"`
	Description       string              `json:"description,omitempty" yaml:"description,omitempty"`
	Match             []*policy.Condition `json:"match" yaml:"match"`
	MatchCombinator   Combinator          `json:"match_combinator,omitempty" yaml:"match_combinator,omitempty" validate:"omitempty,oneof=all any"`
	RequiredApprovers int                 `json:"required_approvers,omitempty" yaml:"required_approvers,omitempty" validate:"min=0"`
	ApproverPool      []Approver          `json:"approver_pool,omitempty" yaml:"approver_pool,omitempty" validate:"dive"`
	TimeoutSeconds    int                 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"min=0"`
	Escalation        *Escalation         `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	AutoApprove       *AutoApprove        `json:"auto_approve_conditions,omitempty" yaml:"auto_approve_conditions,omitempty"`
	Priority          int                 `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active            bool                `json:"active" yaml:"active"`
}

// Matches evaluates the rule's match conditions against an action context
// under the rule's combinator. A rule without conditions matches nothing.
func (r *Rule) Matches(ctx evaluation.Context) bool {
	if len(r.Match) == 0 {
		return false
	}
	if r.MatchCombinator == CombinatorAny {
		for _, c := range r.Match {
			if evaluation.Evaluate(c, ctx) {
				return true
			}
		}
		return false
	}
	for _, c := range r.Match {
		if !evaluation.Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

// AvailableApprovers returns the approvers from the pool marked available.
func (r *Rule) AvailableApprovers() []Approver {
	var out []Approver
	for _, a := range r.ApproverPool {
		if a.Available {
			out = append(out, a)
		}
	}
	return out
}

// StepType describes how a chain step collects approvals.
type StepType string

const (
	StepSequential StepType = "sequential"
	StepParallel   StepType = "parallel"
	StepAnyOf      StepType = "any_of"
)

// ChainStep is one stop in an approval chain.
type ChainStep struct {
	RuleID              string     `json:"rule_id"`
	StepType            StepType   `json:"step_type"`
	Approvers           []Approver `json:"approvers"`
	RequiredApprovals   int        `json:"required_approvals"`
	TimeoutSeconds      int        `json:"timeout_seconds"`
	EscalationOnTimeout bool       `json:"escalation_on_timeout"`
}

// Chain is the ordered route a request takes through approvers, plus the
// merged escalation ladder shared by its steps.
type Chain struct {
	Steps               []ChainStep       `json:"steps"`
	EscalationLevels    []EscalationLevel `json:"escalation_levels,omitempty"`
	TotalTimeoutSeconds int               `json:"total_timeout_seconds"`
}

// Outcome is the router's verdict, a closed set. pending_approval is
// reserved for error events.
type Outcome string

const (
	OutcomeApprovalRequired   Outcome = "approval_required"
	OutcomeAutoApproved       Outcome = "auto_approved"
	OutcomeEscalationRequired Outcome = "escalation_required"
	OutcomeApprovalBypassed   Outcome = "approval_bypassed"
	OutcomePendingApproval    Outcome = "pending_approval"
)

// Requester identifies who is asking for approval.
type Requester struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// Input is one routing call.
type Input struct {
	ActionContext evaluation.Context `json:"action_context"`
	Requester     Requester          `json:"requester"`
	Priority      string             `json:"priority,omitempty"`
	RuleFilter    []string           `json:"rule_filter,omitempty"`
}

// Output is the router's full answer.
type Output struct {
	Outcome               Outcome  `json:"outcome"`
	Chain                 Chain    `json:"approval_chain"`
	RulesMatched          []string `json:"rules_matched"`
	AutoApproved          bool     `json:"auto_approved"`
	AutoApproveReason     string   `json:"auto_approve_reason,omitempty"`
	JustificationRequired bool     `json:"justification_required"`
	RiskScore             float64  `json:"risk_score"`
}
