// Package policy contains the typed policy model: policies, rules, condition
// trees, actions, and the document envelope they are shipped in.
package policy

import "time"

// Status is the lifecycle state of a policy.
type Status string

const (
	// StatusDraft marks a policy that is being authored and never evaluates.
	StatusDraft Status = "draft"
	// StatusActive marks a policy that participates in evaluation.
	StatusActive Status = "active"
	// StatusDeprecated marks a policy scheduled for removal; it still evaluates.
	StatusDeprecated Status = "deprecated"
	// StatusArchived marks a soft-deleted policy; it never evaluates.
	StatusArchived Status = "archived"
)

// ValidStatus reports whether s is one of the recognised lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusActive, StatusDeprecated, StatusArchived:
		return true
	}
	return false
}

// DecisionType is the outcome a rule action contributes to a decision.
type DecisionType string

const (
	// DecisionAllow permits the request.
	DecisionAllow DecisionType = "allow"
	// DecisionDeny blocks the request.
	DecisionDeny DecisionType = "deny"
	// DecisionWarn permits the request and attaches a warning.
	DecisionWarn DecisionType = "warn"
	// DecisionModify permits the request with modifications applied.
	DecisionModify DecisionType = "modify"
)

// ValidDecision reports whether d is one of the recognised decision types.
func ValidDecision(d DecisionType) bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionWarn, DecisionModify:
		return true
	}
	return false
}

// IsAllowed reports whether the decision permits the request to proceed.
// Warnings and modifications permit; only deny blocks.
func (d DecisionType) IsAllowed() bool {
	return d == DecisionAllow || d == DecisionWarn || d == DecisionModify
}

// ActionType tags the behaviour of an action beyond its decision: log actions
// emit a record, rate_limit actions contribute throttling constraints.
type ActionType string

const (
	ActionAllow     ActionType = "allow"
	ActionDeny      ActionType = "deny"
	ActionWarn      ActionType = "warn"
	ActionModify    ActionType = "modify"
	ActionLog       ActionType = "log"
	ActionRateLimit ActionType = "rate_limit"
)

// ValidActionType reports whether t is one of the recognised action types.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionAllow, ActionDeny, ActionWarn, ActionModify, ActionLog, ActionRateLimit:
		return true
	}
	return false
}

// Action is what a rule does when its condition matches.
type Action struct {
	// Type tags the action behaviour. Defaults to the decision when omitted.
	Type ActionType `json:"type,omitempty" yaml:"type,omitempty"`
	// Decision is the outcome this action contributes.
	Decision DecisionType `json:"decision" yaml:"decision"`
	// Reason explains the action to callers. Required when Decision is deny.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Modifications are applied to the request when Decision is modify.
	// Later policies win on key collision when decisions merge.
	Modifications map[string]any `json:"modifications,omitempty" yaml:"modifications,omitempty"`
	// Metadata carries free-form action annotations (rate limits, log labels).
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// PolicyRule is a condition-action pair inside a policy.
type PolicyRule struct {
	// ID is unique within the owning policy.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Description provides additional context.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Enabled gates evaluation; disabled rules are inert. Defaults to true.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Priority orders rules for reporting; evaluation walks declaration order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Condition must evaluate true for the action to fire.
	Condition *Condition `json:"condition" yaml:"condition"`
	// Action fires when the condition matches.
	Action Action `json:"action" yaml:"action"`
}

// Policy is a named bundle of rules governing permissible actions in a
// namespace.
type Policy struct {
	// ID is unique within the corpus.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable label.
	Name string `json:"name" yaml:"name"`
	// Description provides additional context.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Version is a semantic version string ("1.2.0").
	Version string `json:"version" yaml:"version"`
	// Namespace scopes the policy ("production/payments").
	Namespace string `json:"namespace" yaml:"namespace"`
	// Tags classify the policy (environment, compliance area).
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Priority orders policies during evaluation; higher evaluates first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Status is the lifecycle state; only active policies evaluate.
	Status Status `json:"status" yaml:"status"`
	// Enabled is a soft toggle below Status; disabled policies never evaluate.
	// Defaults to true.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Guard is an optional CEL expression evaluated against the context before
	// any rule runs; false skips the whole policy.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
	// Rules are walked in declaration order. At least one is required.
	Rules []PolicyRule `json:"rules" yaml:"rules"`
	// CreatedBy records the authoring principal.
	CreatedBy string `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	// InternalVersion increases strictly on every mutation.
	InternalVersion int `json:"internal_version,omitempty" yaml:"internal_version,omitempty"`
	// CreatedAt is when the policy was created (UTC).
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	// UpdatedAt is when the policy was last mutated (UTC).
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Evaluable reports whether the policy participates in evaluation.
func (p *Policy) Evaluable() bool {
	return p.Status == StatusActive && p.Enabled
}

// Clone returns a deep copy. Snapshots hand policies to concurrent readers,
// so mutation paths must never share rule slices with a published snapshot.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Rules = make([]PolicyRule, len(p.Rules))
	for i, r := range p.Rules {
		cr := r
		cr.Condition = r.Condition.Clone()
		cr.Action.Modifications = cloneMap(r.Action.Modifications)
		cr.Action.Metadata = cloneMap(r.Action.Metadata)
		cp.Rules[i] = cr
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Severity grades a violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is one structured validation or governance finding. Validation
// never raises; it accumulates violations and returns them all.
type Violation struct {
	// Code is a stable machine-readable identifier (e.g. DUPLICATE_RULE_ID).
	Code string `json:"code"`
	// Field locates the finding ("rules[2].action.reason").
	Field string `json:"field,omitempty"`
	// Message is the human-readable explanation.
	Message string `json:"message"`
	// Severity grades the finding.
	Severity Severity `json:"severity"`
}
