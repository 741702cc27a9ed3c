// Package constraint models the constraints a policy evaluation applies to a
// request and the solver that reconciles them when they collide.
package constraint

import "github.com/llm-dev-ops/policy-engine/internal/domain/policy"

// Type classifies where a constraint came from.
type Type string

const (
	TypePolicyRule     Type = "policy_rule"
	TypeApprovalGate   Type = "approval_gate"
	TypeRateLimit      Type = "rate_limit"
	TypeBudgetLimit    Type = "budget_limit"
	TypeSecurityRule   Type = "security_rule"
	TypeGovernanceRule Type = "governance_rule"
)

// Scope is the blast radius of a constraint, from widest to narrowest.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeNamespace Scope = "namespace"
	ScopeProject   Scope = "project"
	ScopeUser      Scope = "user"
)

// Applied is one constraint derived from a matched rule. Severity follows
// the rule's action: allow carries info, warn and modify carry warning,
// deny carries error.
type Applied struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      Type            `json:"type"`
	Severity  policy.Severity `json:"severity"`
	Scope     Scope           `json:"scope"`
	Satisfied bool            `json:"satisfied"`
	Reason    string          `json:"reason,omitempty"`
}

// ConflictType classifies how two constraints collide.
type ConflictType string

const (
	ConflictMutualExclusion    ConflictType = "mutual_exclusion"
	ConflictPriority           ConflictType = "priority_conflict"
	ConflictScopeOverlap       ConflictType = "scope_overlap"
	ConflictTemporal           ConflictType = "temporal_conflict"
	ConflictResourceContention ConflictType = "resource_contention"
)

// Strategy names the resolution applied to a conflict set.
type Strategy string

const (
	StrategyMostRestrictive Strategy = "most_restrictive"
	StrategyPriorityBased   Strategy = "priority_based"
	StrategyScopeNarrowing  Strategy = "scope_narrowing"
	StrategyManualRequired  Strategy = "manual_required"
)

// Conflict is one detected collision between two applied constraints.
type Conflict struct {
	ID          string          `json:"id"`
	Type        ConflictType    `json:"type"`
	ConstraintA string          `json:"constraint_a"`
	ConstraintB string          `json:"constraint_b"`
	Severity    policy.Severity `json:"severity"`
	Resolved    bool            `json:"resolved"`
	Strategy    Strategy        `json:"strategy,omitempty"`
}

// Outcome is the constraint solver's verdict, a closed set.
type Outcome string

const (
	OutcomeNoConstraints       Outcome = "no_constraints"
	OutcomeSatisfied           Outcome = "constraints_satisfied"
	OutcomeResolved            Outcome = "constraints_resolved"
	OutcomePartialResolution   Outcome = "partial_resolution"
	OutcomeConstraintsViolated Outcome = "constraints_violated"
)

// Resolution is the solver's full answer for one constraint set.
type Resolution struct {
	Constraints       []Applied  `json:"constraints"`
	Conflicts         []Conflict `json:"conflicts"`
	Effective         []Applied  `json:"effective_constraints"`
	Strategy          Strategy   `json:"strategy"`
	Outcome           Outcome    `json:"outcome"`
	ConflictsResolved int        `json:"conflicts_resolved"`
}

// SeverityForDecision maps a rule's action decision onto the severity its
// derived constraint carries.
func SeverityForDecision(d policy.DecisionType) policy.Severity {
	switch d {
	case policy.DecisionDeny:
		return policy.SeverityError
	case policy.DecisionWarn, policy.DecisionModify:
		return policy.SeverityWarning
	default:
		return policy.SeverityInfo
	}
}

// severityRank orders severities for max comparisons.
func severityRank(s policy.Severity) int {
	switch s {
	case policy.SeverityCritical:
		return 3
	case policy.SeverityError:
		return 2
	case policy.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// maxSeverity returns the more severe of two severities.
func maxSeverity(a, b policy.Severity) policy.Severity {
	if severityRank(a) >= severityRank(b) {
		return a
	}
	return b
}
