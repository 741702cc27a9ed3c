package constraint

import (
	"strings"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// FromRule derives the applied constraint a matched rule contributes. A deny
// action is an unsatisfied constraint; everything else is satisfied.
func FromRule(p *policy.Policy, r *policy.PolicyRule) Applied {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return Applied{
		ID:        p.ID + "/" + r.ID,
		Name:      name,
		Type:      typeForRule(p, r),
		Severity:  SeverityForDecision(r.Action.Decision),
		Scope:     scopeForRule(p, r),
		Satisfied: r.Action.Decision != policy.DecisionDeny,
		Reason:    r.Action.Reason,
	}
}

// typeForRule classifies the constraint by the most specific signal
// available: the action type, the condition's field paths, then the owning
// policy's tags and namespace.
func typeForRule(p *policy.Policy, r *policy.PolicyRule) Type {
	if r.Action.Type == policy.ActionRateLimit {
		return TypeRateLimit
	}
	if gated, ok := r.Action.Metadata["approval_required"].(bool); ok && gated {
		return TypeApprovalGate
	}
	for _, l := range r.Condition.Leaves() {
		f := strings.ToLower(l.Field)
		if strings.Contains(f, "budget") || strings.Contains(f, "cost") || strings.Contains(f, "spend") {
			return TypeBudgetLimit
		}
	}
	if hasToken(p, "security") {
		return TypeSecurityRule
	}
	if hasToken(p, "governance") || hasToken(p, "compliance") {
		return TypeGovernanceRule
	}
	return TypePolicyRule
}

// scopeForRule narrows scope by the fields the rule touches, falling back to
// the owning policy's namespace.
func scopeForRule(p *policy.Policy, r *policy.PolicyRule) Scope {
	for _, l := range r.Condition.Leaves() {
		switch {
		case strings.HasPrefix(l.Field, "user."):
			return ScopeUser
		case strings.HasPrefix(l.Field, "project."), strings.HasPrefix(l.Field, "team."):
			return ScopeProject
		}
	}
	switch p.Namespace {
	case "", "default", "global":
		return ScopeGlobal
	}
	return ScopeNamespace
}

func hasToken(p *policy.Policy, token string) bool {
	for _, tag := range p.Tags {
		if strings.Contains(strings.ToLower(tag), token) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(p.Namespace), token)
}

// Solve reconciles an applied constraint set: it detects pairwise conflicts,
// picks one resolution strategy for the whole set, resolves what the strategy
// permits, and reports the constraints that survive.
//
// newID mints conflict ids; the solver itself is pure.
func Solve(constraints []Applied, newID func() string) Resolution {
	res := Resolution{
		Constraints: constraints,
		Conflicts:   []Conflict{},
		Effective:   []Applied{},
	}
	if len(constraints) == 0 {
		res.Strategy = StrategyPriorityBased
		res.Outcome = OutcomeNoConstraints
		return res
	}

	for i := 0; i < len(constraints); i++ {
		for j := i + 1; j < len(constraints); j++ {
			a, b := constraints[i], constraints[j]
			var ct ConflictType
			switch {
			case a.Satisfied != b.Satisfied:
				ct = ConflictPriority
			case a.Scope == b.Scope && a.Type == b.Type && a.ID != b.ID:
				ct = ConflictScopeOverlap
			default:
				continue
			}
			res.Conflicts = append(res.Conflicts, Conflict{
				ID:          newID(),
				Type:        ct,
				ConstraintA: a.ID,
				ConstraintB: b.ID,
				Severity:    maxSeverity(a.Severity, b.Severity),
			})
		}
	}

	res.Strategy = chooseStrategy(constraints, res.Conflicts)

	if res.Strategy != StrategyManualRequired {
		for i := range res.Conflicts {
			res.Conflicts[i].Resolved = true
			res.Conflicts[i].Strategy = res.Strategy
			res.ConflictsResolved++
		}
	}

	removed := make(map[string]bool)
	for _, c := range res.Conflicts {
		if !c.Resolved {
			removed[c.ConstraintA] = true
			removed[c.ConstraintB] = true
		}
	}
	for _, c := range constraints {
		if !removed[c.ID] {
			res.Effective = append(res.Effective, c)
		}
	}

	res.Outcome = outcomeFor(constraints, res.Conflicts)
	return res
}

func chooseStrategy(constraints []Applied, conflicts []Conflict) Strategy {
	for _, c := range constraints {
		if c.Severity == policy.SeverityCritical {
			return StrategyMostRestrictive
		}
	}
	for _, c := range conflicts {
		if c.Type == ConflictPriority {
			return StrategyPriorityBased
		}
	}
	for _, c := range conflicts {
		if c.Type == ConflictScopeOverlap {
			return StrategyScopeNarrowing
		}
	}
	return StrategyPriorityBased
}

func outcomeFor(constraints []Applied, conflicts []Conflict) Outcome {
	for _, c := range conflicts {
		if !c.Resolved {
			return OutcomePartialResolution
		}
	}
	allSatisfied := true
	for _, c := range constraints {
		if !c.Satisfied {
			allSatisfied = false
			break
		}
	}
	switch {
	case len(conflicts) == 0 && allSatisfied:
		return OutcomeSatisfied
	case len(conflicts) > 0:
		return OutcomeResolved
	default:
		return OutcomeConstraintsViolated
	}
}
