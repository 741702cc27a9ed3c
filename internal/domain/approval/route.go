package approval

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
)

// justificationPriority is the rule priority at or above which a matched
// rule forces written justification.
const justificationPriority = 80

// escalationPriorities are request priorities that route straight to the
// escalation path.
var escalationPriorities = map[string]bool{
	"critical":  true,
	"high":      true,
	"emergency": true,
}

// Route evaluates the rule set against one action context and builds the
// approval chain. now must already be localized to the configured approval
// timezone; the router itself never reads the system clock.
func Route(rules []*Rule, in Input, now time.Time) Output {
	matched := matchRules(rules, in)

	ids := make([]string, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}

	out := Output{
		Chain:        Chain{Steps: []ChainStep{}},
		RulesMatched: ids,
		RiskScore:    riskScore(in.ActionContext, matched),
	}
	for _, r := range matched {
		if r.Priority >= justificationPriority {
			out.JustificationRequired = true
			break
		}
	}

	if reason, ok := autoApproved(matched, in, now); ok {
		out.Outcome = OutcomeAutoApproved
		out.AutoApproved = true
		out.AutoApproveReason = reason
		return out
	}

	if len(matched) == 0 {
		out.Outcome = OutcomeApprovalBypassed
		return out
	}

	out.Chain = buildChain(matched)
	if escalationPriorities[strings.ToLower(in.Priority)] {
		out.Outcome = OutcomeEscalationRequired
	} else {
		out.Outcome = OutcomeApprovalRequired
	}
	return out
}

// matchRules selects active rules (intersected with the filter), evaluates
// their match conditions, and orders matches by descending priority with id
// as the deterministic tiebreak.
func matchRules(rules []*Rule, in Input) []*Rule {
	var matched []*Rule
	for _, r := range rules {
		if r == nil || !r.Active {
			continue
		}
		if len(in.RuleFilter) > 0 && !slices.Contains(in.RuleFilter, r.ID) {
			continue
		}
		if r.Matches(in.ActionContext) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// autoApproved walks matched rules in priority order and runs each rule's
// auto-approve checks. Within a rule the checks are alternatives in a fixed
// order and the first configured check that passes wins.
func autoApproved(matched []*Rule, in Input, now time.Time) (string, bool) {
	for _, r := range matched {
		aa := r.AutoApprove
		if aa.Empty() {
			continue
		}
		if len(aa.AllowedRoles) > 0 && intersects(in.Requester.Roles, aa.AllowedRoles) {
			return "rule " + r.ID + ": requester role allowed", true
		}
		if len(aa.AllowedResourceTypes) > 0 {
			if rt, ok := contextString(in.ActionContext, "resource_type"); ok && slices.Contains(aa.AllowedResourceTypes, rt) {
				return "rule " + r.ID + ": resource type allowed", true
			}
		}
		if len(aa.AllowedOperations) > 0 {
			if op, ok := contextString(in.ActionContext, "operation"); ok && slices.Contains(aa.AllowedOperations, op) {
				return "rule " + r.ID + ": operation allowed", true
			}
		}
		if aa.MaxValue != nil {
			if raw, ok := in.ActionContext.Lookup("details.value"); ok {
				if v, numeric := evaluation.Number(raw); numeric && v <= *aa.MaxValue {
					return "rule " + r.ID + ": value within auto-approve limit", true
				}
			}
		}
		if tr := aa.TimeRestrictions; tr != nil && withinWindow(tr, now) {
			return "rule " + r.ID + ": within allowed time window", true
		}
	}
	return "", false
}

func buildChain(matched []*Rule) Chain {
	chain := Chain{Steps: []ChainStep{}}

	for _, r := range matched {
		approvers := r.AvailableApprovers()
		if len(approvers) == 0 {
			continue
		}
		stepType := StepAnyOf
		if r.RequiredApprovers > 1 {
			stepType = StepParallel
		}
		required := r.RequiredApprovers
		if required < 1 {
			required = 1
		}
		chain.Steps = append(chain.Steps, ChainStep{
			RuleID:              r.ID,
			StepType:            stepType,
			Approvers:           approvers,
			RequiredApprovals:   required,
			TimeoutSeconds:      r.TimeoutSeconds,
			EscalationOnTimeout: r.Escalation != nil && r.Escalation.Enabled,
		})
		chain.TotalTimeoutSeconds += r.TimeoutSeconds
	}

	chain.EscalationLevels = mergeEscalations(matched)
	for _, l := range chain.EscalationLevels {
		chain.TotalTimeoutSeconds += l.TimeoutSeconds
	}
	return chain
}

// mergeEscalations folds the escalation ladders of every matched rule into
// one ladder: approvers union by id per level, timeout the minimum across
// contributors.
func mergeEscalations(matched []*Rule) []EscalationLevel {
	byLevel := make(map[int]*EscalationLevel)
	for _, r := range matched {
		if r.Escalation == nil || !r.Escalation.Enabled {
			continue
		}
		for _, lvl := range r.Escalation.Levels {
			merged, ok := byLevel[lvl.Level]
			if !ok {
				cp := EscalationLevel{Level: lvl.Level, TimeoutSeconds: lvl.TimeoutSeconds}
				cp.Approvers = append(cp.Approvers, lvl.Approvers...)
				byLevel[lvl.Level] = &cp
				continue
			}
			for _, a := range lvl.Approvers {
				if !hasApprover(merged.Approvers, a.ID) {
					merged.Approvers = append(merged.Approvers, a)
				}
			}
			if lvl.TimeoutSeconds < merged.TimeoutSeconds {
				merged.TimeoutSeconds = lvl.TimeoutSeconds
			}
		}
	}
	if len(byLevel) == 0 {
		return nil
	}
	levels := make([]EscalationLevel, 0, len(byLevel))
	for _, l := range byLevel {
		levels = append(levels, *l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels
}

// riskScore grades the request: operation weight, matched-rule count, and
// accumulated rule priorities, capped at 100.
func riskScore(ctx evaluation.Context, matched []*Rule) float64 {
	score := 0.0
	if op, ok := contextString(ctx, "operation"); ok {
		switch op {
		case "delete":
			score += 30
		case "execute":
			score += 25
		case "update":
			score += 20
		case "create":
			score += 15
		}
	}
	score += 10 * float64(len(matched))
	for _, r := range matched {
		score += float64(r.Priority) / 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func withinWindow(tr *TimeRestrictions, now time.Time) bool {
	hour := now.Hour()
	var inHours bool
	if tr.StartHour <= tr.EndHour {
		inHours = hour >= tr.StartHour && hour < tr.EndHour
	} else {
		// Window spans midnight.
		inHours = hour >= tr.StartHour || hour < tr.EndHour
	}
	if !inHours {
		return false
	}
	if len(tr.Days) == 0 {
		return true
	}
	day := now.Weekday().String()
	for _, d := range tr.Days {
		if strings.EqualFold(d, day) {
			return true
		}
	}
	return false
}

func contextString(ctx evaluation.Context, path string) (string, bool) {
	v, ok := ctx.Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func hasApprover(pool []Approver, id string) bool {
	for _, a := range pool {
		if a.ID == id {
			return true
		}
	}
	return false
}
