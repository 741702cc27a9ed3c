package evaluation

import (
	"maps"
	"slices"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// Request carries one evaluation call into the engine. PolicyIDs, when
// non-empty, restricts evaluation to that subset of the active corpus.
type Request struct {
	RequestID string   `json:"request_id,omitempty"`
	Context   Context  `json:"context"`
	PolicyIDs []string `json:"policy_ids,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Trace     bool     `json:"trace,omitempty"`
}

// Decision is the engine's synthesized answer for one request: the dominant
// outcome across all matching policies plus the evidence that produced it.
type Decision struct {
	Outcome          policy.DecisionType `json:"outcome"`
	Allowed          bool                `json:"allowed"`
	Reason           string              `json:"reason,omitempty"`
	MatchedPolicies  []string            `json:"matched_policies"`
	MatchedRules     []string            `json:"matched_rules"`
	Modifications    map[string]any      `json:"modifications,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	EvaluationTimeMS float64             `json:"evaluation_time_ms"`
	Trace            *Trace              `json:"trace,omitempty"`
}

// Clone returns a copy safe to hand out of the cache. Nested modification
// values are shared; committed policies never mutate them.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	cp := *d
	cp.MatchedPolicies = slices.Clone(d.MatchedPolicies)
	cp.MatchedRules = slices.Clone(d.MatchedRules)
	cp.Modifications = maps.Clone(d.Modifications)
	cp.Metadata = maps.Clone(d.Metadata)
	if d.Trace != nil {
		t := *d.Trace
		t.Steps = slices.Clone(d.Trace.Steps)
		cp.Trace = &t
	}
	return &cp
}

// Trace records the evaluation path when the caller asked for one.
type Trace struct {
	Steps             []TraceStep `json:"steps"`
	PoliciesEvaluated int         `json:"policies_evaluated"`
	RulesEvaluated    int         `json:"rules_evaluated"`
	Cached            bool        `json:"cached"`
}

// StepType labels one trace entry.
type StepType string

const (
	StepPolicyEvaluation StepType = "policy_evaluation"
	StepRuleEvaluation   StepType = "rule_evaluation"
	StepConditionCheck   StepType = "condition_check"
	StepGuardCheck       StepType = "guard_check"
	StepCacheLookup      StepType = "cache_lookup"
)

// TraceStep is one node in the evaluation path.
type TraceStep struct {
	StepType       StepType `json:"step_type"`
	ID             string   `json:"id"`
	Result         string   `json:"result"`
	DurationMicros uint64   `json:"duration_us"`
}
