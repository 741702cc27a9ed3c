package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/constraint"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// compiledPolicy pairs a policy with its pre-compiled guard program. Guards
// compile once per reload, never per request.
type compiledPolicy struct {
	policy *policy.Policy
	guard  outbound.Guard
}

// corpusSnapshot is an immutable view of the active corpus, already sorted
// into evaluation order. Evaluate reads it lock-free via atomic.Value; Reload
// builds a replacement and swaps it in whole.
type corpusSnapshot struct {
	policies []compiledPolicy
	byID     map[string]*compiledPolicy
	// sortedIDs holds every active policy id in lexical order, for cache
	// key derivation when a request does not restrict the set.
	sortedIDs []string
	builtAt   time.Time
}

// Engine evaluates requests against the active policy corpus. It is the
// shared core under all three decision agents: one synthesized outcome per
// request, first-match-per-policy, deny over modify over warn over allow.
type Engine struct {
	source outbound.PolicySource
	guards outbound.GuardCompiler
	logger *slog.Logger
	clock  outbound.Clock

	snapshot atomic.Value // *corpusSnapshot
	mu       sync.Mutex   // serializes Reload; Evaluate never takes it

	// generation increments on every successful reload. The decision cache
	// keys off it so stale entries die without a scan.
	generation atomic.Uint64

	evaluations atomic.Uint64
	guardErrors atomic.Uint64
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithGuardCompiler supplies the compiler for policy guard expressions.
// Without one, loading a corpus that carries guards fails.
func WithGuardCompiler(gc outbound.GuardCompiler) EngineOption {
	return func(e *Engine) { e.guards = gc }
}

// WithEngineClock overrides the time source. Tests use it to pin timings.
func WithEngineClock(c outbound.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// NewEngine builds the evaluation core and performs the initial corpus load.
// A load or guard-compile failure is fatal: the engine never starts on a
// corpus it cannot fully evaluate.
func NewEngine(ctx context.Context, source outbound.PolicySource, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		source: source,
		logger: logger,
		clock:  outbound.ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial policy load: %w", err)
	}
	return e, nil
}

// Reload fetches the active corpus, compiles every guard, and atomically
// swaps the evaluation snapshot. On any error the previous snapshot stays
// live. In-flight evaluations keep the snapshot they started with.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active policies: %w", err)
	}

	evaluable := make([]*policy.Policy, 0, len(active))
	for _, p := range active {
		if p.Evaluable() {
			evaluable = append(evaluable, p)
		}
	}
	policy.SortForEvaluation(evaluable)

	compiled := make([]compiledPolicy, 0, len(evaluable))
	for _, p := range evaluable {
		cp := compiledPolicy{policy: p}
		if p.Guard != "" {
			if e.guards == nil {
				return fmt.Errorf("policy %s: guard present but no guard compiler configured", p.ID)
			}
			g, err := e.guards.Compile(p.Guard)
			if err != nil {
				return fmt.Errorf("policy %s: compile guard: %w", p.ID, err)
			}
			cp.guard = g
		}
		compiled = append(compiled, cp)
	}

	byID := make(map[string]*compiledPolicy, len(compiled))
	ids := make([]string, 0, len(compiled))
	for i := range compiled {
		byID[compiled[i].policy.ID] = &compiled[i]
		ids = append(ids, compiled[i].policy.ID)
	}
	sort.Strings(ids)

	e.snapshot.Store(&corpusSnapshot{
		policies:  compiled,
		byID:      byID,
		sortedIDs: ids,
		builtAt:   e.clock.Now(),
	})
	gen := e.generation.Add(1)

	e.logger.Info("policy corpus loaded",
		"policies", len(compiled),
		"generation", gen,
	)
	return nil
}

// Generation returns the current snapshot generation. It starts at 1 after
// the constructor's load and increments on every successful Reload.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// ActivePolicyIDs returns the ids of every policy in the live snapshot,
// lexically sorted. Callers must not mutate the returned slice.
func (e *Engine) ActivePolicyIDs() []string {
	return e.loadSnapshot().sortedIDs
}

// PolicyCount reports how many policies the live snapshot evaluates.
func (e *Engine) PolicyCount() int {
	return len(e.loadSnapshot().policies)
}

// Evaluations reports how many requests the engine has evaluated since start.
func (e *Engine) Evaluations() uint64 {
	return e.evaluations.Load()
}

// GuardErrors reports how many guard evaluations failed at runtime. Each
// failure skipped one policy for one request.
func (e *Engine) GuardErrors() uint64 {
	return e.guardErrors.Load()
}

func (e *Engine) loadSnapshot() *corpusSnapshot {
	return e.snapshot.Load().(*corpusSnapshot)
}

// contribution is one policy's vote: the first enabled rule whose condition
// matched. Later rules of the same policy never override it.
type contribution struct {
	policy *policy.Policy
	rule   *policy.PolicyRule
}

// Evaluate runs one request against the live snapshot and synthesizes a
// single decision. It never fails: malformed guards were rejected at load
// time, and a guard that errors at runtime skips its policy.
func (e *Engine) Evaluate(req evaluation.Request) *evaluation.Decision {
	dec, _ := e.run(req, false)
	return dec
}

// Resolve evaluates like Evaluate and additionally extracts the applied
// constraints from the contributing rules, all against one snapshot.
func (e *Engine) Resolve(req evaluation.Request) (*evaluation.Decision, []constraint.Applied) {
	return e.run(req, true)
}

func (e *Engine) run(req evaluation.Request, withConstraints bool) (*evaluation.Decision, []constraint.Applied) {
	start := e.clock.Now()
	snap := e.loadSnapshot()
	e.evaluations.Add(1)

	var filter map[string]struct{}
	if len(req.PolicyIDs) > 0 {
		filter = make(map[string]struct{}, len(req.PolicyIDs))
		for _, id := range req.PolicyIDs {
			filter[id] = struct{}{}
		}
	}

	var trace *evaluation.Trace
	if req.Trace {
		trace = &evaluation.Trace{Steps: []evaluation.TraceStep{}}
	}

	var contribs []contribution
	for i := range snap.policies {
		cp := &snap.policies[i]
		if filter != nil {
			if _, ok := filter[cp.policy.ID]; !ok {
				continue
			}
		}
		e.evaluatePolicy(cp, req.Context, &contribs, trace)
	}

	dec := synthesize(contribs)
	dec.EvaluationTimeMS = float64(e.clock.Now().Sub(start).Microseconds()) / 1000.0
	dec.Trace = trace

	var applied []constraint.Applied
	if withConstraints {
		applied = make([]constraint.Applied, 0, len(contribs))
		for _, c := range contribs {
			applied = append(applied, constraint.FromRule(c.policy, c.rule))
		}
	}
	return dec, applied
}

// evaluatePolicy applies the guard gate, then walks rules in declaration
// order until the first enabled match. With tracing on, remaining rules are
// still condition-checked for visibility, but cannot contribute.
func (e *Engine) evaluatePolicy(cp *compiledPolicy, ctx evaluation.Context, contribs *[]contribution, trace *evaluation.Trace) {
	p := cp.policy
	policyStart := e.clock.Now()
	if trace != nil {
		trace.PoliciesEvaluated++
	}

	if cp.guard != nil {
		ok, err := cp.guard.Eval(ctx)
		if err != nil {
			e.guardErrors.Add(1)
			e.logger.Warn("guard evaluation failed, skipping policy",
				"policy_id", p.ID,
				"error", err,
			)
			if trace != nil {
				trace.Steps = append(trace.Steps, evaluation.TraceStep{
					StepType: evaluation.StepGuardCheck,
					ID:       p.ID,
					Result:   "error",
				})
			}
			return
		}
		if trace != nil {
			result := "passed"
			if !ok {
				result = "refused"
			}
			trace.Steps = append(trace.Steps, evaluation.TraceStep{
				StepType: evaluation.StepGuardCheck,
				ID:       p.ID,
				Result:   result,
			})
		}
		if !ok {
			return
		}
	}

	matched := false
	for ri := range p.Rules {
		r := &p.Rules[ri]
		if !r.Enabled {
			continue
		}
		if matched {
			// Contribution is settled; this walk only feeds the trace.
			hit := evaluation.Evaluate(r.Condition, ctx)
			result := "no_match"
			if hit {
				result = "matched"
			}
			trace.RulesEvaluated++
			trace.Steps = append(trace.Steps, evaluation.TraceStep{
				StepType: evaluation.StepConditionCheck,
				ID:       p.ID + "/" + r.ID,
				Result:   result,
			})
			continue
		}

		ruleStart := e.clock.Now()
		hit := evaluation.Evaluate(r.Condition, ctx)
		if trace != nil {
			result := "no_match"
			if hit {
				result = "matched"
			}
			trace.RulesEvaluated++
			trace.Steps = append(trace.Steps, evaluation.TraceStep{
				StepType:       evaluation.StepRuleEvaluation,
				ID:             p.ID + "/" + r.ID,
				Result:         result,
				DurationMicros: uint64(e.clock.Now().Sub(ruleStart).Microseconds()),
			})
		}
		if !hit {
			continue
		}

		matched = true
		*contribs = append(*contribs, contribution{policy: p, rule: r})
		if r.Action.Type == policy.ActionLog {
			e.logger.Info("policy log action fired",
				"policy_id", p.ID,
				"rule_id", r.ID,
				"reason", r.Action.Reason,
			)
		}
		if trace == nil {
			break
		}
	}

	if trace != nil {
		result := "no_match"
		if matched {
			result = "matched"
		}
		trace.Steps = append(trace.Steps, evaluation.TraceStep{
			StepType:       evaluation.StepPolicyEvaluation,
			ID:             p.ID,
			Result:         result,
			DurationMicros: uint64(e.clock.Now().Sub(policyStart).Microseconds()),
		})
	}
}

// synthesize folds per-policy contributions into one decision. Any deny wins;
// otherwise modify, then warn, then allow. No contributions means allow with
// the canonical no-match reason. The reason comes from the first contribution
// carrying the dominant outcome, in evaluation order.
func synthesize(contribs []contribution) *evaluation.Decision {
	dec := &evaluation.Decision{
		MatchedPolicies: []string{},
		MatchedRules:    []string{},
	}
	if len(contribs) == 0 {
		dec.Outcome = policy.DecisionAllow
		dec.Allowed = true
		dec.Reason = "no matching policy"
		return dec
	}

	var dominant *contribution
	for i := range contribs {
		c := &contribs[i]
		dec.MatchedPolicies = append(dec.MatchedPolicies, c.policy.ID)
		dec.MatchedRules = append(dec.MatchedRules, c.rule.ID)
		if dominant == nil || rank(c.rule.Action.Decision) > rank(dominant.rule.Action.Decision) {
			dominant = c
		}
	}

	outcome := dominant.rule.Action.Decision
	dec.Outcome = outcome
	dec.Allowed = outcome.IsAllowed()
	dec.Reason = contributionReason(dominant)

	if outcome == policy.DecisionModify {
		mods := make(map[string]any)
		for i := range contribs {
			act := contribs[i].rule.Action
			if act.Decision != policy.DecisionModify {
				continue
			}
			for k, v := range act.Modifications {
				mods[k] = v
			}
		}
		dec.Modifications = mods
	}

	act := dominant.rule.Action
	if len(act.Metadata) > 0 || act.Type != "" {
		md := make(map[string]any, len(act.Metadata)+1)
		for k, v := range act.Metadata {
			md[k] = v
		}
		if act.Type != "" {
			md["action_type"] = string(act.Type)
		}
		dec.Metadata = md
	}
	return dec
}

func rank(d policy.DecisionType) int {
	switch d {
	case policy.DecisionDeny:
		return 3
	case policy.DecisionModify:
		return 2
	case policy.DecisionWarn:
		return 1
	default:
		return 0
	}
}

func contributionReason(c *contribution) string {
	if c.rule.Action.Reason != "" {
		return c.rule.Action.Reason
	}
	name := c.rule.Name
	if name == "" {
		name = c.rule.ID
	}
	return fmt.Sprintf("matched rule %s", name)
}
