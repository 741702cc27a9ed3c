package service

import (
	"context"
	"fmt"

	"github.com/llm-dev-ops/policy-engine/internal/domain/constraint"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
)

// ConstraintService is the constraint solver agent: it derives the applied
// constraints from matched rules, detects and resolves their conflicts, and
// reports the effective set.
type ConstraintService struct {
	rt *Runtime
}

var _ inbound.ConstraintResolver = (*ConstraintService)(nil)

// NewConstraintService builds the solver agent over the shared runtime.
func NewConstraintService(rt *Runtime) *ConstraintService {
	return &ConstraintService{rt: rt}
}

// Resolve evaluates the context, solves the resulting constraint set, and
// emits one constraint_resolution event. Tracing is always on: a resolution
// explains itself, so the decision cache never serves this path.
func (s *ConstraintService) Resolve(ctx context.Context, call execution.CallContext, req evaluation.Request) decision.Response {
	tracker, ref := s.rt.begin(call, decision.AgentConstraintSolver)

	if req.Context == nil {
		return s.rt.fail(tracker, decision.CodeStructural, "evaluation context is required", nil)
	}
	req.Trace = true
	if req.RequestID == "" {
		req.RequestID = ref.RequestID
	}

	dec, applied, err := s.solve(req)
	if err != nil {
		ev := s.rt.events.BuildError(decision.TypeConstraintResolution, enforcementInputs(req), decision.CodeDecision, err, ref)
		return s.rt.deliverError(ctx, tracker, ev, err, !req.DryRun)
	}

	res := constraint.Solve(applied, s.rt.ids.NewID)
	outputs := map[string]any{
		"outcome":               res.Outcome,
		"conflicts":             res.Conflicts,
		"effective_constraints": res.Effective,
		"strategy":              res.Strategy,
		"conflicts_resolved":    res.ConflictsResolved,
		"decision": map[string]any{
			"outcome":          dec.Outcome,
			"allowed":          dec.Allowed,
			"reason":           dec.Reason,
			"matched_policies": dec.MatchedPolicies,
			"matched_rules":    dec.MatchedRules,
		},
		"trace": dec.Trace,
	}

	ev, err := s.rt.events.Build(
		decision.TypeConstraintResolution,
		enforcementInputs(req),
		outputs,
		Confidence(dec, applied),
		res.Constraints,
		ref,
		map[string]any{"dry_run": req.DryRun},
	)
	if err != nil {
		return s.rt.fail(tracker, decision.CodeStructural, err.Error(), nil)
	}
	return s.rt.deliver(ctx, tracker, ev, !req.DryRun)
}

// solve evaluates and extracts constraints in one snapshot read, converting
// panics into errors so the caller still receives an event.
func (s *ConstraintService) solve(req evaluation.Request) (dec *evaluation.Decision, applied []constraint.Applied, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec, applied = nil, nil
			err = fmt.Errorf("constraint resolution failed: %v", r)
		}
	}()
	dec, applied = s.rt.engine.Resolve(req)
	return dec, applied, nil
}
