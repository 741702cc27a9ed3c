package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// EnforcementService is the policy enforcement agent: it evaluates a request
// context against the active corpus and emits exactly one decision event,
// success or failure.
type EnforcementService struct {
	rt *Runtime
}

var _ inbound.PolicyEnforcer = (*EnforcementService)(nil)

// NewEnforcementService builds the enforcement agent over the shared runtime.
func NewEnforcementService(rt *Runtime) *EnforcementService {
	return &EnforcementService{rt: rt}
}

// Evaluate runs one enforcement decision. Dry runs evaluate fully but skip
// the record sink; traced requests bypass the decision cache.
func (s *EnforcementService) Evaluate(ctx context.Context, call execution.CallContext, req evaluation.Request) decision.Response {
	tracker, ref := s.rt.begin(call, decision.AgentPolicyEnforcement)

	// An empty context is evaluable (nothing matches, the corpus default
	// applies); only an absent one is malformed.
	if req.Context == nil {
		return s.rt.fail(tracker, decision.CodeStructural, "evaluation context is required", nil)
	}
	if req.RequestID == "" {
		req.RequestID = ref.RequestID
	}

	dec, cached, err := s.decide(req)
	if err != nil {
		ev := s.rt.events.BuildError(decision.TypePolicyEnforcement, enforcementInputs(req), decision.CodeDecision, err, ref)
		return s.rt.deliverError(ctx, tracker, ev, err, !req.DryRun)
	}

	outcome := enforcementOutcome(dec)
	outputs := map[string]any{
		"outcome":            outcome,
		"allowed":            dec.Allowed,
		"reason":             dec.Reason,
		"matched_policies":   dec.MatchedPolicies,
		"matched_rules":      dec.MatchedRules,
		"evaluation_time_ms": dec.EvaluationTimeMS,
	}
	if len(dec.Modifications) > 0 {
		outputs["modifications"] = dec.Modifications
	}
	if dec.Trace != nil {
		dec.Trace.Cached = cached
		outputs["trace"] = dec.Trace
	}

	ev, err := s.rt.events.Build(
		decision.TypePolicyEnforcement,
		enforcementInputs(req),
		outputs,
		Confidence(dec, nil),
		nil,
		ref,
		map[string]any{"cached": cached, "dry_run": req.DryRun},
	)
	if err != nil {
		return s.rt.fail(tracker, decision.CodeStructural, err.Error(), nil)
	}

	if !req.DryRun {
		s.rt.records.EnqueueEvaluation(outbound.EvaluationRecord{
			RequestID:        req.RequestID,
			PolicyIDs:        req.PolicyIDs,
			Outcome:          outcome,
			Allowed:          dec.Allowed,
			Reason:           dec.Reason,
			MatchedPolicies:  dec.MatchedPolicies,
			MatchedRules:     dec.MatchedRules,
			Context:          evaluation.Context(audit.RedactSensitive(map[string]any(req.Context))),
			EvaluationTimeMS: dec.EvaluationTimeMS,
			Cached:           cached,
			CreatedAt:        s.rt.clock.Now().UTC(),
		})
	}
	return s.rt.deliver(ctx, tracker, ev, !req.DryRun)
}

// decide evaluates through the cache when the request allows it. A panic
// anywhere below surfaces as an error so the caller still gets an event.
func (s *EnforcementService) decide(req evaluation.Request) (dec *evaluation.Decision, cached bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec, cached = nil, false
			err = fmt.Errorf("evaluation failed: %v", r)
		}
	}()

	if req.Trace || req.DryRun || s.rt.cache == nil {
		return s.rt.engine.Evaluate(req), false, nil
	}

	ids := req.PolicyIDs
	if len(ids) == 0 {
		ids = s.rt.engine.ActivePolicyIDs()
	} else {
		ids = append([]string(nil), ids...)
		sort.Strings(ids)
	}
	key, kerr := CacheKey(req.Context, ids)
	if kerr != nil {
		s.rt.logger.Warn("cache key derivation failed, bypassing cache", "error", kerr)
		return s.rt.engine.Evaluate(req), false, nil
	}
	dec, cached = s.rt.cache.GetOrCompute(key, s.rt.engine.Generation(), func() *evaluation.Decision {
		return s.rt.engine.Evaluate(req)
	})
	return dec, cached, nil
}

// enforcementInputs is the payload fingerprinted into inputs_hash: the
// decision-relevant inputs only, so identical requests hash identically
// regardless of request id or flags.
func enforcementInputs(req evaluation.Request) map[string]any {
	ids := append([]string(nil), req.PolicyIDs...)
	sort.Strings(ids)
	return map[string]any{
		"context":    map[string]any(req.Context),
		"policy_ids": ids,
	}
}

// enforcementOutcome maps the engine's synthesized decision onto the
// enforcement agent's closed outcome set.
func enforcementOutcome(dec *evaluation.Decision) string {
	if gated, ok := dec.Metadata["approval_required"].(bool); ok && gated {
		return decision.OutcomeApprovalRequired
	}
	switch dec.Outcome {
	case policy.DecisionDeny:
		if at, ok := dec.Metadata["action_type"].(string); ok && at == string(policy.ActionRateLimit) {
			return decision.OutcomeConstraintViolation
		}
		return decision.OutcomePolicyDeny
	case policy.DecisionModify, policy.DecisionWarn:
		return decision.OutcomeConditionalAllow
	default:
		return decision.OutcomePolicyAllow
	}
}
