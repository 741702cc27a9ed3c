package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// ApprovalService is the approval routing agent: it matches the action
// context against configured approval rules and builds the chain a request
// must clear, or approves it outright.
type ApprovalService struct {
	rt     *Runtime
	rules  []*approval.Rule
	loc    *time.Location
	status outbound.ApprovalStatusSource
}

var _ inbound.ApprovalRouter = (*ApprovalService)(nil)

// ApprovalOption customizes ApprovalService construction.
type ApprovalOption func(*ApprovalService)

// WithApprovalTimezone sets the location used for auto-approval time
// restrictions. Defaults to the host's local time.
func WithApprovalTimezone(loc *time.Location) ApprovalOption {
	return func(s *ApprovalService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithApprovalStatus attaches a source for approval request status lookups.
func WithApprovalStatus(src outbound.ApprovalStatusSource) ApprovalOption {
	return func(s *ApprovalService) { s.status = src }
}

// NewApprovalService builds the routing agent over the shared runtime with a
// fixed rule set loaded from configuration.
func NewApprovalService(rt *Runtime, rules []*approval.Rule, opts ...ApprovalOption) *ApprovalService {
	s := &ApprovalService{rt: rt, rules: rules, loc: time.Local}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route runs one routing decision and emits one approval_routing event.
func (s *ApprovalService) Route(ctx context.Context, call execution.CallContext, in approval.Input) decision.Response {
	tracker, ref := s.rt.begin(call, decision.AgentApprovalRouting)

	if len(in.ActionContext) == 0 {
		return s.rt.fail(tracker, decision.CodeStructural, "action context is required", nil)
	}

	out, err := s.route(in)
	if err != nil {
		ev := s.rt.events.BuildError(decision.TypeApprovalRouting, approvalInputs(in), decision.CodeDecision, err, ref)
		return s.rt.deliverError(ctx, tracker, ev, err, true)
	}

	outputs := map[string]any{
		"outcome":                out.Outcome,
		"approval_chain":         out.Chain,
		"rules_matched":          out.RulesMatched,
		"auto_approved":          out.AutoApproved,
		"justification_required": out.JustificationRequired,
		"risk_score":             out.RiskScore,
	}
	if out.AutoApproveReason != "" {
		outputs["auto_approve_reason"] = out.AutoApproveReason
	}

	metadata := map[string]any{}
	if len(out.Chain.Steps) > 0 {
		// Chains are tracked by the approvals collaborator under this id.
		metadata["approval_request_id"] = s.rt.ids.NewID()
	}

	confidence := 1.0
	if len(out.RulesMatched) == 0 {
		confidence = 0.8
	}

	ev, err := s.rt.events.Build(
		decision.TypeApprovalRouting,
		approvalInputs(in),
		outputs,
		confidence,
		nil,
		ref,
		metadata,
	)
	if err != nil {
		return s.rt.fail(tracker, decision.CodeStructural, err.Error(), nil)
	}
	return s.rt.deliver(ctx, tracker, ev, true)
}

// Status looks up the state of a previously routed approval request. A nil
// status means the id is tracked by the approvals collaborator, not here.
func (s *ApprovalService) Status(ctx context.Context, approvalRequestID string) (*outbound.ApprovalStatus, error) {
	if s.status == nil {
		return nil, nil
	}
	return s.status.Status(ctx, approvalRequestID)
}

func (s *ApprovalService) route(in approval.Input) (out approval.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("approval routing failed: %v", r)
		}
	}()
	return approval.Route(s.rules, in, s.rt.clock.Now().In(s.loc)), nil
}

// approvalInputs is the fingerprinted payload: everything that determines
// the route, normalized so identical requests hash identically.
func approvalInputs(in approval.Input) map[string]any {
	filter := append([]string(nil), in.RuleFilter...)
	sort.Strings(filter)
	return map[string]any{
		"action_context": map[string]any(in.ActionContext),
		"requester": map[string]any{
			"id":    in.Requester.ID,
			"roles": in.Requester.Roles,
		},
		"priority":    in.Priority,
		"rule_filter": filter,
	}
}
