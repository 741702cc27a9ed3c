// Package inbound defines the inbound ports: the use-case interfaces the
// transport adapters (HTTP, CLI, SDK-facing server) call into the core.
package inbound

import (
	"context"
	"errors"

	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
)

// ErrUnknownAgent reports a registration attempt for an agent id this engine
// does not host.
var ErrUnknownAgent = errors.New("unknown agent")

// PolicyEnforcer is the policy enforcement agent: evaluates a context
// against the active corpus and emits a policy_enforcement_decision event.
type PolicyEnforcer interface {
	// Evaluate runs the engine over req within the caller's execution
	// context. The response always carries the finalized span tree; a
	// decision-path failure is returned as an error event, not an error.
	Evaluate(ctx context.Context, call execution.CallContext, req evaluation.Request) decision.Response
}

// ConstraintResolver is the constraint solver agent: reifies matched rules
// as constraints, detects conflicts and resolves them.
type ConstraintResolver interface {
	// Resolve evaluates req, solves the resulting constraint set and emits
	// a constraint_resolution event. Tracing is always on.
	Resolve(ctx context.Context, call execution.CallContext, req evaluation.Request) decision.Response
}

// ApprovalRouter is the approval routing agent: matches routing rules and
// assembles the approval chain.
type ApprovalRouter interface {
	// Route emits an approval_routing_decision event for the given action
	// context and requester.
	Route(ctx context.Context, call execution.CallContext, in approval.Input) decision.Response
}

// AgentInfo describes a registered agent for the info and register
// operations.
type AgentInfo struct {
	AgentID      string        `json:"agent_id"`
	AgentVersion string        `json:"agent_version"`
	DecisionType decision.Type `json:"decision_type"`
	Capabilities []string      `json:"capabilities"`
}

// AgentRegistry exposes agent metadata and registration.
type AgentRegistry interface {
	// Agents lists the agents this engine hosts.
	Agents() []AgentInfo

	// Register persists an agent_registration record through the record
	// sink and returns the registered metadata.
	Register(ctx context.Context, agentID string) (AgentInfo, error)
}
