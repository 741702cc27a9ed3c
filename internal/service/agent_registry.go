package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// AgentRegistry describes the agents this engine hosts. The set is fixed at
// build time; Register announces an agent to the platform by persisting a
// registration record, it never mutates the set.
type AgentRegistry struct {
	version string
	records *RecordDispatcher
	clock   outbound.Clock
	agents  map[string]inbound.AgentInfo
}

var _ inbound.AgentRegistry = (*AgentRegistry)(nil)

// RegistryOption configures an AgentRegistry.
type RegistryOption func(*AgentRegistry)

// WithRegistryClock overrides the registration timestamp source.
func WithRegistryClock(clock outbound.Clock) RegistryOption {
	return func(r *AgentRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewAgentRegistry builds the registry for the three hosted agents, all
// reporting the given engine version.
func NewAgentRegistry(version string, records *RecordDispatcher, opts ...RegistryOption) *AgentRegistry {
	r := &AgentRegistry{
		version: version,
		records: records,
		clock:   outbound.ClockFunc(time.Now),
		agents: map[string]inbound.AgentInfo{
			decision.AgentPolicyEnforcement: {
				AgentID:      decision.AgentPolicyEnforcement,
				AgentVersion: version,
				DecisionType: decision.TypePolicyEnforcement,
				Capabilities: []string{"policy_evaluation", "rule_tracing", "decision_caching", "dry_run"},
			},
			decision.AgentConstraintSolver: {
				AgentID:      decision.AgentConstraintSolver,
				AgentVersion: version,
				DecisionType: decision.TypeConstraintResolution,
				Capabilities: []string{"constraint_extraction", "conflict_detection", "conflict_resolution"},
			},
			decision.AgentApprovalRouting: {
				AgentID:      decision.AgentApprovalRouting,
				AgentVersion: version,
				DecisionType: decision.TypeApprovalRouting,
				Capabilities: []string{"chain_assembly", "auto_approval", "escalation_routing"},
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Agents lists the hosted agents sorted by agent id.
func (r *AgentRegistry) Agents() []inbound.AgentInfo {
	out := make([]inbound.AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Register persists a registration record for agentID and returns its
// metadata. Unknown ids are rejected.
func (r *AgentRegistry) Register(ctx context.Context, agentID string) (inbound.AgentInfo, error) {
	info, ok := r.agents[agentID]
	if !ok {
		return inbound.AgentInfo{}, fmt.Errorf("%w: %q", inbound.ErrUnknownAgent, agentID)
	}
	if r.records != nil {
		r.records.EnqueueRegistration(outbound.Registration{
			AgentID:      info.AgentID,
			AgentVersion: info.AgentVersion,
			DecisionType: string(info.DecisionType),
			Capabilities: append([]string(nil), info.Capabilities...),
			RegisteredAt: r.clock.Now().UTC(),
		})
	}
	return info, nil
}
