package inbound

import (
	"context"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// Mutation carries actor attribution for one policy change. Every mutation
// lands in the audit trail with these fields.
type Mutation struct {
	// Actor is who requested the change.
	Actor string
	// CorrelationID ties the audit entry to the originating request.
	CorrelationID string
	// Reason is free-form context recorded in entry metadata.
	Reason string
	// ApprovalGranted asserts that approval authority backs this mutation.
	// Required when governance infers requires_approval.
	ApprovalGranted bool
}

// ValidationResult pairs one policy from a submitted document with its
// governance report.
type ValidationResult struct {
	PolicyID string            `json:"policy_id"`
	Name     string            `json:"name"`
	Report   governance.Report `json:"report"`
}

// PolicyAdmin is the inbound port for the policy lifecycle. All mutations
// pass the governance gate fail-closed and append to the audit chain.
type PolicyAdmin interface {
	// Create registers a new policy. The governance gate runs first; a
	// rejected policy writes no audit entry.
	Create(ctx context.Context, p *policy.Policy, m Mutation) (*policy.Policy, error)

	// Update replaces the mutable fields of an existing policy and
	// snapshots the prior version.
	Update(ctx context.Context, id string, p *policy.Policy, m Mutation) (*policy.Policy, error)

	// SetEnabled flips the enabled flag. Enabling re-runs governance.
	SetEnabled(ctx context.Context, id string, enabled bool, m Mutation) (*policy.Policy, error)

	// Archive moves the policy to archived status, removing it from the
	// active corpus without deleting history.
	Archive(ctx context.Context, id string, m Mutation) (*policy.Policy, error)

	// Delete removes the policy row. The audit trail keeps the tombstone
	// entry; the chain ends with after_hash = "null".
	Delete(ctx context.Context, id string, m Mutation) error

	// Get returns one policy by id.
	Get(ctx context.Context, id string) (*policy.Policy, error)

	// List returns every stored policy.
	List(ctx context.Context) ([]*policy.Policy, error)

	// Trail returns the audit entries for one policy, oldest first.
	Trail(ctx context.Context, policyID string) ([]audit.Entry, error)

	// VerifyTrail checks hash continuity over the policy's audit chain.
	VerifyTrail(ctx context.Context, policyID string) (audit.Report, error)

	// Validate runs the governance validator over every policy in the
	// document without persisting anything.
	Validate(ctx context.Context, doc *policy.Document) []ValidationResult
}
