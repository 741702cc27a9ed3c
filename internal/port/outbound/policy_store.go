// Package outbound defines the outbound ports: the capabilities the core
// consumes from its host. Adapters implement these against memory, files,
// SQLite and OpenTelemetry.
package outbound

import (
	"context"
	"errors"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// ErrPolicyNotFound is returned by lookups for an id (or id+version) with no
// stored policy.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicySource is the read path the engine loads its corpus from.
type PolicySource interface {
	// ListActive returns the policies eligible for evaluation: status
	// active and enabled.
	ListActive(ctx context.Context) ([]*policy.Policy, error)

	// Find returns one policy. An empty version means the current row;
	// otherwise the matching archived snapshot is returned.
	Find(ctx context.Context, id, version string) (*policy.Policy, error)
}

// PolicyStore is the full persistence surface for the policy lifecycle.
type PolicyStore interface {
	PolicySource

	// Save upserts the current row for p.ID.
	Save(ctx context.Context, p *policy.Policy) error

	// SaveVersion archives a full snapshot keyed by (policy_id,
	// internal_version). Saving the same pair twice is an error.
	SaveVersion(ctx context.Context, p *policy.Policy) error

	// Delete removes the current row. Version snapshots and audit entries
	// survive deletion.
	Delete(ctx context.Context, id string) error

	// List returns every current policy row, any status.
	List(ctx context.Context) ([]*policy.Policy, error)
}
