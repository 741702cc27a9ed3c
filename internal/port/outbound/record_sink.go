package outbound

import (
	"context"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
)

// Ack reports whether a sink accepted a record. A refusal carries a reason;
// neither aborts the decision that produced the record.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Registration is the agent-registration record persisted when an agent
// announces itself to the platform.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	AgentVersion string    `json:"agent_version"`
	DecisionType string    `json:"decision_type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// EvaluationRecord is the per-decision row persisted for offline analysis.
type EvaluationRecord struct {
	RequestID        string             `json:"request_id"`
	PolicyIDs        []string           `json:"policy_ids,omitempty"`
	Outcome          string             `json:"outcome"`
	Allowed          bool               `json:"allowed"`
	Reason           string             `json:"reason"`
	MatchedPolicies  []string           `json:"matched_policies"`
	MatchedRules     []string           `json:"matched_rules"`
	Context          evaluation.Context `json:"context"`
	EvaluationTimeMS float64            `json:"evaluation_time_ms"`
	Cached           bool               `json:"cached"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// RecordSink persists the records the core emits. Writes are best-effort:
// the caller logs refusals and errors but never fails a decision on them.
type RecordSink interface {
	// PersistEvent stores one decision event.
	PersistEvent(ctx context.Context, event *decision.Event) (Ack, error)

	// PersistAuditEntry appends one entry to the audit trail.
	PersistAuditEntry(ctx context.Context, entry audit.Entry) (Ack, error)

	// PersistEvaluation stores one evaluation row.
	PersistEvaluation(ctx context.Context, rec EvaluationRecord) (Ack, error)

	// PersistRegistration stores an agent registration.
	PersistRegistration(ctx context.Context, reg Registration) (Ack, error)

	// Close flushes buffered records and releases resources.
	Close() error
}

// AuditTrailSource reads audit chains back for trail and verification
// endpoints.
type AuditTrailSource interface {
	// Trail returns the entries for one policy ordered oldest first. An
	// empty policyID returns the whole trail.
	Trail(ctx context.Context, policyID string) ([]audit.Entry, error)
}
