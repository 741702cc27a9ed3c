// Package decision defines the canonical decision event: the
// hash-fingerprinted, auditable record every agent invocation emits exactly
// once, and the wire envelope that carries it back to the caller.
package decision

import (
	"fmt"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/constraint"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/pkg/canonicaljson"
)

// Type discriminates which agent produced an event, a closed set.
type Type string

const (
	TypePolicyEnforcement    Type = "policy_enforcement_decision"
	TypeConstraintResolution Type = "constraint_resolution"
	TypeApprovalRouting      Type = "approval_routing_decision"
)

// ValidType reports whether t is one of the recognised decision types.
func ValidType(t Type) bool {
	switch t {
	case TypePolicyEnforcement, TypeConstraintResolution, TypeApprovalRouting:
		return true
	}
	return false
}

// Agent identifiers, one per decision type.
const (
	AgentPolicyEnforcement = "policy-enforcement-agent"
	AgentConstraintSolver  = "constraint-solver-agent"
	AgentApprovalRouting   = "approval-routing-agent"
)

// AgentFor returns the agent id that emits events of type t.
func AgentFor(t Type) string {
	switch t {
	case TypeConstraintResolution:
		return AgentConstraintSolver
	case TypeApprovalRouting:
		return AgentApprovalRouting
	default:
		return AgentPolicyEnforcement
	}
}

// Enforcement outcomes, the closed set the policy enforcement agent reports
// in its event outputs.
const (
	OutcomePolicyAllow         = "policy_allow"
	OutcomePolicyDeny          = "policy_deny"
	OutcomeApprovalRequired    = "approval_required"
	OutcomeConditionalAllow    = "conditional_allow"
	OutcomeConstraintViolation = "constraint_violation"
)

// Error codes carried on the wire envelope.
const (
	CodeStructural         = "STRUCTURAL_ERROR"
	CodeGovernance         = "GOVERNANCE_ERROR"
	CodeExecutionContext   = "EXECUTION_CONTEXT_ERROR"
	CodeExecutionInvariant = "EXECUTION_INVARIANT_ERROR"
	CodeDecision           = "DECISION_ERROR"
	CodeSink               = "SINK_ERROR"
)

// ErrorOutcome is the outcome an error event of type t reports: the most
// conservative verdict the agent can hand back when it could not decide.
func ErrorOutcome(t Type) string {
	switch t {
	case TypeConstraintResolution:
		return "constraints_violated"
	case TypeApprovalRouting:
		return "pending_approval"
	default:
		return OutcomePolicyDeny
	}
}

// Event is the canonical decision record. Identical inputs produce an
// identical InputsHash; EventID, Timestamp and the execution ref are minted
// per invocation.
type Event struct {
	EventID            string               `json:"event_id"`
	AgentID            string               `json:"agent_id"`
	AgentVersion       string               `json:"agent_version"`
	DecisionType       Type                 `json:"decision_type"`
	InputsHash         string               `json:"inputs_hash"`
	Outputs            map[string]any       `json:"outputs"`
	Confidence         float64              `json:"confidence"`
	ConstraintsApplied []constraint.Applied `json:"constraints_applied"`
	ExecutionRef       execution.Ref        `json:"execution_ref"`
	Timestamp          string               `json:"timestamp"`
	Metadata           map[string]any       `json:"metadata,omitempty"`
}

// Validate checks the envelope invariants that hold for every emitted event.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if e.AgentID == "" {
		return fmt.Errorf("event %s missing agent_id", e.EventID)
	}
	if !ValidType(e.DecisionType) {
		return fmt.Errorf("event %s has unknown decision_type %q", e.EventID, e.DecisionType)
	}
	if len(e.InputsHash) != canonicaljson.FingerprintLen {
		return fmt.Errorf("event %s inputs_hash %q is not %d hex chars", e.EventID, e.InputsHash, canonicaljson.FingerprintLen)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("event %s confidence %v outside [0,1]", e.EventID, e.Confidence)
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
		return fmt.Errorf("event %s timestamp: %w", e.EventID, err)
	}
	return nil
}

// FormatTime renders t in the event timestamp form: UTC, ISO-8601 with
// nanosecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ResponseError is the error half of the wire envelope.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecutionInfo carries the finalized span tree on every response, success
// or failure.
type ExecutionInfo struct {
	RepoSpan   *execution.Span   `json:"repo_span"`
	AgentSpans []*execution.Span `json:"agent_spans"`
}

// ExecutionFrom assembles the response execution block from a finished span
// tree. AgentSpans serializes as an empty list, never null.
func ExecutionFrom(repo *execution.Span, agents []*execution.Span) ExecutionInfo {
	if agents == nil {
		agents = []*execution.Span{}
	}
	return ExecutionInfo{RepoSpan: repo, AgentSpans: agents}
}

// Response is the wire envelope: success with data, or failure with error,
// never both, and always the execution block.
type Response struct {
	Success   bool           `json:"success"`
	Data      *Event         `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
	Execution ExecutionInfo  `json:"execution"`
}

// Decided wraps an emitted event in a success envelope. Error events ride
// the success path too: the caller always receives a well-formed event when
// one was emitted.
func Decided(event *Event, exec ExecutionInfo) Response {
	return Response{Success: true, Data: event, Execution: exec}
}

// Failed wraps a terminal error in a failure envelope.
func Failed(code, message string, details map[string]any, exec ExecutionInfo) Response {
	return Response{
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message, Details: details},
		Execution: exec,
	}
}
