// Package policyengine provides a Go SDK for the policy-engine decision API.
//
// The policy engine is the decision point for LLM operations: callers submit
// an evaluation context and receive a canonical decision event. This SDK
// wraps the three agent endpoints (evaluate, resolve, route) plus approval
// status lookup. It uses only the Go standard library (net/http) with zero
// external dependencies.
//
// Quick start:
//
//	client := policyengine.NewClient(
//	    policyengine.WithServerAddr("http://127.0.0.1:3000"),
//	)
//
//	resp, err := client.Evaluate(ctx,
//	    policyengine.CallContext{ExecutionID: "exec-1", ParentSpanID: "span-0"},
//	    policyengine.EvaluationRequest{
//	        Context: policyengine.Context{
//	            "llm":  map[string]any{"model": "gpt-4", "maxTokens": 512},
//	            "user": map[string]any{"id": "u-1", "roles": []string{"developer"}},
//	        },
//	    })
//	if err != nil {
//	    var apiErr *policyengine.APIError
//	    if errors.As(err, &apiErr) {
//	        fmt.Printf("rejected [%s]: %s\n", apiErr.Code, apiErr.Message)
//	    }
//	}
//	if resp != nil && resp.Data != nil && !resp.Data.Allowed() {
//	    fmt.Println("denied:", resp.Data.Reason())
//	}
package policyengine

import "time"

// Context is the evaluation context: nested sections (llm, user, team,
// project, request, metadata) of arbitrary JSON values.
type Context map[string]any

// CallContext identifies the umbrella execution this call belongs to. The
// orchestrator mints ExecutionID and ParentSpanID; both are required by the
// server. CorrelationID and SessionID are optional.
type CallContext struct {
	ExecutionID   string
	ParentSpanID  string
	CorrelationID string
	SessionID     string
}

// EvaluationRequest is the request body for evaluate and resolve.
type EvaluationRequest struct {
	// RequestID is an optional caller-chosen id recorded on the event.
	RequestID string `json:"request_id,omitempty"`

	// Context is the evaluation context the policies run against.
	Context Context `json:"context"`

	// PolicyIDs restricts evaluation to the named policies. Empty means
	// the whole active corpus.
	PolicyIDs []string `json:"policy_ids,omitempty"`

	// DryRun evaluates without persisting the decision event.
	DryRun bool `json:"dry_run,omitempty"`

	// Trace requests the per-policy, per-rule evaluation trace. Resolve
	// always traces regardless of this flag.
	Trace bool `json:"trace,omitempty"`
}

// Requester identifies who is asking for approval.
type Requester struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// ApprovalInput is the request body for route.
type ApprovalInput struct {
	ActionContext Context   `json:"action_context"`
	Requester     Requester `json:"requester"`
	Priority      string    `json:"priority,omitempty"`
	RuleFilter    []string  `json:"rule_filter,omitempty"`
}

// Agent identifiers, as reported in Event.AgentID.
const (
	AgentPolicyEnforcement = "policy-enforcement-agent"
	AgentConstraintSolver  = "constraint-solver-agent"
	AgentApprovalRouting   = "approval-routing-agent"
)

// Enforcement outcomes (Event.Outcome() for the policy enforcement agent).
const (
	OutcomePolicyAllow         = "policy_allow"
	OutcomePolicyDeny          = "policy_deny"
	OutcomeApprovalRequired    = "approval_required"
	OutcomeConditionalAllow    = "conditional_allow"
	OutcomeConstraintViolation = "constraint_violation"
)

// Constraint solver outcomes.
const (
	OutcomeConstraintsSatisfied = "constraints_satisfied"
	OutcomeConstraintsViolated  = "constraints_violated"
	OutcomeConstraintsResolved  = "constraints_resolved"
	OutcomePartialResolution    = "partial_resolution"
	OutcomeNoConstraints        = "no_constraints"
)

// Approval routing outcomes.
const (
	OutcomeAutoApproved       = "auto_approved"
	OutcomeEscalationRequired = "escalation_required"
	OutcomeApprovalBypassed   = "approval_bypassed"
	OutcomePendingApproval    = "pending_approval"
)

// Error codes carried by APIError and Envelope.Error.
const (
	CodeStructural         = "STRUCTURAL_ERROR"
	CodeGovernance         = "GOVERNANCE_ERROR"
	CodeExecutionContext   = "EXECUTION_CONTEXT_ERROR"
	CodeExecutionInvariant = "EXECUTION_INVARIANT_ERROR"
	CodeDecision           = "DECISION_ERROR"
	CodeSink               = "SINK_ERROR"
)

// ConstraintApplied is one constraint the solver reified from a matched rule.
type ConstraintApplied struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Scope     string `json:"scope"`
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason,omitempty"`
}

// ExecutionRef ties an event back to the umbrella execution.
type ExecutionRef struct {
	RequestID   string `json:"request_id"`
	TraceID     string `json:"trace_id"`
	SpanID      string `json:"span_id"`
	Environment string `json:"environment"`
	SessionID   string `json:"session_id,omitempty"`
}

// Artifact is a reference attached to a span.
type Artifact struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// Span is one node of the execution span tree.
type Span struct {
	Type         string     `json:"type"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	RepoName     string     `json:"repo_name"`
	AgentName    string     `json:"agent_name,omitempty"`
	Status       string     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ExecutionInfo is the span block present on every response.
type ExecutionInfo struct {
	RepoSpan   *Span  `json:"repo_span"`
	AgentSpans []Span `json:"agent_spans"`
}

// Event is the canonical decision record.
type Event struct {
	EventID            string              `json:"event_id"`
	AgentID            string              `json:"agent_id"`
	AgentVersion       string              `json:"agent_version"`
	DecisionType       string              `json:"decision_type"`
	InputsHash         string              `json:"inputs_hash"`
	Outputs            map[string]any      `json:"outputs"`
	Confidence         float64             `json:"confidence"`
	ConstraintsApplied []ConstraintApplied `json:"constraints_applied"`
	ExecutionRef       ExecutionRef        `json:"execution_ref"`
	Timestamp          string              `json:"timestamp"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// Outcome returns the event's decision outcome, "" when absent.
func (e *Event) Outcome() string {
	s, _ := e.Outputs["outcome"].(string)
	return s
}

// Allowed reports whether the decision permits the action. Enforcement
// events carry a top-level allowed flag, constraint resolutions nest it
// under decision, and routing decisions permit on auto-approval or bypass.
func (e *Event) Allowed() bool {
	if b, ok := e.Outputs["allowed"].(bool); ok {
		return b
	}
	if d, ok := e.Outputs["decision"].(map[string]any); ok {
		if b, ok := d["allowed"].(bool); ok {
			return b
		}
	}
	if b, ok := e.Outputs["auto_approved"].(bool); ok && b {
		return true
	}
	return e.Outcome() == OutcomeApprovalBypassed
}

// Reason returns the decision reason, "" when absent.
func (e *Event) Reason() string {
	if s, ok := e.Outputs["reason"].(string); ok {
		return s
	}
	if d, ok := e.Outputs["decision"].(map[string]any); ok {
		if s, ok := d["reason"].(string); ok {
			return s
		}
	}
	s, _ := e.Outputs["auto_approve_reason"].(string)
	return s
}

// ResponseError is the error half of the wire envelope.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the wire response: success with data xor failure with error,
// always with the execution block.
type Envelope struct {
	Success   bool           `json:"success"`
	Data      *Event         `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
	Execution ExecutionInfo  `json:"execution"`
}

// ApprovalStatus is the resolved state of a routed approval request. A nil
// status in ApprovalStatusAnswer means the approval-state collaborator owns
// the answer.
type ApprovalStatus struct {
	RequestID  string `json:"request_id"`
	State      string `json:"state"`
	DecidedBy  string `json:"decided_by,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// ApprovalStatusAnswer is the response of the approval status endpoint.
type ApprovalStatusAnswer struct {
	RequestID string          `json:"request_id"`
	Status    *ApprovalStatus `json:"status"`
}

// Health is the server health report.
type Health struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// AgentInfo describes one hosted decision agent.
type AgentInfo struct {
	AgentID      string   `json:"agent_id"`
	AgentVersion string   `json:"agent_version"`
	DecisionType string   `json:"decision_type"`
	Capabilities []string `json:"capabilities"`
}
