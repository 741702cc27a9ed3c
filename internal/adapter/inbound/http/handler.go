// Package http provides the HTTP transport adapter for the decision API.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Execution context headers. The orchestrator stamps these on every call.
const (
	ExecutionIDHeader   = "x-execution-id"
	ParentSpanIDHeader  = "x-parent-span-id"
	CorrelationIDHeader = "x-correlation-id"
	SessionIDHeader     = "x-session-id"
)

// callContext assembles the execution context from the request headers. The
// correlation id comes from the middleware, which generated one if the
// caller sent none.
func callContext(r *http.Request) execution.CallContext {
	return execution.CallContext{
		ExecutionID:   r.Header.Get(ExecutionIDHeader),
		ParentSpanID:  r.Header.Get(ParentSpanIDHeader),
		CorrelationID: CorrelationIDFromContext(r.Context()),
		SessionID:     r.Header.Get(SessionIDHeader),
	}
}

// decodeBody reads and decodes the JSON request body into dst. A failure is
// terminal: the caller writes the structural error envelope and returns.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		return errors.New("content type must be application/json")
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errors.New("request body too large (max 1MB)")
		}
		return errors.New("request body is not valid JSON: " + err.Error())
	}
	return nil
}

// handleEvaluate runs the policy enforcement agent.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	call, ok := s.requireCallContext(w, r)
	if !ok {
		return
	}

	var req evaluation.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeStructuralError(w, r, err)
		return
	}

	resp := s.enforcer.Evaluate(r.Context(), call, req)
	s.writeEnvelope(w, r, resp)
}

// handleResolve runs the constraint solver agent.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	call, ok := s.requireCallContext(w, r)
	if !ok {
		return
	}

	var req evaluation.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeStructuralError(w, r, err)
		return
	}

	resp := s.resolver.Resolve(r.Context(), call, req)
	s.writeEnvelope(w, r, resp)
}

// handleRoute runs the approval routing agent.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	call, ok := s.requireCallContext(w, r)
	if !ok {
		return
	}

	var in approval.Input
	if err := decodeBody(w, r, &in); err != nil {
		s.writeStructuralError(w, r, err)
		return
	}

	resp := s.router.Route(r.Context(), call, in)
	s.writeEnvelope(w, r, resp)
}

// approvalStatusResponse answers approval_request_id → status | null. A null
// status means the approval-state collaborator owns the answer.
type approvalStatusResponse struct {
	RequestID string                   `json:"request_id"`
	Status    *outbound.ApprovalStatus `json:"status"`
}

// handleApprovalStatus looks up the state of a previously routed approval
// request.
func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var status *outbound.ApprovalStatus
	if s.approvals != nil {
		var err error
		status, err = s.approvals.Status(r.Context(), id)
		if err != nil {
			LoggerFromContext(r.Context()).Error("approval status lookup failed",
				"approval_request_id", id,
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, decision.Failed(
				decision.CodeSink, "approval status lookup failed", nil,
				decision.ExecutionFrom(nil, nil),
			))
			return
		}
	}

	writeJSON(w, http.StatusOK, approvalStatusResponse{RequestID: id, Status: status})
}

// agentsResponse lists the agents this engine hosts.
type agentsResponse struct {
	Agents []inbound.AgentInfo `json:"agents"`
}

// handleAgents answers the agent metadata listing.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentsResponse{Agents: s.agents.Agents()})
}

// handleRegisterAgent persists an agent_registration record and returns the
// registered metadata.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	info, err := s.agents.Register(r.Context(), id)
	if err != nil {
		if errors.Is(err, inbound.ErrUnknownAgent) {
			s.writeStructuralError(w, r, err)
			return
		}
		LoggerFromContext(r.Context()).Error("agent registration failed",
			"agent_id", id,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, decision.Failed(
			decision.CodeSink, "agent registration failed", nil,
			decision.ExecutionFrom(nil, nil),
		))
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// requireCallContext validates the execution headers. A missing header is
// terminal: the 400 envelope is already written when ok is false.
func (s *Server) requireCallContext(w http.ResponseWriter, r *http.Request) (execution.CallContext, bool) {
	call := callContext(r)
	if err := call.Validate(); err != nil {
		var ctxErr *execution.ContextError
		details := map[string]any{}
		if errors.As(err, &ctxErr) {
			details["missing"] = ctxErr.Missing
		}
		writeJSON(w, http.StatusBadRequest, decision.Failed(
			decision.CodeExecutionContext, err.Error(), details,
			decision.ExecutionFrom(nil, nil),
		))
		return execution.CallContext{}, false
	}
	return call, true
}

// writeStructuralError writes the fail-closed envelope for a request that
// never reached an agent.
func (s *Server) writeStructuralError(w http.ResponseWriter, r *http.Request, err error) {
	LoggerFromContext(r.Context()).Warn("rejecting malformed request",
		"code", decision.CodeStructural,
		"error", err,
	)
	writeJSON(w, http.StatusBadRequest, decision.Failed(
		decision.CodeStructural, err.Error(), nil,
		decision.ExecutionFrom(nil, nil),
	))
}

// writeEnvelope writes an agent response and records the decision metric.
func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, resp decision.Response) {
	if s.metrics != nil && resp.Data != nil {
		outcome, _ := resp.Data.Outputs["outcome"].(string)
		if outcome == "" {
			outcome = "unknown"
		}
		s.metrics.DecisionsTotal.WithLabelValues(resp.Data.AgentID, outcome).Inc()
	}
	writeJSON(w, statusFor(resp), resp)
}

// statusFor maps the envelope onto an HTTP status. Emitted events, error
// events included, are 200: the agent decided. Only terminal envelope errors
// select a failure status.
func statusFor(resp decision.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	if resp.Error == nil {
		return http.StatusInternalServerError
	}
	switch resp.Error.Code {
	case decision.CodeStructural, decision.CodeExecutionContext, decision.CodeGovernance:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler returns a liveness-only handler used when no health checker
// is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
