// Package admin provides the JSON API for the policy lifecycle: CRUD,
// enable/disable, archive, audit-trail reads, chain verification and
// document validation. Every mutation passes through the governance gate
// and lands in the hash-chained audit trail.
//
// The package assumes an upstream gateway has already authenticated the
// caller; actor attribution arrives in request headers and is recorded,
// never verified.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/llm-dev-ops/policy-engine/internal/ctxkey"
	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

// Attribution headers. The upstream gateway injects the authenticated
// principal; the values are recorded verbatim in audit entries.
const (
	// ActorHeader names the principal requesting the mutation.
	ActorHeader = "x-actor"
	// ReasonHeader carries free-form change context for the audit entry.
	ReasonHeader = "x-change-reason"
	// ApprovalGrantedHeader asserts approval authority ("true") for
	// mutations governance flags as requiring approval.
	ApprovalGrantedHeader = "x-approval-granted"
)

// maxRequestBodySize caps admin request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// Handler serves the policy lifecycle API over the PolicyAdmin port.
type Handler struct {
	admin  inbound.PolicyAdmin
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler builds the admin API handler around the policy lifecycle port.
func NewHandler(admin inbound.PolicyAdmin, opts ...Option) *Handler {
	h := &Handler{
		admin:  admin,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all lifecycle routes registered.
// Callers mount it under /v1/policies; patterns carry the full path so the
// handler also serves standalone.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/policies", h.handleList)
	mux.HandleFunc("POST /v1/policies", h.handleCreate)
	mux.HandleFunc("POST /v1/policies/validate", h.handleValidate)
	mux.HandleFunc("GET /v1/policies/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/policies/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/policies/{id}", h.handleDelete)
	mux.HandleFunc("POST /v1/policies/{id}/enable", h.handleEnable)
	mux.HandleFunc("POST /v1/policies/{id}/disable", h.handleDisable)
	mux.HandleFunc("POST /v1/policies/{id}/archive", h.handleArchive)
	mux.HandleFunc("GET /v1/policies/{id}/audit", h.handleTrail)
	mux.HandleFunc("GET /v1/policies/{id}/audit/verify", h.handleVerifyTrail)

	return mux
}

// mutation assembles actor attribution for one request. The correlation id
// comes from the middleware-populated context so audit entries tie back to
// the originating request.
func (h *Handler) mutation(r *http.Request) inbound.Mutation {
	return inbound.Mutation{
		Actor:           r.Header.Get(ActorHeader),
		CorrelationID:   correlationID(r.Context()),
		Reason:          r.Header.Get(ReasonHeader),
		ApprovalGranted: r.Header.Get(ApprovalGrantedHeader) == "true",
	}
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.CorrelationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// errorResponse is the admin API error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a lifecycle error to its transport shape. Structural and
// governance findings are caller errors and carry their full detail;
// anything unrecognised is a 500 with the detail kept server-side.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var structural *policy.StructuralError
	var rejection *governance.Rejection
	switch {
	case errors.As(err, &structural):
		h.respondError(w, http.StatusBadRequest, "STRUCTURAL_ERROR", structural.Error(), map[string]any{
			"violations": structural.Violations,
		})
	case errors.As(err, &rejection):
		h.respondError(w, http.StatusBadRequest, "GOVERNANCE_ERROR", rejection.Error(), map[string]any{
			"report": rejection.Report,
		})
	case errors.Is(err, outbound.ErrPolicyNotFound):
		h.respondError(w, http.StatusNotFound, "POLICY_NOT_FOUND", "policy not found", nil)
	case errors.Is(err, service.ErrPolicyExists):
		h.respondError(w, http.StatusConflict, "POLICY_EXISTS", err.Error(), nil)
	default:
		h.logger.Error("policy lifecycle request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

// respondJSON writes a JSON response with the given status code and data.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes the admin error envelope.
func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	h.respondJSON(w, status, errorResponse{Error: errorDetail{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// readJSON decodes the request body into v, bounding the body size.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v)
}
