package admin

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
)

// handleList returns every stored policy, any status.
// GET /v1/policies
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	policies, err := h.admin.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if policies == nil {
		policies = []*policy.Policy{}
	}
	h.respondJSON(w, http.StatusOK, policies)
}

// handleGet returns one policy by id.
// GET /v1/policies/{id}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.admin.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// handleCreate registers a new policy from the request body. The body is the
// policy itself; attribution rides in headers.
// POST /v1/policies
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := h.readJSON(w, r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "STRUCTURAL_ERROR", bodyError(err), nil)
		return
	}

	created, err := h.admin.Create(r.Context(), &p, h.mutation(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// handleUpdate replaces the mutable fields of an existing policy.
// PUT /v1/policies/{id}
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := h.readJSON(w, r, &p); err != nil {
		h.respondError(w, http.StatusBadRequest, "STRUCTURAL_ERROR", bodyError(err), nil)
		return
	}

	updated, err := h.admin.Update(r.Context(), r.PathValue("id"), &p, h.mutation(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// handleDelete removes the policy row. The audit trail keeps the tombstone.
// DELETE /v1/policies/{id}
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), r.PathValue("id"), h.mutation(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnable flips the soft toggle on. Enabling re-runs governance, so a
// policy that now requires approval rejects without the approval header.
// POST /v1/policies/{id}/enable
func (h *Handler) handleEnable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// handleDisable flips the soft toggle off. Disabling is always permitted.
// POST /v1/policies/{id}/disable
func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	updated, err := h.admin.SetEnabled(r.Context(), r.PathValue("id"), enabled, h.mutation(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// handleArchive soft-deletes: the policy leaves the active corpus but its row
// and history survive.
// POST /v1/policies/{id}/archive
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := h.admin.Archive(r.Context(), r.PathValue("id"), h.mutation(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, archived)
}

// validateResponse is the verdict for one submitted document. Violations
// carries document-level structural findings; Results carries the per-policy
// governance reports when the document parsed.
type validateResponse struct {
	Valid      bool                       `json:"valid"`
	Violations []policy.Violation         `json:"violations,omitempty"`
	Results    []inbound.ValidationResult `json:"results,omitempty"`
}

// handleValidate grades a policy document without persisting anything. A
// document that fails structural checks is a completed validation with a
// negative verdict, not a request error: the endpoint answers 200 either way
// and reserves 4xx for bodies it cannot read at all.
// POST /v1/policies/validate
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "STRUCTURAL_ERROR", bodyError(err), nil)
		return
	}

	var doc *policy.Document
	var parseErr error
	switch contentType(r) {
	case "application/yaml", "application/x-yaml", "text/yaml":
		doc, parseErr = policy.ParseYAML(data)
	default:
		doc, parseErr = policy.ParseJSON(data)
	}
	if parseErr != nil {
		var structural *policy.StructuralError
		if errors.As(parseErr, &structural) {
			h.respondJSON(w, http.StatusOK, validateResponse{
				Valid:      false,
				Violations: structural.Violations,
			})
			return
		}
		h.respondError(w, http.StatusBadRequest, "STRUCTURAL_ERROR", parseErr.Error(), nil)
		return
	}

	results := h.admin.Validate(r.Context(), doc)
	valid := true
	for _, res := range results {
		if !res.Report.Valid {
			valid = false
			break
		}
	}
	h.respondJSON(w, http.StatusOK, validateResponse{Valid: valid, Results: results})
}

// contentType returns the media type of the request body, ignoring
// parameters like charset.
func contentType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// bodyError turns a decode failure into a caller-facing message without
// leaking decoder internals for oversized bodies.
func bodyError(err error) string {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return "request body too large (max 1MB)"
	}
	return "invalid JSON request body"
}
