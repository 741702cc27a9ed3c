package admin

import (
	"net/http"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
)

// trailResponse is the audit chain for one policy, oldest entry first.
type trailResponse struct {
	PolicyID string        `json:"policy_id"`
	Entries  []audit.Entry `json:"entries"`
}

// verifyResponse pairs a policy id with its chain verification report.
type verifyResponse struct {
	PolicyID string       `json:"policy_id"`
	Report   audit.Report `json:"report"`
}

// handleTrail returns the audit entries for one policy. The trail outlives
// the policy row, so entries for deleted policies stay readable and an
// unknown id yields an empty chain rather than a 404.
// GET /v1/policies/{id}/audit
func (h *Handler) handleTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.admin.Trail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	h.respondJSON(w, http.StatusOK, trailResponse{PolicyID: id, Entries: entries})
}

// handleVerifyTrail checks hash continuity over the policy's audit chain.
// Gaps are reported, never rejected: a broken chain still answers 200.
// GET /v1/policies/{id}/audit/verify
func (h *Handler) handleVerifyTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := h.admin.VerifyTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, verifyResponse{PolicyID: id, Report: report})
}
