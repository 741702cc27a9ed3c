package outbound

import "context"

// ApprovalStatus is the collaborator-owned state of one approval request.
type ApprovalStatus struct {
	RequestID  string `json:"request_id"`
	State      string `json:"state"`
	DecidedBy  string `json:"decided_by,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// ApprovalStatusSource answers approval_request_id → status | nil. The
// engine routes approvals but never tracks them; a nil status with nil
// error means the approval-state collaborator owns the answer.
type ApprovalStatusSource interface {
	Status(ctx context.Context, approvalRequestID string) (*ApprovalStatus, error)
}
