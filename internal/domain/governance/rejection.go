package governance

import (
	"fmt"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

// Rejection is the fail-closed gate refusing a mutation. It carries the full
// report so callers can surface the violation list and risk level.
type Rejection struct {
	Report Report
}

func (r *Rejection) Error() string {
	if r.Report.Valid && r.Report.RequiresApproval {
		return fmt.Sprintf("governance requires approval: %s", r.Report.ApprovalReason)
	}
	blocking := 0
	for _, v := range r.Report.Violations {
		if v.Severity == policy.SeverityError || v.Severity == policy.SeverityCritical {
			blocking++
		}
	}
	return fmt.Sprintf("governance rejected policy: %d blocking violation(s), risk %s", blocking, r.Report.RiskLevel)
}
