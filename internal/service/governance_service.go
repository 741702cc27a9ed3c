package service

import (
	"fmt"

	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// GovernanceService grades policies before persistence: structural review,
// guard compilation, conflict and budget checks, then risk classification
// and approval inference. The admin service consults it on every mutation
// and fails closed on a blocking report.
type GovernanceService struct {
	guards     outbound.GuardCompiler
	thresholds governance.Thresholds
}

// NewGovernanceService builds the reviewer. guards may be nil, in which case
// guard expressions pass review unchecked and the engine rejects them at
// load time instead.
func NewGovernanceService(guards outbound.GuardCompiler, thresholds governance.Thresholds) *GovernanceService {
	return &GovernanceService{guards: guards, thresholds: thresholds}
}

// Review grades p. A guard that does not compile is a blocking violation,
// not an error: review reports findings, it never throws.
func (s *GovernanceService) Review(p *policy.Policy) governance.Report {
	violations := governance.Collect(p, s.thresholds)
	if p.Guard != "" && s.guards != nil {
		if _, err := s.guards.Compile(p.Guard); err != nil {
			violations = append(violations, policy.Violation{
				Code:     governance.CodeGuardInvalid,
				Field:    "guard",
				Message:  fmt.Sprintf("guard does not compile: %v", err),
				Severity: policy.SeverityError,
			})
		}
	}
	return governance.Finalize(p, violations)
}
