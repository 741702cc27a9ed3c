package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// ErrPolicyExists is returned when creating a policy whose id is already
// taken.
var ErrPolicyExists = errors.New("policy already exists")

// PolicyAdminService implements the policy lifecycle: create, update,
// enable/disable, archive and delete. Every mutation is structurally
// validated, gated by governance fail-closed, written to the store with a
// strictly increasing internal version, and appended to the hash-chained
// audit trail before the active corpus reloads.
type PolicyAdminService struct {
	store  outbound.PolicyStore
	sink   outbound.RecordSink
	trail  outbound.AuditTrailSource
	gov    *GovernanceService
	engine *Engine
	cache  *DecisionCache
	logger *slog.Logger
	clock  outbound.Clock
	ids    outbound.IDSource

	// sinkTimeout bounds the synchronous audit append.
	sinkTimeout time.Duration

	mu sync.Mutex // serializes mutations
}

var _ inbound.PolicyAdmin = (*PolicyAdminService)(nil)

// AdminOption configures a PolicyAdminService.
type AdminOption func(*PolicyAdminService)

// WithAdminEngine sets the engine to reload after every mutation.
func WithAdminEngine(engine *Engine) AdminOption {
	return func(s *PolicyAdminService) { s.engine = engine }
}

// WithAdminCache sets the decision cache to invalidate after every mutation.
func WithAdminCache(cache *DecisionCache) AdminOption {
	return func(s *PolicyAdminService) { s.cache = cache }
}

// WithAdminClock overrides the mutation timestamp source.
func WithAdminClock(clock outbound.Clock) AdminOption {
	return func(s *PolicyAdminService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAdminIDs overrides the audit entry id source.
func WithAdminIDs(ids outbound.IDSource) AdminOption {
	return func(s *PolicyAdminService) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithAdminSinkTimeout bounds the synchronous audit append.
func WithAdminSinkTimeout(timeout time.Duration) AdminOption {
	return func(s *PolicyAdminService) {
		if timeout > 0 {
			s.sinkTimeout = timeout
		}
	}
}

// NewPolicyAdminService builds the lifecycle service. Audit entries are
// written synchronously through sink so the trail is readable the moment a
// mutation returns; trail serves the read side.
func NewPolicyAdminService(
	store outbound.PolicyStore,
	sink outbound.RecordSink,
	trail outbound.AuditTrailSource,
	gov *GovernanceService,
	logger *slog.Logger,
	opts ...AdminOption,
) *PolicyAdminService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyAdminService{
		store:       store,
		sink:        sink,
		trail:       trail,
		gov:         gov,
		logger:      logger,
		clock:       outbound.ClockFunc(time.Now),
		ids:         outbound.IDFunc(uuid.NewString),
		sinkTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new policy. Structural violations and governance
// rejections abort before anything persists; the audit chain for the id
// starts with the null before-hash.
func (s *PolicyAdminService) Create(ctx context.Context, p *policy.Policy, m inbound.Mutation) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if violations := policy.ValidatePolicy(p); len(violations) > 0 {
		return nil, &policy.StructuralError{Violations: violations}
	}
	if err := s.gate(p, m); err != nil {
		return nil, err
	}

	if _, err := s.store.Find(ctx, p.ID, ""); err == nil {
		return nil, fmt.Errorf("policy %q: %w", p.ID, ErrPolicyExists)
	} else if !errors.Is(err, outbound.ErrPolicyNotFound) {
		return nil, fmt.Errorf("check existing policy: %w", err)
	}

	now := s.clock.Now().UTC()
	p.InternalVersion = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.CreatedBy == "" {
		p.CreatedBy = m.Actor
	}

	afterHash, err := audit.StateHash(p)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	s.appendAudit(ctx, s.auditEntry(audit.ActionCreate, p, audit.HashNull, afterHash, m, nil))

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("policy created", "id", p.ID, "name", p.Name, "rules", len(p.Rules))

	return s.store.Find(ctx, p.ID, "")
}

// Update replaces the mutable fields of an existing policy. The prior state
// is archived as a version snapshot; the audit action is version_update when
// the semantic version moved, edit otherwise.
func (s *PolicyAdminService) Update(ctx context.Context, id string, p *policy.Policy, m inbound.Mutation) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Find(ctx, id, "")
	if err != nil {
		return nil, err
	}

	p.ID = id
	if violations := policy.ValidatePolicy(p); len(violations) > 0 {
		return nil, &policy.StructuralError{Violations: violations}
	}
	if err := s.gate(p, m); err != nil {
		return nil, err
	}

	p.CreatedAt = existing.CreatedAt
	if p.CreatedBy == "" {
		p.CreatedBy = existing.CreatedBy
	}
	p.InternalVersion = existing.InternalVersion + 1
	p.UpdatedAt = s.clock.Now().UTC()

	beforeHash, err := audit.StateHash(existing)
	if err != nil {
		return nil, err
	}
	afterHash, err := audit.StateHash(p)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveVersion(ctx, existing); err != nil {
		return nil, fmt.Errorf("archive prior version: %w", err)
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	action := audit.ActionEdit
	var metadata map[string]any
	if versionMoved(existing.Version, p.Version) {
		action = audit.ActionVersionUpdate
		metadata = map[string]any{"prior_version": existing.Version}
	}
	s.appendAudit(ctx, s.auditEntry(action, p, beforeHash, afterHash, m, metadata))

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("policy updated", "id", id, "name", p.Name, "internal_version", p.InternalVersion)

	return s.store.Find(ctx, id, "")
}

// SetEnabled flips the soft toggle. Enabling re-runs the governance gate;
// disabling is always permitted. A no-op flip writes nothing.
func (s *PolicyAdminService) SetEnabled(ctx context.Context, id string, enabled bool, m inbound.Mutation) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Find(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if existing.Enabled == enabled {
		return existing, nil
	}

	updated := existing.Clone()
	updated.Enabled = enabled
	if enabled {
		if err := s.gate(updated, m); err != nil {
			return nil, err
		}
	}
	updated.InternalVersion = existing.InternalVersion + 1
	updated.UpdatedAt = s.clock.Now().UTC()

	// Enabled sits outside the governed state, so the flip holds the hash
	// steady and the chain stays continuous.
	stateHash, err := audit.StateHash(updated)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	action := audit.ActionDisable
	if enabled {
		action = audit.ActionEnable
	}
	s.appendAudit(ctx, s.auditEntry(action, updated, stateHash, stateHash, m, nil))

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("policy toggled", "id", id, "enabled", enabled)

	return s.store.Find(ctx, id, "")
}

// Archive soft-deletes a policy by moving it to archived status. Archiving an
// archived policy is a no-op.
func (s *PolicyAdminService) Archive(ctx context.Context, id string, m inbound.Mutation) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Find(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if existing.Status == policy.StatusArchived {
		return existing, nil
	}

	updated := existing.Clone()
	updated.Status = policy.StatusArchived
	updated.InternalVersion = existing.InternalVersion + 1
	updated.UpdatedAt = s.clock.Now().UTC()

	beforeHash, err := audit.StateHash(existing)
	if err != nil {
		return nil, err
	}
	afterHash, err := audit.StateHash(updated)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	s.appendAudit(ctx, s.auditEntry(audit.ActionEdit, updated, beforeHash, afterHash, m, map[string]any{
		"status_from": string(existing.Status),
		"status_to":   string(policy.StatusArchived),
	}))

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("policy archived", "id", id)

	return s.store.Find(ctx, id, "")
}

// Delete removes the current policy row. Version snapshots and the audit
// trail survive; the chain ends with the null after-hash.
func (s *PolicyAdminService) Delete(ctx context.Context, id string, m inbound.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Find(ctx, id, "")
	if err != nil {
		return err
	}

	beforeHash, err := audit.StateHash(existing)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	s.appendAudit(ctx, s.auditEntry(audit.ActionDelete, existing, beforeHash, audit.HashNull, m, nil))

	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.logger.Info("policy deleted", "id", id)
	return nil
}

// Get returns one policy by id.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (*policy.Policy, error) {
	return s.store.Find(ctx, id, "")
}

// List returns every stored policy, any status.
func (s *PolicyAdminService) List(ctx context.Context) ([]*policy.Policy, error) {
	return s.store.List(ctx)
}

// Trail returns the audit entries for one policy, oldest first.
func (s *PolicyAdminService) Trail(ctx context.Context, policyID string) ([]audit.Entry, error) {
	if s.trail == nil {
		return nil, errors.New("no audit trail source configured")
	}
	return s.trail.Trail(ctx, policyID)
}

// VerifyTrail checks hash continuity over the policy's audit chain.
func (s *PolicyAdminService) VerifyTrail(ctx context.Context, policyID string) (audit.Report, error) {
	entries, err := s.Trail(ctx, policyID)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.VerifyChain(entries), nil
}

// Validate runs the governance validator over every policy in the document
// without persisting anything.
func (s *PolicyAdminService) Validate(ctx context.Context, doc *policy.Document) []inbound.ValidationResult {
	results := make([]inbound.ValidationResult, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		if p == nil {
			continue
		}
		results = append(results, inbound.ValidationResult{
			PolicyID: p.ID,
			Name:     p.Name,
			Report:   s.gov.Review(p),
		})
	}
	return results
}

// gate applies the governance verdict fail-closed: blocking violations always
// reject, and an inferred approval requirement rejects any mutation that
// leaves the policy evaluable unless the caller asserts approval authority.
func (s *PolicyAdminService) gate(p *policy.Policy, m inbound.Mutation) error {
	report := s.gov.Review(p)
	if !report.Valid {
		return &governance.Rejection{Report: report}
	}
	if report.RequiresApproval && p.Evaluable() && !m.ApprovalGranted {
		return &governance.Rejection{Report: report}
	}
	return nil
}

// auditEntry assembles one chain link for a mutation.
func (s *PolicyAdminService) auditEntry(action audit.Action, p *policy.Policy, beforeHash, afterHash string, m inbound.Mutation, metadata map[string]any) audit.Entry {
	if m.Reason != "" {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata["reason"] = m.Reason
	}
	return audit.Entry{
		ID:            s.ids.NewID(),
		PolicyID:      p.ID,
		PolicyVersion: p.Version,
		Action:        action,
		Actor:         m.Actor,
		Timestamp:     s.clock.Now().UTC(),
		BeforeHash:    beforeHash,
		AfterHash:     afterHash,
		CorrelationID: m.CorrelationID,
		Metadata:      audit.RedactSensitive(metadata),
	}
}

// appendAudit writes one entry synchronously so the trail is readable as soon
// as the mutation returns. A sink failure is logged, never propagated; chain
// verification surfaces the gap.
func (s *PolicyAdminService) appendAudit(ctx context.Context, e audit.Entry) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
	defer cancel()

	ack, err := s.sink.PersistAuditEntry(ctx, e)
	if err != nil {
		s.logger.Error("audit append failed",
			"code", decision.CodeSink,
			"policy_id", e.PolicyID,
			"action", e.Action,
			"error", err,
		)
		return
	}
	if !ack.Accepted {
		s.logger.Warn("audit append refused",
			"code", decision.CodeSink,
			"policy_id", e.PolicyID,
			"action", e.Action,
			"reason", ack.Reason,
		)
	}
}

// refresh swaps the active corpus and clears cached decisions after a
// mutation landed.
func (s *PolicyAdminService) refresh(ctx context.Context) error {
	if s.engine != nil {
		if err := s.engine.Reload(ctx); err != nil {
			return fmt.Errorf("reload policy corpus: %w", err)
		}
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	return nil
}

// versionMoved reports whether the semantic version changed between two
// policy states. Unparseable versions fall back to string comparison.
func versionMoved(prior, next string) bool {
	pv, errA := semver.NewVersion(prior)
	nv, errB := semver.NewVersion(next)
	if errA != nil || errB != nil {
		return prior != next
	}
	return !pv.Equal(nv)
}
