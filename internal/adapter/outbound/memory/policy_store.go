// Package memory provides in-memory implementations of the outbound ports,
// used for development and as the default test fixtures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// PolicyStore keeps the current policy rows and their archived version
// snapshots in maps. Safe for concurrent use; every read hands out a clone.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
	versions map[string]map[int]*policy.Policy // id -> internal_version -> snapshot
}

var _ outbound.PolicyStore = (*PolicyStore)(nil)

// NewPolicyStore creates an empty in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		policies: make(map[string]*policy.Policy),
		versions: make(map[string]map[int]*policy.Policy),
	}
}

// Seed inserts a policy without going through the lifecycle service.
func (s *PolicyStore) Seed(p *policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p.Clone()
}

// ListActive returns the evaluable policies (status active, enabled) sorted
// by id for deterministic iteration.
func (s *PolicyStore) ListActive(ctx context.Context) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*policy.Policy
	for _, p := range s.policies {
		if p.Evaluable() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find returns the current row when version is empty, otherwise the snapshot
// carrying that semantic version. When several snapshots share a version the
// newest internal version wins.
func (s *PolicyStore) Find(ctx context.Context, id, version string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, ok := s.policies[id]
	if version == "" {
		if !ok {
			return nil, fmt.Errorf("policy %q: %w", id, outbound.ErrPolicyNotFound)
		}
		return current.Clone(), nil
	}

	if ok && current.Version == version {
		return current.Clone(), nil
	}
	var best *policy.Policy
	for _, snap := range s.versions[id] {
		if snap.Version != version {
			continue
		}
		if best == nil || snap.InternalVersion > best.InternalVersion {
			best = snap
		}
	}
	if best == nil {
		return nil, fmt.Errorf("policy %q version %q: %w", id, version, outbound.ErrPolicyNotFound)
	}
	return best.Clone(), nil
}

// Save upserts the current row for p.ID.
func (s *PolicyStore) Save(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p.Clone()
	return nil
}

// SaveVersion archives a snapshot keyed by (id, internal_version). Archiving
// the same pair twice is an error.
func (s *PolicyStore) SaveVersion(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.versions[p.ID]
	if snaps == nil {
		snaps = make(map[int]*policy.Policy)
		s.versions[p.ID] = snaps
	}
	if _, dup := snaps[p.InternalVersion]; dup {
		return fmt.Errorf("version snapshot %s@%d already archived", p.ID, p.InternalVersion)
	}
	snaps[p.InternalVersion] = p.Clone()
	return nil
}

// Delete removes the current row. Version snapshots survive so the audit
// trail stays resolvable.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("policy %q: %w", id, outbound.ErrPolicyNotFound)
	}
	delete(s.policies, id)
	return nil
}

// List returns every current row, any status, sorted by id.
func (s *PolicyStore) List(ctx context.Context) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Versions returns the archived snapshots for id ordered by internal version.
func (s *PolicyStore) Versions(id string) []*policy.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.versions[id]
	out := make([]*policy.Policy, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalVersion < out[j].InternalVersion })
	return out
}
