package audit

import (
	"fmt"
	"sort"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/pkg/canonicaljson"
)

// StateHash fingerprints the governed fields of a policy: id, name, version,
// namespace, status and rules. Annotations outside that set never change the
// hash. A nil policy hashes to HashNull.
func StateHash(p *policy.Policy) (string, error) {
	if p == nil {
		return HashNull, nil
	}
	state := map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"version":   p.Version,
		"namespace": p.Namespace,
		"status":    string(p.Status),
		"rules":     p.Rules,
	}
	hash, err := canonicaljson.Hash(state)
	if err != nil {
		return "", fmt.Errorf("hash policy state: %w", err)
	}
	return hash, nil
}

// Gap is one break in an audit chain: the previous entry's after_hash does
// not match the next entry's before_hash.
type Gap struct {
	PolicyID   string `json:"policy_id"`
	EntryID    string `json:"entry_id"`
	Index      int    `json:"index"`
	PrevAfter  string `json:"prev_after"`
	NextBefore string `json:"next_before"`
}

// Report is the result of verifying one or more audit chains. Gaps are
// reported, never rejected; a broken chain is still a readable chain.
type Report struct {
	Entries int   `json:"entries"`
	Valid   bool  `json:"valid"`
	Gaps    []Gap `json:"gaps"`
}

// VerifyChain checks hash continuity per policy id: ordered by timestamp,
// each entry's before_hash must equal the previous entry's after_hash. A
// create entry begins a new chain and must carry the null before-hash.
func VerifyChain(entries []Entry) Report {
	report := Report{Entries: len(entries), Gaps: []Gap{}}

	byPolicy := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		if _, seen := byPolicy[e.PolicyID]; !seen {
			order = append(order, e.PolicyID)
		}
		byPolicy[e.PolicyID] = append(byPolicy[e.PolicyID], e)
	}

	for _, policyID := range order {
		chain := byPolicy[policyID]
		sort.SliceStable(chain, func(i, j int) bool {
			return chain[i].Timestamp.Before(chain[j].Timestamp)
		})
		for i, e := range chain {
			if e.Action == ActionCreate {
				if e.BeforeHash != HashNull {
					report.Gaps = append(report.Gaps, Gap{
						PolicyID:   policyID,
						EntryID:    e.ID,
						Index:      i,
						PrevAfter:  HashNull,
						NextBefore: e.BeforeHash,
					})
				}
				continue
			}
			if i == 0 {
				// Chain starts mid-history; nothing to compare against.
				continue
			}
			prev := chain[i-1]
			if prev.AfterHash != e.BeforeHash {
				report.Gaps = append(report.Gaps, Gap{
					PolicyID:   policyID,
					EntryID:    e.ID,
					Index:      i,
					PrevAfter:  prev.AfterHash,
					NextBefore: e.BeforeHash,
				})
			}
		}
	}

	report.Valid = len(report.Gaps) == 0
	return report
}
