package audit

import (
	"testing"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
)

func statePolicy() *policy.Policy {
	return &policy.Policy{
		ID:        "pol-chain",
		Name:      "chain fixture",
		Version:   "1.2.0",
		Namespace: "governance",
		Status:    policy.StatusActive,
		Enabled:   true,
		Priority:  50,
		CreatedBy: "alice",
		Rules: []policy.PolicyRule{
			{
				ID:      "r1",
				Name:    "deny deletes",
				Enabled: true,
				Condition: &policy.Condition{
					Operator: policy.OpEquals,
					Field:    "operation",
					Value:    "delete",
				},
				Action: policy.Action{
					Type:     policy.ActionDeny,
					Decision: policy.DecisionDeny,
					Reason:   "deletes are blocked",
				},
			},
		},
	}
}

func TestStateHashDeterministic(t *testing.T) {
	a, err := StateHash(statePolicy())
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	b, err := StateHash(statePolicy())
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if a == HashNull || a == "" {
		t.Errorf("unexpected hash %q", a)
	}
}

func TestStateHashIgnoresAnnotations(t *testing.T) {
	base, err := StateHash(statePolicy())
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}

	annotated := statePolicy()
	annotated.Description = "some new description"
	annotated.Tags = []string{"audited", "prod"}
	annotated.Priority = 99
	annotated.Enabled = false
	annotated.CreatedBy = "bob"
	annotated.InternalVersion = 7
	annotated.CreatedAt = time.Now()
	annotated.UpdatedAt = time.Now()

	got, err := StateHash(annotated)
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	if got != base {
		t.Errorf("annotation change moved the hash: %q vs %q", got, base)
	}
}

func TestStateHashTracksGovernedFields(t *testing.T) {
	base, err := StateHash(statePolicy())
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}

	mutations := map[string]func(*policy.Policy){
		"name":    func(p *policy.Policy) { p.Name = "renamed" },
		"version": func(p *policy.Policy) { p.Version = "2.0.0" },
		"status":  func(p *policy.Policy) { p.Status = policy.StatusArchived },
		"rules": func(p *policy.Policy) {
			p.Rules[0].Action.Decision = policy.DecisionAllow
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := statePolicy()
			mutate(p)
			got, err := StateHash(p)
			if err != nil {
				t.Fatalf("StateHash: %v", err)
			}
			if got == base {
				t.Errorf("mutating %s did not move the hash", name)
			}
		})
	}
}

func TestStateHashNilPolicy(t *testing.T) {
	got, err := StateHash(nil)
	if err != nil {
		t.Fatalf("StateHash(nil): %v", err)
	}
	if got != HashNull {
		t.Errorf("StateHash(nil) = %q, want %q", got, HashNull)
	}
}

func chainEntry(id, policyID string, action Action, before, after string, at time.Time) Entry {
	return Entry{
		ID:         id,
		PolicyID:   policyID,
		Action:     action,
		Actor:      "alice",
		Timestamp:  at,
		BeforeHash: before,
		AfterHash:  after,
	}
}

func TestVerifyChainIntact(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a1", "pol-1", ActionCreate, HashNull, "h1", t0),
		chainEntry("a2", "pol-1", ActionEdit, "h1", "h2", t0.Add(time.Minute)),
		chainEntry("a3", "pol-1", ActionDisable, "h2", "h3", t0.Add(2*time.Minute)),
	}

	report := VerifyChain(entries)
	if !report.Valid {
		t.Errorf("intact chain reported invalid: %+v", report.Gaps)
	}
	if report.Entries != 3 {
		t.Errorf("Entries = %d, want 3", report.Entries)
	}
	if len(report.Gaps) != 0 {
		t.Errorf("Gaps = %+v, want none", report.Gaps)
	}
}

func TestVerifyChainDetectsGap(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a1", "pol-1", ActionCreate, HashNull, "h1", t0),
		// h2 never linked: before_hash skips straight to h9.
		chainEntry("a2", "pol-1", ActionEdit, "h9", "h3", t0.Add(time.Minute)),
	}

	report := VerifyChain(entries)
	if report.Valid {
		t.Fatal("broken chain reported valid")
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("Gaps = %+v, want exactly one", report.Gaps)
	}
	gap := report.Gaps[0]
	if gap.PolicyID != "pol-1" || gap.EntryID != "a2" || gap.Index != 1 {
		t.Errorf("gap location = %+v", gap)
	}
	if gap.PrevAfter != "h1" || gap.NextBefore != "h9" {
		t.Errorf("gap hashes = %q -> %q, want h1 -> h9", gap.PrevAfter, gap.NextBefore)
	}
}

func TestVerifyChainCreateMustStartNull(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a1", "pol-1", ActionCreate, "h0", "h1", t0),
	}

	report := VerifyChain(entries)
	if report.Valid {
		t.Fatal("create with non-null before_hash reported valid")
	}
	gap := report.Gaps[0]
	if gap.PrevAfter != HashNull || gap.NextBefore != "h0" {
		t.Errorf("gap hashes = %q -> %q, want %q -> h0", gap.PrevAfter, gap.NextBefore, HashNull)
	}
}

func TestVerifyChainMidHistoryStart(t *testing.T) {
	// Trails that begin after retention trimming have no create entry; the
	// first surviving entry anchors the chain without a continuity check.
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a5", "pol-1", ActionEdit, "h4", "h5", t0),
		chainEntry("a6", "pol-1", ActionEnable, "h5", "h6", t0.Add(time.Minute)),
	}

	report := VerifyChain(entries)
	if !report.Valid {
		t.Errorf("mid-history chain reported invalid: %+v", report.Gaps)
	}
}

func TestVerifyChainSortsByTimestamp(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a3", "pol-1", ActionDisable, "h2", "h3", t0.Add(2*time.Minute)),
		chainEntry("a1", "pol-1", ActionCreate, HashNull, "h1", t0),
		chainEntry("a2", "pol-1", ActionEdit, "h1", "h2", t0.Add(time.Minute)),
	}

	report := VerifyChain(entries)
	if !report.Valid {
		t.Errorf("out-of-order input reported invalid: %+v", report.Gaps)
	}
}

func TestVerifyChainPartitionsByPolicy(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		chainEntry("a1", "pol-1", ActionCreate, HashNull, "h1", t0),
		chainEntry("b1", "pol-2", ActionCreate, HashNull, "g1", t0),
		chainEntry("a2", "pol-1", ActionEdit, "h1", "h2", t0.Add(time.Minute)),
		// pol-2's chain is broken; pol-1's is not.
		chainEntry("b2", "pol-2", ActionEdit, "gX", "g2", t0.Add(time.Minute)),
	}

	report := VerifyChain(entries)
	if report.Valid {
		t.Fatal("report valid despite broken pol-2 chain")
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("Gaps = %+v, want exactly one", report.Gaps)
	}
	if report.Gaps[0].PolicyID != "pol-2" {
		t.Errorf("gap attributed to %q, want pol-2", report.Gaps[0].PolicyID)
	}
}

func TestVerifyChainEmpty(t *testing.T) {
	report := VerifyChain(nil)
	if !report.Valid {
		t.Error("empty trail reported invalid")
	}
	if report.Entries != 0 || len(report.Gaps) != 0 {
		t.Errorf("report = %+v, want empty valid report", report)
	}
}

func TestRedactSensitive(t *testing.T) {
	in := map[string]any{
		"reason":      "rotation",
		"api_key":     "sk-123",
		"AuthHeader":  "Bearer xyz",
		"ticket":      "OPS-441",
		"extras":      map[string]any{"db_password": "hunter2", "region": "us-east-1"},
		"SECRET_SEED": 42,
	}

	got := RedactSensitive(in)

	if got["api_key"] != "***REDACTED***" {
		t.Errorf("api_key = %v, want redacted", got["api_key"])
	}
	if got["AuthHeader"] != "***REDACTED***" {
		t.Errorf("AuthHeader = %v, want redacted (case-insensitive match)", got["AuthHeader"])
	}
	if got["SECRET_SEED"] != "***REDACTED***" {
		t.Errorf("SECRET_SEED = %v, want redacted", got["SECRET_SEED"])
	}
	if got["reason"] != "rotation" || got["ticket"] != "OPS-441" {
		t.Errorf("benign keys altered: %+v", got)
	}

	nested, ok := got["extras"].(map[string]any)
	if !ok {
		t.Fatalf("extras = %T, want map", got["extras"])
	}
	if nested["db_password"] != "***REDACTED***" {
		t.Errorf("nested db_password = %v, want redacted", nested["db_password"])
	}
	if nested["region"] != "us-east-1" {
		t.Errorf("nested region altered: %v", nested["region"])
	}

	// Input map untouched.
	if in["api_key"] != "sk-123" {
		t.Error("RedactSensitive mutated its input")
	}
}

func TestRedactSensitiveEmpty(t *testing.T) {
	if got := RedactSensitive(nil); got != nil {
		t.Errorf("RedactSensitive(nil) = %v, want nil", got)
	}
}

func TestValidAction(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionEdit, ActionEnable, ActionDisable, ActionDelete, ActionVersionUpdate} {
		if !ValidAction(a) {
			t.Errorf("ValidAction(%q) = false", a)
		}
	}
	if ValidAction("rollback") {
		t.Error(`ValidAction("rollback") = true`)
	}
}
