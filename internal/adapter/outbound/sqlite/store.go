// Package sqlite persists the policy corpus and the records the engine emits
// in one SQLite database, using the pure-Go modernc driver. The audit trail
// table is trigger-protected: rows can never be updated or deleted.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

//go:embed schema.sql
var schemaSQL string

// Store implements the policy store, record sink, and audit trail source over
// a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ outbound.PolicyStore      = (*Store)(nil)
	_ outbound.RecordSink       = (*Store)(nil)
	_ outbound.AuditTrailSource = (*Store)(nil)
)

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers; SQLite returns SQLITE_BUSY
	// otherwise.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", "dsn", dsn)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const policyColumns = `id, name, description, version, namespace, tags, priority, status, enabled, guard, rules, created_by, internal_version, created_at, updated_at`

// rowScanner abstracts sql.Row and sql.Rows for the shared scan path.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPolicy decodes one policies row.
func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p         policy.Policy
		desc      sql.NullString
		namespace sql.NullString
		tagsJSON  string
		status    string
		enabled   int
		guard     sql.NullString
		rulesJSON string
		createdBy sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &desc, &p.Version, &namespace, &tagsJSON,
		&p.Priority, &status, &enabled, &guard, &rulesJSON, &createdBy,
		&p.InternalVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.Description = desc.String
	p.Namespace = namespace.String
	p.Status = policy.Status(status)
	p.Enabled = enabled != 0
	p.Guard = guard.String
	p.CreatedBy = createdBy.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &p, nil
}

// Save upserts the current row for p.ID.
func (s *Store) Save(ctx context.Context, p *policy.Policy) error {
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	const query = `INSERT INTO policies (` + policyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			namespace = excluded.namespace,
			tags = excluded.tags,
			priority = excluded.priority,
			status = excluded.status,
			enabled = excluded.enabled,
			guard = excluded.guard,
			rules = excluded.rules,
			created_by = excluded.created_by,
			internal_version = excluded.internal_version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Description, p.Version, p.Namespace, string(tagsJSON),
		p.Priority, string(p.Status), boolToInt(p.Enabled), p.Guard, string(rulesJSON),
		p.CreatedBy, p.InternalVersion, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save policy %q: %w", p.ID, err)
	}
	return nil
}

// SaveVersion archives a full snapshot keyed by (policy_id, internal_version).
// Archiving the same pair twice is an error, enforced by the primary key.
func (s *Store) SaveVersion(ctx context.Context, p *policy.Policy) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_versions (policy_id, internal_version, version, snapshot, archived_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.InternalVersion, p.Version, string(snapshot), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("version snapshot %s@%d: %w", p.ID, p.InternalVersion, err)
	}
	return nil
}

// Delete removes the current row. Version snapshots and audit entries survive.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete policy %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("policy %q: %w", id, outbound.ErrPolicyNotFound)
	}
	return nil
}

// List returns every current policy row, any status, ordered by id.
func (s *Store) List(ctx context.Context) ([]*policy.Policy, error) {
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY id`)
}

// ListActive returns the evaluable policies ordered by id.
func (s *Store) ListActive(ctx context.Context) ([]*policy.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE status = ? AND enabled = 1 ORDER BY id`,
		string(policy.StatusActive))
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return out, nil
}

// Find returns the current row when version is empty, otherwise the snapshot
// carrying that semantic version. When several snapshots share a version the
// newest internal version wins.
func (s *Store) Find(ctx context.Context, id, version string) (*policy.Policy, error) {
	current, err := scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find policy %q: %w", id, err)
	}

	if version == "" {
		if current == nil {
			return nil, fmt.Errorf("policy %q: %w", id, outbound.ErrPolicyNotFound)
		}
		return current, nil
	}

	if current != nil && current.Version == version {
		return current, nil
	}

	var snapshot string
	err = s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM policy_versions WHERE policy_id = ? AND version = ? ORDER BY internal_version DESC LIMIT 1`,
		id, version).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %q version %q: %w", id, version, outbound.ErrPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find policy version: %w", err)
	}

	var p policy.Policy
	if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &p, nil
}

// PersistEvent stores one decision event, whole-event JSON plus indexed columns.
func (s *Store) PersistEvent(ctx context.Context, event *decision.Event) (outbound.Ack, error) {
	blob, err := json.Marshal(event)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_events (event_id, agent_id, decision_type, inputs_hash, event, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.AgentID, string(event.DecisionType), event.InputsHash, string(blob), event.Timestamp)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("insert event: %w", err)
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistAuditEntry appends one entry to the trail table.
func (s *Store) PersistAuditEntry(ctx context.Context, entry audit.Entry) (outbound.Ack, error) {
	var metadata any
	if len(entry.Metadata) > 0 {
		blob, err := json.Marshal(entry.Metadata)
		if err != nil {
			return outbound.Ack{}, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(blob)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_audit_trail (id, policy_id, policy_version, action, actor, timestamp, before_hash, after_hash, correlation_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PolicyID, entry.PolicyVersion, string(entry.Action), entry.Actor,
		formatTime(entry.Timestamp), entry.BeforeHash, entry.AfterHash, entry.CorrelationID, metadata)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistEvaluation stores one evaluation row. The context blob is redacted
// before it is written.
func (s *Store) PersistEvaluation(ctx context.Context, rec outbound.EvaluationRecord) (outbound.Ack, error) {
	policyIDs, err := json.Marshal(rec.PolicyIDs)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode policy ids: %w", err)
	}
	matchedPolicies, err := json.Marshal(rec.MatchedPolicies)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode matched policies: %w", err)
	}
	matchedRules, err := json.Marshal(rec.MatchedRules)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode matched rules: %w", err)
	}
	contextBlob, err := json.Marshal(audit.RedactSensitive(rec.Context))
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode context: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_evaluations (request_id, policy_ids, outcome, allowed, reason, matched_policies, matched_rules, context, evaluation_time_ms, cached, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, string(policyIDs), rec.Outcome, boolToInt(rec.Allowed), rec.Reason,
		string(matchedPolicies), string(matchedRules), string(contextBlob),
		rec.EvaluationTimeMS, boolToInt(rec.Cached), string(metadata), formatTime(rec.CreatedAt))
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("insert evaluation: %w", err)
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistRegistration stores an agent registration.
func (s *Store) PersistRegistration(ctx context.Context, reg outbound.Registration) (outbound.Ack, error) {
	capabilities, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("encode capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_registrations (agent_id, agent_version, decision_type, capabilities, registered_at) VALUES (?, ?, ?, ?, ?)`,
		reg.AgentID, reg.AgentVersion, reg.DecisionType, string(capabilities), formatTime(reg.RegisteredAt))
	if err != nil {
		return outbound.Ack{}, fmt.Errorf("insert registration: %w", err)
	}
	return outbound.Ack{Accepted: true}, nil
}

// Trail returns the audit entries for one policy ordered oldest first. An
// empty policyID returns the whole trail.
func (s *Store) Trail(ctx context.Context, policyID string) ([]audit.Entry, error) {
	query := `SELECT id, policy_id, policy_version, action, actor, timestamp, before_hash, after_hash, correlation_id, metadata
		FROM policy_audit_trail`
	var args []any
	if policyID != "" {
		query += ` WHERE policy_id = ?`
		args = append(args, policyID)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			policyVersion sql.NullString
			action        string
			actor         sql.NullString
			timestamp     string
			correlationID sql.NullString
			metadata      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PolicyID, &policyVersion, &action, &actor,
			&timestamp, &e.BeforeHash, &e.AfterHash, &correlationID, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PolicyVersion = policyVersion.String
		e.Action = audit.Action(action)
		e.Actor = actor.String
		e.Timestamp = parseTime(timestamp)
		e.CorrelationID = correlationID.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
