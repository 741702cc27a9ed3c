// Package audit models the append-only mutation trail of the policy corpus:
// one entry per mutation, hash-chained so tampering is detectable.
package audit

import (
	"strings"
	"time"
)

// Action is the kind of mutation an entry records, a closed set.
type Action string

const (
	ActionCreate        Action = "create"
	ActionEdit          Action = "edit"
	ActionEnable        Action = "enable"
	ActionDisable       Action = "disable"
	ActionDelete        Action = "delete"
	ActionVersionUpdate Action = "version_update"
)

// ValidAction reports whether a is one of the recognised audit actions.
func ValidAction(a Action) bool {
	switch a {
	case ActionCreate, ActionEdit, ActionEnable, ActionDisable, ActionDelete, ActionVersionUpdate:
		return true
	}
	return false
}

// HashNull is the before_hash of a create entry: the hash of the absent
// prior state.
const HashNull = "null"

// Entry is one link of a policy's audit chain. Entries are immutable after
// write and totally ordered by timestamp within a policy id.
type Entry struct {
	ID            string         `json:"id"`
	PolicyID      string         `json:"policy_id"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Action        Action         `json:"action"`
	Actor         string         `json:"actor,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	BeforeHash    string         `json:"before_hash"`
	AfterHash     string         `json:"after_hash"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// sensitiveKeywords lists substrings that mark a metadata key as sensitive.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitive returns a copy of m with sensitive values masked as
// "***REDACTED***". Nested maps are redacted recursively; other values pass
// through unchanged.
func RedactSensitive(m map[string]any) map[string]any {
	if len(m) == 0 {
		return m
	}
	redacted := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case isSensitiveKey(k):
			redacted[k] = "***REDACTED***"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = RedactSensitive(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
