// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with the
// correlation_id field attached.
type LoggerKey struct{}

// CorrelationIDKey is the context key type for the request correlation id.
// The HTTP middleware stores the inbound x-correlation-id (or a generated
// one) under this key; handlers thread it into execution refs and audit
// entries.
type CorrelationIDKey struct{}
