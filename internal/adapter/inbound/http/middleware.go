// Package http provides the HTTP transport adapter for the decision API.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/llm-dev-ops/policy-engine/internal/ctxkey"
)

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// CorrelationKey is the context key for the correlation id.
var CorrelationKey = ctxkey.CorrelationIDKey{}

// CorrelationMiddleware extracts or generates a correlation id and enriches
// the logger. The id is stored in context under CorrelationKey; an enriched
// logger with the correlation_id field is stored under LoggerKey. The id is
// echoed back in the x-correlation-id response header.
func CorrelationMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationIDHeader)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			enrichedLogger := logger.With("correlation_id", correlationID)

			ctx := context.WithValue(r.Context(), CorrelationKey, correlationID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			// Set response header for correlation
			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// CorrelationIDFromContext retrieves the correlation id from context, empty
// when the middleware did not run.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return ""
}
