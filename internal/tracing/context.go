package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// QueryIDKey is the context key for the agent query ID
	QueryIDKey ContextKey = "query_id"
	// SessionKeyKey is the context key for the conversation session key
	SessionKeyKey ContextKey = "session_key"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewQueryID generates a new query ID
func NewQueryID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithQueryID adds a query ID to the context
func WithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, QueryIDKey, queryID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetQueryID retrieves the query ID from the context
func GetQueryID(ctx context.Context) string {
	if queryID, ok := ctx.Value(QueryIDKey).(string); ok {
		return queryID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// NewRequestContext creates a new context for an inbound request with a fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext returns the logger enriched with tracing fields from the context
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	if queryID := GetQueryID(ctx); queryID != "" {
		logger = logger.With().Str("query_id", queryID).Logger()
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		logger = logger.With().Str("session_key", sessionKey).Logger()
	}
	return logger
}
