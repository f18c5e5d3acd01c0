package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	attemptKey contextKey = "attempt"
)

// WithTraceID stores a trace id in ctx, generating a UUID when traceID is empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// NewTraceID generates a new UUIDv4 trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// WithAttempt records which connection attempt ctx belongs to.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// GetAttempt returns the attempt number stored in ctx, or 0.
func GetAttempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey).(int); ok {
		return n
	}
	return 0
}

// ContextFields converts the values carried by ctx into zap fields.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if id := GetTraceID(ctx); id != "" {
		fields = append(fields, zap.String("trace_id", id))
	}
	if n := GetAttempt(ctx); n > 0 {
		fields = append(fields, zap.Int("attempt", n))
	}
	return fields
}
