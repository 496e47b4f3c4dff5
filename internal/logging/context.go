package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	if ctx == nil {
		return fields
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}

	return fields
}

type requestCtxKey struct{}
type userCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether id is safe to attach to log entries.
func ValidID(id string) bool {
	return id != "" &&
		utf8.ValidString(id) &&
		len(id) <= maxIDLen &&
		idPattern.MatchString(id)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds a request ID to context. Request IDs arrive from
// clients via X-Request-ID, so invalid values are dropped rather than logged.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !ValidID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// UserIDFromContext extracts the acting user ID from context.
func UserIDFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithUserID adds the acting user ID to context. Invalid values are dropped.
func WithUserID(ctx context.Context, userID string) context.Context {
	if !ValidID(userID) {
		return ctx
	}
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger if none is set.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
