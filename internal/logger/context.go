package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	traceIDKey contextKey = "logger-trace-id"
	spanIDKey  contextKey = "logger-span-id"
)

// ContextWithTrace stores the provided trace ID in the context.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextWithSpan stores the provided span ID in the context.
func ContextWithSpan(ctx context.Context, spanID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceIDFromContext prefers an active OpenTelemetry span and falls back to an ID stored with
// ContextWithTrace.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// SpanIDFromContext mirrors TraceIDFromContext for span identifiers.
func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// EnsureTrace returns ctx unchanged when it already carries a trace, otherwise it decorates the
// context with freshly generated identifiers. Tracing is off by default, so most requests take
// the second branch.
func EnsureTrace(ctx context.Context) context.Context {
	if TraceIDFromContext(ctx) != "" {
		return ctx
	}
	ctx = ContextWithTrace(ctx, NewTraceID())
	return ContextWithSpan(ctx, NewSpanID())
}

// NewTraceID returns a random 16-byte hex encoded identifier.
func NewTraceID() string {
	return randomHex(16)
}

// NewSpanID returns a random 8-byte hex encoded identifier.
func NewSpanID() string {
	return randomHex(8)
}

func randomHex(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
