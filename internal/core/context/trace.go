// Package context carries per-invocation correlation ids for logging.
package context

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext correlates the log lines of one invocation.
type TraceContext struct {
	TraceID   string
	RequestID string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// NewTraceContext reuses the trace id of the active OpenTelemetry span so logs
// and spans join up. Without a span a random id is used.
func NewTraceContext(ctx context.Context) *TraceContext {
	tc := &TraceContext{RequestID: uuid.NewString()}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		tc.TraceID = sc.TraceID().String()
	} else {
		tc.TraceID = uuid.NewString()
	}
	return tc
}
