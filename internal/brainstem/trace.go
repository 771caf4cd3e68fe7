// Package brainstem implements the execution core of the personal agent:
// trace identity, telemetry, sensors, mode management, governance, tool
// execution, routing, orchestration, scheduling, and the reflection and
// backfill pipelines that make up the "second brain".
package brainstem

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext identifies a single request and its position in the call
// tree. It is immutable once created; new_span derives a child without
// mutating the parent.
type TraceContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// NewTrace creates a root TraceContext for a new request.
func NewTrace() TraceContext {
	id := uuid.NewString()
	return TraceContext{
		TraceID: id,
		SpanID:  uuid.NewString(),
	}
}

// NewSpan derives a child span from tc. The receiver is never mutated; the
// returned TraceContext shares the trace id and records tc's span as its
// parent.
func (tc TraceContext) NewSpan() (TraceContext, string) {
	child := TraceContext{
		TraceID:      tc.TraceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: tc.SpanID,
	}
	return child, child.SpanID
}

type traceContextKey struct{}

// WithTrace returns a derived context carrying tc. The parent ctx is never
// mutated.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// TraceFromContext extracts the TraceContext carried by ctx, if any.
func TraceFromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceContextKey{}).(TraceContext)
	return tc, ok
}
