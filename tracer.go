package numina

import "context"

// Tracer creates spans around turns, tool calls, compression passes, and
// group routings. The observer package provides the OTEL-backed
// implementation; a nil Tracer disables tracing entirely.
type Tracer interface {
	// Start opens a span. The returned context carries it; callers must
	// End it when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr adds attributes after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named annotation on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error and marks the span failed.
	Error(err error)
	// End completes the span. Call exactly once.
	End()
}

// SpanAttr is a key-value attribute on a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr builds an int attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr builds a bool attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Float64Attr builds a float64 attribute.
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }
