package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarnecchia/numina"
)

// otelTracer implements numina.Tracer over OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a numina.Tracer backed by the global OTEL
// TracerProvider. Call Init first; otherwise spans go to a no-op backend.
func NewTracer() numina.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...numina.SpanAttr) (context.Context, numina.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...numina.SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...numina.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.inner.End() }

func toOTELAttrs(attrs []numina.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ numina.Tracer = (*otelTracer)(nil)
	_ numina.Span   = (*otelSpan)(nil)
)
