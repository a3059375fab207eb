// Package tracing adapts OpenTelemetry to the engine's tracer port.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/driftkit-ai/driftkit-go/pkg/engine"
)

// Tracer implements engine.Tracer on an OpenTelemetry tracer. The exporter
// and provider are the host application's concern; the default global
// tracer yields no-op spans until a provider is installed.
type Tracer struct {
	tracer oteltrace.Tracer
}

var _ engine.Tracer = (*Tracer)(nil)

// NewTracer wraps an OpenTelemetry tracer. A nil tracer falls back to the
// global provider.
func NewTracer(tracer oteltrace.Tracer) *Tracer {
	if tracer == nil {
		tracer = otel.Tracer("driftkit-engine")
	}
	return &Tracer{tracer: tracer}
}

// StartSpan opens a span with the given string attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, engine.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(kv...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
