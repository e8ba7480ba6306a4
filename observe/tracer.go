package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Operation identifies a cache operation for telemetry purposes.
type Operation struct {
	Component string // anteroom, eden, supervisor
	Name      string // evaluate, register, lookup
}

// SpanName returns the deterministic span name for this operation.
// Format: querycache.<component>.<name>
func (o Operation) SpanName() string {
	return "querycache." + o.Component + "." + o.Name
}

// Tracer wraps OpenTelemetry tracing with cache-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a cache operation.
	StartSpan(ctx context.Context, op Operation, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, op Operation, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all,
		attribute.String("cache.component", op.Component),
		attribute.Bool("cache.error", false), // Updated in EndSpan
	)
	all = append(all, attrs...)

	return t.tracer.Start(ctx, op.SpanName(),
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("cache.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NoopTracer returns a tracer whose spans are never recorded.
func NoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, op Operation, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.noop.Start(ctx, op.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}

var (
	_ Tracer = (*tracerImpl)(nil)
	_ Tracer = (*noopTracer)(nil)
)
