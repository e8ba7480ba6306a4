package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Instrumentation bundles the telemetry handles a cache component needs.
type Instrumentation struct {
	Tracer  Tracer
	Metrics Metrics
	Logger  Logger
}

// NoopInstrumentation returns an Instrumentation that discards everything.
func NoopInstrumentation() Instrumentation {
	return Instrumentation{
		Tracer:  NoopTracer(),
		Metrics: NoopMetrics(),
		Logger:  NoopLogger(),
	}
}

// FromObserver builds an Instrumentation backed by the observer's providers.
func FromObserver(obs Observer) (Instrumentation, error) {
	if obs == nil {
		return Instrumentation{}, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return Instrumentation{}, fmt.Errorf("failed to create metrics: %w", err)
	}

	return Instrumentation{
		Tracer:  NewTracer(obs.Tracer()),
		Metrics: metrics,
		Logger:  obs.Logger(),
	}, nil
}

// WithDefaults fills nil handles with noop implementations.
func (i Instrumentation) WithDefaults() Instrumentation {
	if i.Tracer == nil {
		i.Tracer = NoopTracer()
	}
	if i.Metrics == nil {
		i.Metrics = NoopMetrics()
	}
	if i.Logger == nil {
		i.Logger = NoopLogger()
	}
	return i
}

// Run executes fn inside a span for op and logs failures.
// The returned duration covers fn only.
func (i Instrumentation) Run(ctx context.Context, op Operation, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) (time.Duration, error) {
	ctx, span := i.Tracer.StartSpan(ctx, op, attrs...)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	i.Tracer.EndSpan(span, err)

	if err != nil {
		i.Logger.Error(ctx, "cache operation failed",
			F("operation", op.SpanName()),
			F("duration_ms", elapsed.Milliseconds()),
			F("error", err),
		)
	} else {
		i.Logger.Debug(ctx, "cache operation completed",
			F("operation", op.SpanName()),
			F("duration_ms", elapsed.Milliseconds()),
		)
	}

	return elapsed, err
}
