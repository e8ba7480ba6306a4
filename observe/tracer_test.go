package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOperation_SpanName(t *testing.T) {
	op := Operation{Component: "eden", Name: "evaluate"}

	expected := "querycache.eden.evaluate"
	if got := op.SpanName(); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

// TestTracer_SpanAttributes verifies component and extra attributes are present.
func TestTracer_SpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	tr := NewTracer(tp.Tracer("test"))
	_, span := tr.StartSpan(context.Background(),
		Operation{Component: "eden", Name: "evaluate"},
		attribute.Int("cache.adepts", 12),
	)
	tr.EndSpan(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]

	if s.Name() != "querycache.eden.evaluate" {
		t.Errorf("expected span name 'querycache.eden.evaluate', got %q", s.Name())
	}

	attrMap := make(map[string]attribute.Value)
	for _, a := range s.Attributes() {
		attrMap[string(a.Key)] = a.Value
	}
	if v, ok := attrMap["cache.component"]; !ok || v.AsString() != "eden" {
		t.Errorf("expected cache.component='eden', got %v", v)
	}
	if v, ok := attrMap["cache.adepts"]; !ok || v.AsInt64() != 12 {
		t.Errorf("expected cache.adepts=12, got %v", v)
	}
	if v, ok := attrMap["cache.error"]; !ok || v.AsBool() {
		t.Errorf("expected cache.error=false, got %v", v)
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("expected status Ok, got %v", s.Status().Code)
	}
}

// TestTracer_EndSpanWithError verifies error status and event recording.
func TestTracer_EndSpanWithError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	tr := NewTracer(tp.Tracer("test"))
	_, span := tr.StartSpan(context.Background(), Operation{Component: "eden", Name: "evaluate"})
	tr.EndSpan(span, errors.New("boom"))

	s := recorder.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", s.Status().Code)
	}
	if s.Status().Description != "boom" {
		t.Errorf("expected description 'boom', got %q", s.Status().Description)
	}
	if len(s.Events()) == 0 {
		t.Error("expected error event to be recorded")
	}
}

func TestNoopTracer(t *testing.T) {
	tr := NoopTracer()
	ctx, span := tr.StartSpan(context.Background(), Operation{Component: "anteroom", Name: "register"})
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	tr.EndSpan(span, errors.New("ignored"))
	if span.IsRecording() {
		t.Error("noop span must not record")
	}
}
