package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "switchboard-test",
	})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	}()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	// Without an endpoint spans must be valid no-ops.
	ctx, span := tracer.Start(context.Background(), "test_operation")
	if ctx == nil {
		t.Error("Start() returned nil context")
	}
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	span.End()
}

func TestTracerStartWithOptions(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "operation", SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("extension.name", "developer"),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("expected non-nil span")
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "operation")
	defer span.End()

	// Must not panic for either case.
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
}

func TestTracerSetAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "operation")
	defer span.End()

	// Non-string keys are skipped without panicking.
	tracer.SetAttributes(span, "tool", "shell", 42, "ignored", "count", 3)
}

func TestTracerDomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	ctx, replySpan := tracer.TraceReply(ctx, "session-1")
	defer replySpan.End()

	ctx, provSpan := tracer.TraceProviderRequest(ctx, "anthropic", "claude-sonnet-4")
	defer provSpan.End()

	_, toolSpan := tracer.TraceToolDispatch(ctx, "developer", "shell")
	defer toolSpan.End()
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	called := false
	err := WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan returned %v, want nil", err)
	}
	if !called {
		t.Error("expected function to be called")
	}
}

func TestWithSpanPropagatesError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() { _ = shutdown(context.Background()) }()

	want := errors.New("operation failed")
	err := WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("WithSpan returned %v, want %v", err, want)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID on empty context = %q, want empty", id)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		key  string
		val  any
		want attribute.KeyValue
	}{
		{"s", "hello", attribute.String("s", "hello")},
		{"i", 42, attribute.Int("i", 42)},
		{"i64", int64(7), attribute.Int64("i64", 7)},
		{"f", 1.5, attribute.Float64("f", 1.5)},
		{"b", true, attribute.Bool("b", true)},
		{"other", struct{ X int }{1}, attribute.String("other", "{1}")},
	}

	for _, tt := range tests {
		got := attributeFromValue(tt.key, tt.val)
		if got != tt.want {
			t.Errorf("attributeFromValue(%q, %v) = %v, want %v", tt.key, tt.val, got, tt.want)
		}
	}
}
