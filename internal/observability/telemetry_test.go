package observability

import (
	"context"
	"testing"
)

func TestTracer_NoopBeforeInit(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()
	if traceID, _ := SpanIDs(ctx); traceID != "" {
		t.Fatal("expected no trace id from the no-op tracer")
	}
	if Enabled() {
		t.Fatal("expected tracing to be disabled by default")
	}
}

func TestExtractTraceContext_DisabledIsNil(t *testing.T) {
	if tc := ExtractTraceContext(context.Background()); tc != nil {
		t.Fatalf("expected nil trace context, got %v", tc)
	}
	ctx := context.Background()
	if InjectTraceContext(ctx, nil) != ctx {
		t.Fatal("expected ctx unchanged for an empty trace context")
	}
}

func TestInit_RejectsUnknownExporter(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestTraceContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Config{Enabled: true, Exporter: "none", SampleRate: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
		_ = Init(context.Background(), Config{})
	})

	spanCtx, span := StartSpan(ctx, "submit")
	defer span.End()

	tc := ExtractTraceContext(spanCtx)
	if tc["traceparent"] == "" {
		t.Fatal("expected traceparent to be captured")
	}

	carried := InjectTraceContext(context.Background(), tc)
	got, _ := SpanIDs(carried)
	want, _ := SpanIDs(spanCtx)
	if got != want {
		t.Fatalf("expected trace id %s, got %s", want, got)
	}
}
