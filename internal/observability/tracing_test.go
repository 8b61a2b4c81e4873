package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, rec
}

func TestNewTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}

	ctx, span := tracer.TraceAgentRun(context.Background(), "agent", "react")
	defer span.End()
	if ctx == nil {
		t.Fatal("TraceAgentRun() returned nil context")
	}
}

func TestTracer_NilSafe(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceLLMRequest(context.Background(), "openai", "gpt-4o")
	tracer.RecordError(span, errors.New("boom"))
	tracer.SetAttributes(span, "ctx.id", int64(1), "ok", true)
	tracer.AddEvent(ctx, "agent.step", "index", 1)
	span.End()
}

func TestTracer_AddEvent(t *testing.T) {
	tracer, rec := recordingTracer(t)

	ctx, span := tracer.TraceAgentRun(context.Background(), "agent_llama", "react")
	tracer.AddEvent(ctx, "agent.evaluation", "score", 75, "finished", false, 3.5)
	tracer.AddEvent(context.Background(), "detached")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 1 || events[0].Name != "agent.evaluation" {
		t.Fatalf("events = %+v, want one agent.evaluation", events)
	}
	if got := len(events[0].Attributes); got != 2 {
		t.Errorf("attributes = %d, want 2 (odd trailing value dropped)", got)
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(empty) = %q", got)
	}

	tracer, _ := recordingTracer(t)
	ctx, span := tracer.TraceBridgeCall(context.Background(), "chat", "gpt-4o")
	defer span.End()
	id := TraceID(ctx)
	if id == "" || id != span.SpanContext().TraceID().String() {
		t.Fatalf("TraceID() = %q", id)
	}

	var buf bytes.Buffer
	NewLogger(LogConfig{Format: "json", Output: &buf}).InfoContext(ctx, "bridge call")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Unmarshal() error = %v (%s)", err, buf.String())
	}
	if record["trace_id"] != id {
		t.Errorf("trace_id = %v, want %s", record["trace_id"], id)
	}
}
