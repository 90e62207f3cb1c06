package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/idhini/internal/config"
)

func newInMemoryTracerSetup() (*TracerSetup, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &TracerSetup{provider: tp, tracer: tp.Tracer("idhini")}, exporter
}

func TestTracerSetupDisabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil || ts != nil {
		t.Errorf("NewTracerSetup(nil) = %v, %v; want nil, nil", ts, err)
	}
	ts, err = NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Errorf("NewTracerSetup(disabled) = %v, %v; want nil, nil", ts, err)
	}
}

func TestNilTracerSetupReturnsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "anything")
	span.End() // must not panic
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

// TestTracerEmitsSpans mirrors the wired call sites: an agent.process span
// with a nested gate.approval_wait span must reach the exporter with their
// attributes intact.
func TestTracerEmitsSpans(t *testing.T) {
	ts, exporter := newInMemoryTracerSetup()

	ctx, outer := ts.Tracer().Start(context.Background(), "agent.process",
		trace.WithAttributes(attribute.String("correlation_id", "abc123")))
	_, inner := ts.Tracer().Start(ctx, "gate.approval_wait",
		trace.WithAttributes(attribute.String("tool", "shell_exec")))
	inner.SetAttributes(attribute.String("status", "approved"))
	inner.End()
	outer.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "gate.approval_wait" || spans[1].Name != "agent.process" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("approval wait span is not a child of the process span")
	}

	var gotStatus string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "status" {
			gotStatus = kv.Value.AsString()
		}
	}
	if gotStatus != "approved" {
		t.Errorf("status attribute = %q, want %q", gotStatus, "approved")
	}

	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
