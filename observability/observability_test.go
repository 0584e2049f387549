package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nevindra/chatbranch"
)

func noopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}

type mockProvider struct {
	name   string
	events []chatbranch.Event
	err    error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Stream(_ context.Context, _ chatbranch.GenerateRequest) (<-chan chatbranch.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(chan chatbranch.Event, len(m.events))
	for _, ev := range m.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func drainEvents(ch <-chan chatbranch.Event) []chatbranch.Event {
	var out []chatbranch.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestWrapProviderForwardsEvents(t *testing.T) {
	inner := &mockProvider{name: "stub", events: []chatbranch.Event{
		{Type: chatbranch.EventContentDelta, ContentChunk: "hi"},
		{Type: chatbranch.EventFinish, FinishReason: chatbranch.FinishStop},
	}}
	wrapped := WrapProvider(inner, "test-model", noopTracer())

	if wrapped.Name() != "stub" {
		t.Errorf("expected Name() passthrough, got %q", wrapped.Name())
	}

	ch, err := wrapped.Stream(context.Background(), chatbranch.GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := drainEvents(ch)
	if len(events) != 2 {
		t.Fatalf("expected 2 events forwarded, got %d", len(events))
	}
	if events[0].ContentChunk != "hi" {
		t.Errorf("expected first event content 'hi', got %q", events[0].ContentChunk)
	}
}

func TestWrapProviderPropagatesStreamError(t *testing.T) {
	inner := &mockProvider{name: "stub", err: errors.New("boom")}
	wrapped := WrapProvider(inner, "test-model", noopTracer())

	_, err := wrapped.Stream(context.Background(), chatbranch.GenerateRequest{})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

type mockTool struct {
	name   string
	result string
	err    error
	async  bool
}

func (m *mockTool) Definition() chatbranch.ToolDefinition {
	return chatbranch.ToolDefinition{Name: m.name}
}
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return m.result, m.err
}
func (m *mockTool) Async() bool { return m.async }

type mockSyncTool struct {
	name   string
	result string
}

func (m *mockSyncTool) Definition() chatbranch.ToolDefinition {
	return chatbranch.ToolDefinition{Name: m.name}
}
func (m *mockSyncTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return m.result, nil
}

func TestWrapToolExecutesAndPreservesResult(t *testing.T) {
	inner := &mockTool{name: "echo", result: "ok"}
	wrapped := WrapTool(inner, noopTracer())

	result, err := wrapped.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if wrapped.Definition().Name != "echo" {
		t.Errorf("expected definition passthrough, got %q", wrapped.Definition().Name)
	}
}

func TestWrapToolPropagatesError(t *testing.T) {
	inner := &mockTool{name: "broken", err: errors.New("kaboom")}
	wrapped := WrapTool(inner, noopTracer())

	_, err := wrapped.Execute(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestWrapToolPreservesAsyncFlag(t *testing.T) {
	asyncInner := &mockTool{name: "fetch", async: true}
	wrapped := WrapTool(asyncInner, noopTracer())
	at, ok := wrapped.(interface{ Async() bool })
	if !ok || !at.Async() {
		t.Error("expected wrapped async tool to report Async() true")
	}
}

func TestWrapToolDefaultsToSyncWhenInnerIsNotAsyncTool(t *testing.T) {
	inner := &mockSyncTool{name: "calc", result: "4"}
	wrapped := WrapTool(inner, noopTracer())
	at, ok := wrapped.(interface{ Async() bool })
	if !ok {
		t.Fatal("expected wrapped tool to expose Async()")
	}
	if at.Async() {
		t.Error("expected Async() false when inner tool isn't an AsyncTool")
	}
}
