package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/chatbranch"
)

func drainEvents(t *testing.T, ch <-chan chatbranch.Event) []chatbranch.Event {
	t.Helper()
	var events []chatbranch.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL)

	ch, err := p.Stream(context.Background(), chatbranch.GenerateRequest{
		Model:    "gpt-4o",
		Messages: []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	events := drainEvents(t, ch)
	var content string
	var sawFinish bool
	for _, ev := range events {
		switch ev.Type {
		case chatbranch.EventContentDelta:
			content += ev.ContentChunk
		case chatbranch.EventFinish:
			sawFinish = true
			if ev.FinishReason != chatbranch.FinishStop {
				t.Errorf("expected finish reason stop, got %v", ev.FinishReason)
			}
		}
	}
	if content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", content)
	}
	if !sawFinish {
		t.Error("expected a finish event")
	}
}

func TestProvider_Stream_ToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "get_weather" {
			t.Fatalf("expected tool get_weather wired in request, got %+v", req.Tools)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_weather","arguments":""}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"London\"}"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL)

	tools := []chatbranch.ToolDefinition{{
		Name:        "get_weather",
		Description: "Get weather",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}

	ch, err := p.Stream(context.Background(), chatbranch.GenerateRequest{
		Model:    "gpt-4o",
		Messages: []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Weather in London?"}},
		Tools:    tools,
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var fragments int
	for _, ev := range drainEvents(t, ch) {
		if ev.Type == chatbranch.EventToolCallDelta {
			fragments++
			if ev.ToolCall.Index != 0 {
				t.Errorf("expected tool call index 0, got %d", ev.ToolCall.Index)
			}
		}
	}
	if fragments != 3 {
		t.Errorf("expected 3 tool call fragments, got %d", fragments)
	}
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL)

	_, err := p.Stream(context.Background(), chatbranch.GenerateRequest{
		Messages: []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	upstreamErr, ok := err.(*chatbranch.ErrUpstream)
	if !ok {
		t.Fatalf("expected *chatbranch.ErrUpstream, got %T", err)
	}
	if upstreamErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", upstreamErr.Status)
	}
}

func TestProvider_Name(t *testing.T) {
	p := NewProvider("key", "http://localhost")
	if p.Name() != "openai" {
		t.Errorf("expected default name 'openai', got %q", p.Name())
	}

	p = NewProvider("key", "http://localhost", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("expected name 'groq', got %q", p.Name())
	}
}

func TestProvider_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no auth header for empty API key")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":"OK"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	// Ollama and other local providers don't need API keys.
	p := NewProvider("", srv.URL)

	ch, err := p.Stream(context.Background(), chatbranch.GenerateRequest{
		Model:    "llama3",
		Messages: []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	events := drainEvents(t, ch)
	if len(events) != 1 || events[0].ContentChunk != "OK" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestProvider_WithOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("expected temperature 0.7, got %v", req.Temperature)
		}
		if req.MaxTokens != 2048 {
			t.Errorf("expected max_tokens 2048, got %d", req.MaxTokens)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	p := NewProvider("key", srv.URL, WithOptions(WithTemperature(0.7), WithMaxTokens(2048)))

	ch, err := p.Stream(context.Background(), chatbranch.GenerateRequest{
		Model:    "gpt-4o",
		Messages: []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	drainEvents(t, ch)
}
