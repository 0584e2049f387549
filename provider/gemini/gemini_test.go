package gemini

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nevindra/chatbranch"
)

func testProvider() *Provider {
	return New("test-key")
}

func TestBuildBody_SystemMessages(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{Role: chatbranch.RoleUser, Content: "Hello"},
	}

	body, err := p.buildBody("You are a helpful assistant.\n\nBe concise.", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction in body")
	}
	parts, ok := si["parts"].([]map[string]any)
	if !ok || len(parts) != 1 {
		t.Fatal("expected exactly 1 systemInstruction part")
	}
	if parts[0]["text"] != "You are a helpful assistant.\n\nBe concise." {
		t.Errorf("unexpected system text: %v", parts[0]["text"])
	}

	contents, ok := body["contents"].([]map[string]any)
	if !ok {
		t.Fatal("expected contents array in body")
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry (user only), got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %q", contents[0]["role"])
	}
}

func TestBuildBody_SystemRoleMessageMergedIn(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{Role: chatbranch.RoleSystem, Content: "Be nice."},
		{Role: chatbranch.RoleUser, Content: "Hi"},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	si := body["systemInstruction"].(map[string]any)
	parts := si["parts"].([]map[string]any)
	if parts[0]["text"] != "Be nice." {
		t.Errorf("expected system text 'Be nice.', got %v", parts[0]["text"])
	}
}

func TestBuildBody_AssistantMapsToModel(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{Role: chatbranch.RoleUser, Content: "Hi"},
		{Role: chatbranch.RoleAssistant, Content: "Hello!"},
		{Role: chatbranch.RoleUser, Content: "How are you?"},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}
	if contents[1]["role"] != "model" {
		t.Errorf("expected assistant role mapped to 'model', got %q", contents[1]["role"])
	}
	if contents[0]["role"] != "user" || contents[2]["role"] != "user" {
		t.Errorf("expected user roles preserved, got %q / %q", contents[0]["role"], contents[2]["role"])
	}
}

func TestBuildBody_ToolResults(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{Role: chatbranch.RoleUser, Content: "Search for cats"},
		{
			Role: chatbranch.RoleAssistant,
			ToolCalls: []chatbranch.ToolCallPayload{
				{ID: "search", Function: chatbranch.ToolCallFunction{Name: "search", Arguments: json.RawMessage(`{"query":"cats"}`)}},
			},
		},
		{Role: chatbranch.RoleTool, Content: "Found 10 results about cats", ToolCallID: "search"},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}

	assistantEntry := contents[1]
	if assistantEntry["role"] != "model" {
		t.Errorf("expected tool call entry role 'model', got %q", assistantEntry["role"])
	}
	parts := assistantEntry["parts"].([]map[string]any)
	fc := parts[0]["functionCall"].(map[string]any)
	if fc["name"] != "search" {
		t.Errorf("expected functionCall name 'search', got %q", fc["name"])
	}

	toolEntry := contents[2]
	if toolEntry["role"] != "function" {
		t.Errorf("expected tool result role 'function', got %q", toolEntry["role"])
	}
	toolParts := toolEntry["parts"].([]map[string]any)
	fr := toolParts[0]["functionResponse"].(map[string]any)
	if fr["name"] != "search" {
		t.Errorf("expected functionResponse name 'search', got %q", fr["name"])
	}
	resp := fr["response"].(map[string]any)
	if resp["result"] != "Found 10 results about cats" {
		t.Errorf("unexpected functionResponse result: %v", resp["result"])
	}
}

func TestBuildBody_ToolDeclarations(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hello"}}
	tools := []chatbranch.ToolDefinition{
		{Name: "get_weather", Description: "Get the current weather", Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)},
	}

	body, err := p.buildBody("", messages, tools)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	toolsField, ok := body["tools"].([]map[string]any)
	if !ok || len(toolsField) != 1 {
		t.Fatal("expected tools array with 1 entry")
	}
	decls, ok := toolsField[0]["functionDeclarations"].([]map[string]any)
	if !ok || len(decls) != 1 {
		t.Fatal("expected 1 function declaration")
	}
	if decls[0]["name"] != "get_weather" {
		t.Errorf("expected declaration name 'get_weather', got %q", decls[0]["name"])
	}
}

func TestBuildBody_InlineBase64Attachment(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{
			Role:        chatbranch.RoleUser,
			Content:     "What is this?",
			Attachments: []chatbranch.Attachment{{MimeType: "image/png", Base64: "cmF3LXBuZy1ieXRlcw=="}},
		},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts (text + image), got %d", len(parts))
	}
	if parts[0]["text"] != "What is this?" {
		t.Errorf("expected text part, got %v", parts[0])
	}
	inlineData, ok := parts[1]["inlineData"].(map[string]any)
	if !ok {
		t.Fatal("expected inlineData part")
	}
	if inlineData["mimeType"] != "image/png" {
		t.Errorf("expected mimeType 'image/png', got %q", inlineData["mimeType"])
	}
	if inlineData["data"] != "cmF3LXBuZy1ieXRlcw==" {
		t.Errorf("unexpected base64 data: %q", inlineData["data"])
	}
}

func TestBuildBody_URLAttachment(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{
			Role:        chatbranch.RoleUser,
			Content:     "Describe this video",
			Attachments: []chatbranch.Attachment{{MimeType: "video/mp4", URL: "gs://bucket/video.mp4"}},
		},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	fileData, ok := parts[1]["fileData"].(map[string]any)
	if !ok {
		t.Fatal("expected fileData part")
	}
	if fileData["mimeType"] != "video/mp4" || fileData["fileUri"] != "gs://bucket/video.mp4" {
		t.Errorf("unexpected fileData: %+v", fileData)
	}
}

func TestBuildBody_EmptyContentGetsFallbackPart(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: ""}}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	if len(parts) != 1 || parts[0]["text"] != "" {
		t.Errorf("expected 1 fallback empty-text part, got %v", parts)
	}
}

func TestBuildBody_GenerationConfigDefaults(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hello"}}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.1 {
		t.Errorf("expected temperature 0.1, got %v", gc["temperature"])
	}
	if gc["topP"] != 0.9 {
		t.Errorf("expected topP 0.9, got %v", gc["topP"])
	}
	if _, ok := gc["mediaResolution"]; ok {
		t.Error("expected no mediaResolution when not explicitly set")
	}
	if _, ok := gc["thinkingConfig"]; ok {
		t.Error("expected no thinkingConfig when thinking is disabled")
	}
}

func TestBuildBody_GenerationConfigWithOptions(t *testing.T) {
	p := New("key",
		WithTemperature(0.7),
		WithTopP(0.95),
		WithMediaResolution("MEDIA_RESOLUTION_HIGH"),
		WithThinking(true),
	)
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hello"}}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.7 || gc["topP"] != 0.95 {
		t.Errorf("unexpected temperature/topP: %v / %v", gc["temperature"], gc["topP"])
	}
	if gc["mediaResolution"] != "MEDIA_RESOLUTION_HIGH" {
		t.Errorf("expected MEDIA_RESOLUTION_HIGH, got %v", gc["mediaResolution"])
	}
	tc, ok := gc["thinkingConfig"].(map[string]any)
	if !ok || tc["thinkingBudget"] != -1 {
		t.Errorf("expected thinkingConfig with budget -1, got %v", gc["thinkingConfig"])
	}
}

func TestBuildBody_NoSystemInstruction(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hello"}}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}
	if _, ok := body["systemInstruction"]; ok {
		t.Error("expected no systemInstruction when there is no system prompt")
	}
}

func TestBuildBody_NoToolsOmitted(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{{Role: chatbranch.RoleUser, Content: "Hello"}}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}
	if _, ok := body["tools"]; ok {
		t.Error("expected no tools field when tools slice is nil")
	}
}

func TestBuildBody_MultipleToolCalls(t *testing.T) {
	p := testProvider()
	messages := []chatbranch.NeutralMessage{
		{Role: chatbranch.RoleUser, Content: "Search and calculate"},
		{
			Role: chatbranch.RoleAssistant,
			ToolCalls: []chatbranch.ToolCallPayload{
				{ID: "search", Function: chatbranch.ToolCallFunction{Name: "search", Arguments: json.RawMessage(`{"q":"test"}`)}},
				{ID: "calc", Function: chatbranch.ToolCallFunction{Name: "calc", Arguments: json.RawMessage(`{"expr":"1+1"}`)}},
			},
		},
	}

	body, err := p.buildBody("", messages, nil)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[1]["parts"].([]map[string]any)
	if len(parts) != 2 {
		t.Fatalf("expected 2 functionCall parts, got %d", len(parts))
	}
	fc0 := parts[0]["functionCall"].(map[string]any)
	fc1 := parts[1]["functionCall"].(map[string]any)
	if fc0["name"] != "search" || fc1["name"] != "calc" {
		t.Errorf("unexpected functionCall names: %q / %q", fc0["name"], fc1["name"])
	}
}

func TestNewDefaults(t *testing.T) {
	p := New("test-key")
	if p.apiKey != "test-key" {
		t.Errorf("expected apiKey 'test-key', got %q", p.apiKey)
	}
	if p.Name() != "gemini" {
		t.Errorf("expected name 'gemini', got %q", p.Name())
	}
	if p.temperature != 0.1 || p.topP != 0.9 {
		t.Errorf("unexpected defaults: temperature=%v topP=%v", p.temperature, p.topP)
	}
}

func TestMapRole(t *testing.T) {
	tests := []struct {
		input    chatbranch.Role
		expected string
	}{
		{chatbranch.RoleUser, "user"},
		{chatbranch.RoleAssistant, "model"},
		{chatbranch.RoleSystem, "system"},
		{chatbranch.RoleTool, "tool"},
	}
	for _, tt := range tests {
		if got := mapRole(tt.input); got != tt.expected {
			t.Errorf("mapRole(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func collectGeminiStream(raw string) []chatbranch.Event {
	out := make(chan chatbranch.Event, 32)
	streamJSONArray(context.Background(), strings.NewReader(raw), out)
	var events []chatbranch.Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestStreamJSONArray_TextChunks(t *testing.T) {
	raw := `[` +
		`{"candidates":[{"content":{"parts":[{"text":"Hello"}],"role":"model"}}]},` +
		`{"candidates":[{"content":{"parts":[{"text":" world"}],"role":"model"},"finishReason":"STOP"}]}` +
		`]`

	var content string
	var sawFinish bool
	for _, ev := range collectGeminiStream(raw) {
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

func TestStreamJSONArray_ThoughtPartsEmitThinking(t *testing.T) {
	raw := `[{"candidates":[{"content":{"parts":[{"text":"pondering","thought":true},{"text":"answer"}],"role":"model"}}]}]`

	var thinking, content string
	for _, ev := range collectGeminiStream(raw) {
		switch ev.Type {
		case chatbranch.EventThinkingDelta:
			thinking += ev.ThinkingChunk
		case chatbranch.EventContentDelta:
			content += ev.ContentChunk
		}
	}
	if thinking != "pondering" {
		t.Errorf("expected thinking 'pondering', got %q", thinking)
	}
	if content != "answer" {
		t.Errorf("expected content 'answer', got %q", content)
	}
}

func TestStreamJSONArray_FunctionCall(t *testing.T) {
	raw := `[{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"London"}}}],"role":"model"}}]}]`

	var calls []chatbranch.ToolCallDelta
	for _, ev := range collectGeminiStream(raw) {
		if ev.Type == chatbranch.EventToolCallDelta {
			calls = append(calls, ev.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", calls[0].Name)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].ArgumentsChunk), &args); err != nil {
		t.Fatalf("failed to parse args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}
}

func TestStreamJSONArray_EmptyStream(t *testing.T) {
	events := collectGeminiStream(`[]`)
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
