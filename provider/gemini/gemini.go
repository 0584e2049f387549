// Package gemini implements the Provider Adapter for Google's Gemini API,
// whose wire format differs from the OpenAI family enough to warrant its own
// package: messages are "contents" with role "model" instead of "assistant",
// tool calls are "functionCall" parts, and a streaming request returns a
// single raw JSON array instead of an SSE framing.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/chatbranch"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements chatbranch.Provider for Google Gemini models.
type Provider struct {
	apiKey     string
	httpClient *http.Client

	temperature     float64
	topP            float64
	mediaResolution string
	thinkingEnabled bool
}

// New creates a Gemini chat provider with functional options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Stream implements chatbranch.Provider. Gemini's streamGenerateContent
// endpoint (without alt=sse) returns one big JSON array whose elements
// arrive incrementally as the response body is read; the array is parsed
// element-by-element as each one closes.
func (p *Provider) Stream(ctx context.Context, req chatbranch.GenerateRequest) (<-chan chatbranch.Event, error) {
	body, err := p.buildBody(req.SystemPrompt, req.Messages, req.Tools)
	if err != nil {
		return nil, chatbranch.Internal("build gemini request", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s", baseURL, req.Model, p.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, chatbranch.Internal("marshal gemini request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, chatbranch.Internal("build gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &chatbranch.ErrUpstream{Provider: "gemini", Status: 0, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, &chatbranch.ErrUpstream{
			Provider:   "gemini",
			Status:     resp.StatusCode,
			Body:       string(errBody),
			RetryAfter: parseRetryInfo(string(errBody)),
		}
	}

	out := make(chan chatbranch.Event, 64)
	go func() {
		defer resp.Body.Close()
		streamJSONArray(ctx, resp.Body, out)
	}()
	return out, nil
}

// streamJSONArray reads a raw `[{...},{...},...]` stream and emits a
// normalized event for each top-level element as soon as its braces balance,
// without waiting for the closing `]`. A byte-level depth counter (ignoring
// bracket/brace characters inside JSON strings) stands in for the teacher's
// isCompleteJSON check, adapted here to split a continuous byte stream into
// elements instead of testing whole buffered lines.
func streamJSONArray(ctx context.Context, body io.Reader, out chan<- chatbranch.Event) {
	defer close(out)

	send := func(ev chatbranch.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReaderSize(body, 64*1024)
	var buf strings.Builder
	depth := 0
	inString := false
	escape := false
	started := false
	toolCallIndex := 0

	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			send(chatbranch.Event{Type: chatbranch.EventError, Err: err})
			return
		}
		ch := rune(b)

		if !started {
			if ch == '[' {
				started = true
			}
			continue
		}

		if escape {
			buf.WriteRune(ch)
			escape = false
			continue
		}
		if ch == '\\' && inString {
			buf.WriteRune(ch)
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			buf.WriteRune(ch)
			continue
		}
		if inString {
			buf.WriteRune(ch)
			continue
		}

		switch {
		case ch == '{' || ch == '[':
			depth++
			buf.WriteRune(ch)
		case ch == '}' || ch == ']':
			depth--
			buf.WriteRune(ch)
			if depth == 0 {
				if !processGeminiChunk(buf.String(), &toolCallIndex, send) {
					return
				}
				buf.Reset()
			}
		case depth == 0 && buf.Len() == 0 && (ch == ',' || ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t'):
			// Separator or whitespace between top-level array elements.
		default:
			buf.WriteRune(ch)
		}
	}
}

// processGeminiChunk parses one complete top-level JSON element (one
// streamGenerateContent response chunk) and emits its normalized events.
// Returns false if the consumer went away and the caller should stop.
func processGeminiChunk(raw string, toolCallIndex *int, send func(chatbranch.Event) bool) bool {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return true
	}
	if len(parsed.Candidates) == 0 {
		return true
	}

	for _, part := range parsed.Candidates[0].Content.Parts {
		switch {
		case part.Text != nil && part.Thought:
			if !send(chatbranch.Event{Type: chatbranch.EventThinkingDelta, ThinkingChunk: *part.Text}) {
				return false
			}
		case part.Text != nil:
			if !send(chatbranch.Event{Type: chatbranch.EventContentDelta, ContentChunk: *part.Text}) {
				return false
			}
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			ev := chatbranch.Event{
				Type: chatbranch.EventToolCallDelta,
				ToolCall: chatbranch.ToolCallDelta{
					Index:          *toolCallIndex,
					ID:             part.FunctionCall.Name,
					Name:           part.FunctionCall.Name,
					ArgumentsChunk: string(args),
				},
			}
			*toolCallIndex++
			if !send(ev) {
				return false
			}
		case part.InlineData != nil:
			// Generated image/audio data: surfaced as content so it at least
			// reaches the transcript; the pipeline has no separate event for
			// inline binary output.
			data := "data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data
			if !send(chatbranch.Event{Type: chatbranch.EventContentDelta, ContentChunk: data}) {
				return false
			}
		}
	}

	if parsed.Candidates[0].FinishReason != "" {
		if !send(chatbranch.Event{Type: chatbranch.EventFinish, FinishReason: mapGeminiFinishReason(parsed.Candidates[0].FinishReason)}) {
			return false
		}
	}
	return true
}

func mapGeminiFinishReason(r string) chatbranch.FinishReason {
	switch r {
	case "STOP":
		return chatbranch.FinishStop
	case "MAX_TOKENS":
		return chatbranch.FinishLength
	case "SAFETY", "RECITATION":
		return chatbranch.FinishContentFilter
	default:
		return chatbranch.FinishOther
	}
}

// buildBody constructs the Gemini API request body from a provider-neutral
// message sequence and tool definitions.
func (p *Provider) buildBody(systemPrompt string, messages []chatbranch.NeutralMessage, tools []chatbranch.ToolDefinition) (map[string]any, error) {
	var contents []map[string]any

	for _, m := range messages {
		switch {
		case m.Role == chatbranch.RoleSystem:
			if systemPrompt == "" {
				systemPrompt = m.Content
			} else {
				systemPrompt = systemPrompt + "\n\n" + m.Content
			}

		case len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Function.Arguments) > 0 {
					if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Function.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == chatbranch.RoleTool:
			contents = append(contents, map[string]any{
				"role": "function",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, att := range m.Attachments {
				if att.URL != "" {
					parts = append(parts, map[string]any{
						"fileData": map[string]any{
							"mimeType": att.MimeType,
							"fileUri":  att.URL,
						},
					})
				} else if att.Base64 != "" {
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{
							"mimeType": att.MimeType,
							"data":     att.Base64,
						},
					})
				}
			}
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{"role": mapRole(m.Role), "parts": parts})
		}
	}

	body := map[string]any{"contents": contents}

	if systemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemPrompt}},
		}
	}

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	genConfig := map[string]any{
		"temperature": p.temperature,
		"topP":        p.topP,
	}
	if p.mediaResolution != "" {
		genConfig["mediaResolution"] = p.mediaResolution
	}
	if p.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{"thinkingBudget": -1}
	}
	body["generationConfig"] = genConfig

	return body, nil
}

func mapRole(role chatbranch.Role) string {
	if role == chatbranch.RoleAssistant {
		return "model"
	}
	return string(role)
}

// parseRetryInfo extracts a retryDelay from a Gemini error body containing a
// google.rpc.RetryInfo detail.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string           `json:"text,omitempty"`
	FunctionCall *geminiFuncCall   `json:"functionCall,omitempty"`
	InlineData   *geminiInlineData `json:"inlineData,omitempty"`
	Thought      bool              `json:"thought,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

var _ chatbranch.Provider = (*Provider)(nil)
