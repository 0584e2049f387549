package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nevindra/chatbranch"
)

// Provider implements chatbranch.Provider for any OpenAI-compatible API. It
// works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Ollama, vLLM,
// LM Studio, Azure OpenAI, and any other backend implementing the OpenAI
// chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Stream implements chatbranch.Provider. The returned channel is closed by
// the streaming goroutine once the upstream response has been fully read
// or the request fails.
func (p *Provider) Stream(ctx context.Context, req chatbranch.GenerateRequest) (<-chan chatbranch.Event, error) {
	messages := req.Messages
	if req.SystemPrompt != "" {
		messages = append([]chatbranch.NeutralMessage{{Role: chatbranch.RoleSystem, Content: req.SystemPrompt}}, messages...)
	}
	body := BuildBody(messages, req.Tools, req.Model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, chatbranch.Internal("marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, chatbranch.Internal("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &chatbranch.ErrUpstream{Provider: p.name, Status: 0, Body: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, &chatbranch.ErrUpstream{
			Provider:   p.name,
			Status:     resp.StatusCode,
			Body:       string(errBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	out := make(chan chatbranch.Event, 64)
	go func() {
		defer resp.Body.Close()
		streamSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

var _ chatbranch.Provider = (*Provider)(nil)
