// Package resolve turns a model table (one entry per model name a chat can
// be configured with) into chatbranch.Provider instances, built lazily and
// cached so two chats sharing a model don't each pay for their own HTTP
// client.
package resolve

import (
	"fmt"
	"sync"

	"github.com/nevindra/chatbranch"
	"github.com/nevindra/chatbranch/provider/gemini"
	"github.com/nevindra/chatbranch/provider/localcompat"
	"github.com/nevindra/chatbranch/provider/openaicompat"
)

// Config holds provider-agnostic configuration for one entry of a model
// table. The model name a chat is configured with (e.g. "gpt-4o",
// "gemini-2.5-flash") is both the table key and the literal value sent as
// GenerateRequest.Model, so Config carries no separate upstream model id.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama", "local"
	APIKey   string
	BaseURL  string // required for "local"; auto-filled for known hosted providers, overridable

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Thinking    *bool // gemini only; silently ignored by openai-compat backends
}

// Table maps a model name to the Config describing how to reach it.
type Table map[string]Config

// Resolver builds and caches chatbranch.Provider instances from a Table.
// Its Resolve method satisfies chatbranch.PipelineConfig.ResolveProvider's
// func(model string) (chatbranch.Provider, error) signature directly.
type Resolver struct {
	mu    sync.Mutex
	table Table
	built map[string]chatbranch.Provider
}

// New creates a Resolver over the given model table.
func New(table Table) *Resolver {
	return &Resolver{
		table: table,
		built: make(map[string]chatbranch.Provider),
	}
}

// Resolve returns the Provider configured for model, constructing it on
// first use and reusing it afterward.
func (r *Resolver) Resolve(model string) (chatbranch.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.built[model]; ok {
		return p, nil
	}

	cfg, ok := r.table[model]
	if !ok {
		return nil, chatbranch.BadRequest(fmt.Sprintf("resolve: unknown model %q", model))
	}

	p, err := build(cfg)
	if err != nil {
		return nil, err
	}
	r.built[model] = p
	return p, nil
}

func build(cfg Config) (chatbranch.Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return geminiProvider(cfg), nil
	case "local":
		var provOpts []openaicompat.ProviderOption
		if reqOpts := openAICompatProviderOpts(cfg); len(reqOpts) > 0 {
			provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
		}
		return localcompat.New(cfg.BaseURL, cfg.APIKey, provOpts...), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg)
	default:
		return nil, chatbranch.BadRequest(fmt.Sprintf("resolve: unknown provider %q", cfg.Provider))
	}
}

func geminiProvider(cfg Config) chatbranch.Provider {
	var opts []gemini.Option
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, gemini.WithThinking(*cfg.Thinking))
	}
	return gemini.New(cfg.APIKey, opts...)
}

func openaiCompatProvider(cfg Config) (chatbranch.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, chatbranch.BadRequest(fmt.Sprintf("resolve: provider %q requires BaseURL", cfg.Provider))
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	if reqOpts := openAICompatProviderOpts(cfg); len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, baseURL, provOpts...), nil
}

func openAICompatProviderOpts(cfg Config) []openaicompat.Option {
	var opts []openaicompat.Option
	if cfg.Temperature != nil {
		opts = append(opts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, openaicompat.WithMaxTokens(*cfg.MaxTokens))
	}
	return opts
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
