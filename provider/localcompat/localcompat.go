// Package localcompat adapts provider/openaicompat for self-hosted backends
// (Ollama, vLLM, LM Studio, llama.cpp's server, …) that speak the same wire
// format but almost always run without an API key.
package localcompat

import (
	"github.com/nevindra/chatbranch"
	"github.com/nevindra/chatbranch/provider/openaicompat"
)

// New builds a Provider for a local OpenAI-compatible server at baseURL.
// apiKey is usually empty; some local servers (e.g. a gateway in front of
// several backends) still check a fixed bearer token, so it is accepted but
// optional.
func New(baseURL string, apiKey string, opts ...openaicompat.ProviderOption) chatbranch.Provider {
	allOpts := append([]openaicompat.ProviderOption{openaicompat.WithName("local")}, opts...)
	return openaicompat.NewProvider(apiKey, baseURL, allOpts...)
}
