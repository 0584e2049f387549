package gemini

// Option configures a Gemini provider.
type Option func(*Provider)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(t float64) Option {
	return func(p *Provider) { p.topP = t }
}

// WithMediaResolution sets the media resolution for multimodal inputs.
// Valid values: "MEDIA_RESOLUTION_LOW", "MEDIA_RESOLUTION_MEDIUM",
// "MEDIA_RESOLUTION_HIGH".
func WithMediaResolution(r string) Option {
	return func(p *Provider) { p.mediaResolution = r }
}

// WithThinking enables Gemini's native thinking budget, surfaced through the
// same thinking_delta vocabulary a provider whose wire format instead uses a
// reasoning field also feeds.
func WithThinking(enabled bool) Option {
	return func(p *Provider) { p.thinkingEnabled = enabled }
}
