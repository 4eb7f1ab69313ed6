package providers

import (
	"fmt"
	"strings"
)

// New builds a provider from its name. baseURL and model may be empty to
// use the provider defaults; an OpenAI-compatible base URL is how local
// inference servers are reached.
func New(name, apiKey, baseURL, model string) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic", "claude", "":
		opts := []AnthropicOption{}
		if baseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(baseURL))
		}
		if model != "" {
			opts = append(opts, WithAnthropicModel(model))
		}
		return NewAnthropicProvider(apiKey, opts...), nil
	case "openai":
		opts := []OpenAIOption{}
		if baseURL != "" {
			opts = append(opts, WithOpenAIBaseURL(baseURL))
		}
		if model != "" {
			opts = append(opts, WithOpenAIModel(model))
		}
		return NewOpenAIProvider(apiKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, openai)", name)
	}
}
