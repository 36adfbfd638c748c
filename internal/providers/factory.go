package providers

import (
	"fmt"
	"strings"
)

// New builds a provider by name. Known names: "anthropic", "openai".
// baseURL and model override the provider defaults when non-empty.
func New(name, apiKey, baseURL, model string) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		opts := []AnthropicOption{WithAnthropicBaseURL(baseURL)}
		if model != "" {
			opts = append(opts, WithAnthropicModel(model))
		}
		return NewAnthropicProvider(apiKey, opts...), nil
	case "openai":
		opts := []OpenAIOption{WithOpenAIBaseURL(baseURL)}
		if model != "" {
			opts = append(opts, WithOpenAIModel(model))
		}
		return NewOpenAIProvider(apiKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ForModel routes a model name to one of the given providers by prefix.
// Falls back to the first provider when nothing matches.
func ForModel(model string, available []Provider) Provider {
	if len(available) == 0 {
		return nil
	}
	want := ""
	switch {
	case strings.HasPrefix(model, "claude"):
		want = "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		want = "openai"
	}
	for _, p := range available {
		if p.Name() == want {
			return p
		}
	}
	return available[0]
}

// SupportsTemperature reports whether a model accepts a temperature
// parameter. The gpt-5 family and OpenAI reasoning models reject it.
func SupportsTemperature(model string) bool {
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return false
		}
	}
	return true
}
