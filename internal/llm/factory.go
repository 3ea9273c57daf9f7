package llm

import (
	"fmt"
	"strings"
)

// Provider bundles the two generation collaborators; both are served by
// the same backend.
type Provider interface {
	Completer
	Namer
}

// NewProvider selects a backend. With provider "auto" it uses Anthropic
// when an API key is configured, otherwise the mock.
func NewProvider(provider, apiKey, model string) (Provider, string, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		if strings.TrimSpace(apiKey) == "" {
			return nil, "", fmt.Errorf("llm provider is anthropic but no API key is configured")
		}
		return NewAnthropicProvider(apiKey, model), "anthropic", nil
	case "mock":
		return NewMockProvider(), "mock", nil
	case "", "auto":
		if strings.TrimSpace(apiKey) != "" {
			return NewAnthropicProvider(apiKey, model), "anthropic", nil
		}
		return NewMockProvider(), "mock", nil
	default:
		return nil, "", fmt.Errorf("invalid llm provider: %q (expected auto|anthropic|mock)", provider)
	}
}
