package providers

import (
	"log/slog"

	"github.com/Maximooch/penguin/internal/config"
)

// NewAdapter selects the adapter for a resolved model spec. The native
// Anthropic client is used only when both the preference and the provider
// are native Anthropic; everything else goes through the chat-completions
// surface (OpenAI itself, OpenRouter, or a LiteLLM proxy).
func NewAdapter(spec *config.ModelSpec) (Adapter, error) {
	if spec.APIKey == "" && spec.ClientPreference != config.ClientLiteLLM {
		return nil, &Error{
			Kind:     KindAuth,
			Provider: spec.Provider,
			Message:  "no API key configured (set the provider key env var)",
		}
	}

	var adapter Adapter
	if spec.ClientPreference == config.ClientNative && spec.Provider == "anthropic" {
		adapter = NewAnthropicAdapter(spec)
	} else {
		adapter = NewOpenAIAdapter(spec)
	}

	slog.Debug("gateway: adapter selected",
		"model", spec.ModelID,
		"adapter", adapter.Name(),
		"reasoning", spec.ReasoningStyle,
	)
	return adapter, nil
}
