package llm

import (
	"strings"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"openai/gpt-4o"            -> (openai, "gpt-4o")
//	"anthropic/claude-3-haiku" -> (anthropic, "claude-3-haiku")
//	"claude-sonnet-4"          -> (anthropic, "claude-sonnet-4")
//	"gpt-4o"                   -> (openai, "gpt-4o")
//
// Unprefixed, unrecognized names default to OpenAI-compatible, which covers
// local orchestrator endpoints serving arbitrary model names.
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "anthropic":
			return ProviderAnthropic, name
		case "openai":
			return ProviderOpenAI, name
		}
	}

	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return ProviderAnthropic, model
	}
	return ProviderOpenAI, model
}

// NewClientForModel creates the appropriate client for the model string.
// baseURL and apiKey apply to OpenAI-compatible endpoints; the Anthropic
// client reads ANTHROPIC_API_KEY from the environment when apiKey is empty.
func NewClientForModel(model, baseURL, apiKey string) (Client, string) {
	provider, name := ParseModelString(model)

	switch provider {
	case ProviderAnthropic:
		if apiKey != "" {
			return NewAnthropicClientWithKey(apiKey), name
		}
		return NewAnthropicClient(), name
	default:
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIClient(baseURL, apiKey), name
	}
}
