package llm

import (
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouterClient creates a client for models routed through the
// OpenRouter gateway. The gateway speaks the OpenAI wire protocol and expects
// the full catalog model id (e.g. "anthropic/claude-3.5-sonnet"); the
// sub-provider's capability flags still govern compensation for the call.
func NewOpenRouterClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter: %w", ErrAuthentication)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = openRouterBaseURL
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		name:           "openrouter",
		useFullModelID: true,
	}, nil
}
