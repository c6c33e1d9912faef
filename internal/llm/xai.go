package llm

import (
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const xaiBaseURL = "https://api.x.ai/v1"

// NewXAIClient creates a client for the xAI Grok API, which is
// OpenAI-compatible. Grok models reason and ground against live search
// server-side, so the capability toggles need no request parameter: native
// support means nothing to forward and nothing to compensate.
func NewXAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("xai: %w", ErrAuthentication)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = xaiBaseURL
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		name:   "xai",
	}, nil
}
