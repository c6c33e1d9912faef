// Package llm maps abstract model requests onto concrete provider SDK calls
// and normalizes every provider to a single streaming contract.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThommysArt/better-chat/internal/registry"
)

// ErrAuthentication marks a provider rejecting the supplied credential.
// Fatal for the turn; callers must not retry.
var ErrAuthentication = errors.New("provider authentication failed")

// StreamCallback is called for each text delta during streaming. Returning an
// error cancels the stream.
type StreamCallback func(delta string, index int) error

// ChatMessage is one message in the outgoing sequence.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an abstract streaming request. EnableSearch and EnableThinking
// are forwarded to the provider's native parameters only when the descriptor's
// capability flags say the model supports them; otherwise they must not reach
// the wire (the prompt layer compensates instead).
type Request struct {
	Model          registry.ModelDescriptor
	APIKey         string
	Messages       []ChatMessage
	MaxTokens      int
	Temperature    float32
	EnableSearch   bool
	EnableThinking bool
}

// Result is the normalized terminal state of a completed stream.
type Result struct {
	Content    string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the uniform streaming interface, one implementation per provider
// family. A mid-stream failure returns a nil Result and an error; deltas
// already delivered through the callback stay with the caller.
type Client interface {
	// StreamTurn streams a completion, invoking the callback per delta.
	StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*Result, error)

	// Name returns the provider family name.
	Name() string
}

// Factory builds a client for a model descriptor. Injectable so the
// orchestrator can be tested without provider SDKs.
type Factory func(desc registry.ModelDescriptor, apiKey string) (Client, error)

// ForModel returns the adapter for the descriptor's provider family.
func ForModel(desc registry.ModelDescriptor, apiKey string) (Client, error) {
	switch desc.Provider {
	case registry.ProviderGoogle:
		return NewGoogleClient(apiKey)
	case registry.ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case registry.ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case registry.ProviderXAI:
		return NewXAIClient(apiKey)
	case registry.ProviderOpenRouter:
		return NewOpenRouterClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", desc.Provider)
	}
}
