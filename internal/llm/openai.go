package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to the OpenAI API. The same streaming loop backs the xAI
// and OpenRouter adapters, which expose OpenAI-compatible endpoints.
type OpenAIClient struct {
	client *openai.Client
	name   string
	// model id override: OpenRouter expects the full catalog id, the native
	// APIs expect the bare code name.
	useFullModelID bool
}

// NewOpenAIClient creates a client for the native OpenAI API.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrAuthentication)
	}
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		name:   "openai",
	}, nil
}

// Name returns the provider family name.
func (c *OpenAIClient) Name() string {
	return c.name
}

// StreamTurn streams a chat completion. None of the catalog's OpenAI models
// support native search or thinking, so the capability toggles are never
// forwarded here; the prompt layer compensates.
func (c *OpenAIClient) StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*Result, error) {
	start := time.Now()

	modelID := req.Model.CodeName
	if c.useFullModelID {
		modelID = req.Model.ID
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, classifyOpenAIError(c.name, err)
	}
	defer stream.Close()

	var content string
	var stopReason string
	index := 0

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyOpenAIError(c.name, err)
		}

		if len(response.Choices) > 0 {
			delta := response.Choices[0].Delta.Content
			if delta != "" {
				content += delta
				if err := callback(delta, index); err != nil {
					return nil, err
				}
				index++
			}

			if response.Choices[0].FinishReason != "" {
				stopReason = string(response.Choices[0].FinishReason)
			}
		}
	}

	// Streaming responses carry no usage block; estimate from content length.
	tokensOut := len(content) / 4

	return &Result{
		Content:    content,
		TokensIn:   0,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func classifyOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return fmt.Errorf("%s: %w: %v", provider, ErrAuthentication, err)
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
