package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GoogleClient talks to the Gemini API. This is the only adapter in the
// catalog with native parameters for both capability toggles: search maps to
// the GoogleSearch grounding tool and thinking to ThinkingConfig.
type GoogleClient struct {
	apiKey string
}

// NewGoogleClient creates a new Gemini client.
func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google: %w", ErrAuthentication)
	}
	return &GoogleClient{apiKey: apiKey}, nil
}

// Name returns the provider family name.
func (c *GoogleClient) Name() string {
	return "google"
}

// StreamTurn streams a completion from Gemini.
func (c *GoogleClient) StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*Result, error) {
	start := time.Now()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(req.Temperature),
	}

	// Forward toggles only for natively supported capabilities; an
	// unsupported parameter would be rejected by the API.
	if req.EnableSearch && req.Model.Features.Search {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.EnableThinking && req.Model.Features.Thinking {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	var content string
	var tokensIn, tokensOut int
	var stopReason string
	index := 0

	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model.CodeName, contents, config) {
		if err != nil {
			return nil, classifyGoogleError(err)
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				// Thought parts are model-internal; only answer text streams out.
				if part.Thought || part.Text == "" {
					continue
				}
				content += part.Text
				if err := callback(part.Text, index); err != nil {
					return nil, err
				}
				index++
			}
			if cand.FinishReason != "" {
				stopReason = string(cand.FinishReason)
			}
		}

		if resp.UsageMetadata != nil {
			tokensIn = int(resp.UsageMetadata.PromptTokenCount)
			tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return &Result{
		Content:    content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func classifyGoogleError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 401 || apiErr.Code == 403 {
			return fmt.Errorf("google: %w: %v", ErrAuthentication, err)
		}
	}
	return fmt.Errorf("google: %w", err)
}
