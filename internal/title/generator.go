// Package title generates display titles for new conversations.
package title

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// SystemPrompt steers the title model.
const SystemPrompt = `You are a helpful assistant that generates concise, descriptive titles for chat conversations.
Your task is to analyze the user's message and create a title that:
1. Is 3-7 words long
2. Captures the main topic or intent
3. Is clear and specific
4. Avoids generic terms like "chat" or "conversation"
5. Uses proper capitalization

Example inputs and outputs:
Input: "Can you help me understand how to use React hooks?"
Output: "React Hooks Tutorial Guide"

Input: "I need to debug my Python script that's not connecting to the database"
Output: "Python Database Connection Debugging"

Input: "What's the best way to learn TypeScript?"
Output: "TypeScript Learning Roadmap"

Remember to be concise and specific. The title should help users quickly identify the chat's content.`

const (
	titleModel = "gemini-2.0-flash"

	// DefaultTitle is the placeholder used when generation fails and the
	// message is empty.
	DefaultTitle = "New Chat"

	fallbackMaxLen = 50
)

// Generator produces a conversation title from the first user message.
// Callers must treat failures as recoverable and fall back to Fallback.
type Generator interface {
	Generate(ctx context.Context, message string) (string, error)
}

// Gemini generates titles with a small Gemini model.
type Gemini struct {
	apiKey string
}

// NewGemini creates a Gemini-backed generator.
func NewGemini(apiKey string) *Gemini {
	return &Gemini{apiKey: apiKey}
}

// Generate asks the model for a title.
func (g *Gemini) Generate(ctx context.Context, message string) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("no title generation key configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create title client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, titleModel,
		[]*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: message}},
		}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: SystemPrompt}},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(resp.Text())
	if title == "" {
		return "", fmt.Errorf("title generation returned empty text")
	}
	return title, nil
}

// Fallback derives a title from the message itself: a truncated prefix, or a
// constant placeholder for empty input.
func Fallback(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultTitle
	}
	runes := []rune(message)
	if len(runes) > fallbackMaxLen {
		return string(runes[:fallbackMaxLen])
	}
	return message
}
