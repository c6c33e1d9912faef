// Package model defines data structures for the chat platform.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents a chat thread owned by a single user.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title   string `json:"title"`
	ModelID string `json:"model_id,omitempty"`
}

// UpdateConversationRequest is the request to update a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// BranchRequest is the request to fork a conversation at a given turn.
type BranchRequest struct {
	UpToTurnID uuid.UUID `json:"up_to_turn_id"`
	Title      string    `json:"title,omitempty"`
}
