package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TurnStatus is the lifecycle status of an assistant turn.
//
// An assistant turn starts in thinking, searching, or generating depending on
// the requested capability flags and advances to exactly one terminal status:
// sent or failed. User turns are created directly in sent.
type TurnStatus string

const (
	StatusThinking   TurnStatus = "thinking"
	StatusSearching  TurnStatus = "searching"
	StatusGenerating TurnStatus = "generating"
	StatusSent       TurnStatus = "sent"
	StatusFailed     TurnStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TurnStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Attachment is a weak reference to externally stored file bytes.
type Attachment struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	StorageID string `json:"storage_id"`
}

// TurnMetadata carries structured extras for assistant turns.
type TurnMetadata struct {
	SearchUsed      bool     `json:"search_used"`
	ThinkingUsed    bool     `json:"thinking_used"`
	ThinkingContent string   `json:"thinking_content,omitempty"`
	SearchResults   []string `json:"search_results,omitempty"`
	TokensIn        int      `json:"tokens_in,omitempty"`
	TokensOut       int      `json:"tokens_out,omitempty"`
}

// Turn represents one message within a conversation.
//
// Content is append-only while Status is non-terminal: every persisted value
// must be a prefix of the next. Seq is assigned by the store and defines the
// strict conversational order within a conversation.
type Turn struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`

	Role    Role       `json:"role"`
	Content string     `json:"content"`
	Status  TurnStatus `json:"status"`

	ModelID     *string       `json:"model_id,omitempty"`
	Metadata    *TurnMetadata `json:"metadata,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`

	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmitTurnRequest is the request body for submitting a new turn.
type SubmitTurnRequest struct {
	Content     string            `json:"content"`
	ModelID     string            `json:"model_id,omitempty"`
	UseSearch   bool              `json:"use_search"`
	UseThinking bool              `json:"use_thinking"`
	APIKeys     map[string]string `json:"api_keys,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// ListTurnsResponse is the response for listing turns in a conversation.
type ListTurnsResponse struct {
	Turns        []Turn `json:"turns"`
	StreamActive bool   `json:"stream_active"`
}
