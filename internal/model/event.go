package model

import (
	"time"

	"github.com/google/uuid"
)

// TurnEventType classifies events emitted while a turn streams.
type TurnEventType string

const (
	EventTypeDelta    TurnEventType = "delta"
	EventTypeStatus   TurnEventType = "status"
	EventTypeComplete TurnEventType = "complete"
	EventTypeFailed   TurnEventType = "failed"
)

// TurnEvent is the fan-out record published for in-flight turns so live
// subscribers can mirror streaming state without polling the store.
type TurnEvent struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	TurnID         uuid.UUID     `json:"turn_id"`
	UserID         string        `json:"user_id"`
	Type           TurnEventType `json:"type"`
	Delta          string        `json:"delta,omitempty"`
	Index          int           `json:"index,omitempty"`
	Status         TurnStatus    `json:"status,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TokenEvent is the SSE payload for a streamed token.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// StatusEvent is the SSE payload for an assistant turn status change.
type StatusEvent struct {
	TurnID uuid.UUID  `json:"turn_id"`
	Status TurnStatus `json:"status"`
}

// ErrorEvent is the SSE payload for a stream error.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps idle SSE connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
