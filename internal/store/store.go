// Package store defines the persistence contract for conversations and turns.
// The orchestration layer consumes it as a narrow CRUD collaborator; the
// postgres implementation is the durable backend, the memory implementation
// serves single-process deployments and tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ThommysArt/better-chat/internal/model"
)

// Store is the conversation/turn CRUD contract.
//
// Implementations must keep two invariants: a conversation's UpdatedAt moves
// forward on any mutation to it or its turns, and turn Seq values define a
// strict creation order within each conversation.
type Store interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error)
	UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error
	// DeleteConversation removes the conversation and cascades to its turns.
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	// CreateTurn persists a turn, assigning its Seq.
	CreateTurn(ctx context.Context, turn *model.Turn) error
	GetTurn(ctx context.Context, id uuid.UUID) (*model.Turn, error)
	// ListTurns returns all turns of a conversation in Seq order.
	ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error)
	// UpdateTurn overwrites content and optionally status and metadata.
	UpdateTurn(ctx context.Context, id uuid.UUID, content string, status *model.TurnStatus, meta *model.TurnMetadata) error
	// DeleteTurnsAfter removes every turn of the conversation with a Seq
	// strictly greater than the given turn's. Idempotent.
	DeleteTurnsAfter(ctx context.Context, conversationID, turnID uuid.UUID) (int64, error)
	DeleteTurn(ctx context.Context, id uuid.UUID) error

	// ListStaleTurns returns turns stuck in a non-terminal status whose last
	// update is older than the cutoff. Used by the reconciliation sweeper.
	ListStaleTurns(ctx context.Context, olderThan time.Time) ([]model.Turn, error)
}
