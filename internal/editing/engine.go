// Package editing implements conversation history rewrites: branching a new
// conversation from a prefix, truncating after a turn, and the edit and rerun
// flows built on the shared truncate-then-extend primitive.
package editing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/pkg/logger"
)

// Engine mutates persisted conversation history out-of-band, before a new
// turn cycle begins. It never streams; resubmission goes back through the
// orchestrator.
type Engine struct {
	store  store.Store
	logger *logger.Logger
}

// NewEngine creates an editing engine.
func NewEngine(st store.Store, log *logger.Logger) *Engine {
	return &Engine{store: st, logger: log}
}

// Resubmission carries a truncated turn's parameters back to the caller for a
// fresh generation cycle.
type Resubmission struct {
	ConversationID uuid.UUID          `json:"conversation_id"`
	Content        string             `json:"content"`
	ModelID        string             `json:"model_id"`
	UseSearch      bool               `json:"use_search"`
	UseThinking    bool               `json:"use_thinking"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
}

// BranchAt forks a new conversation from the source's prefix up to and
// including uptoTurnID. Copied turns get new identifiers and copy-time
// timestamps; the source conversation is not mutated.
func (e *Engine) BranchAt(ctx context.Context, sourceID, uptoTurnID uuid.UUID, userID, newTitle string) (*model.Conversation, error) {
	source, err := e.store.GetConversation(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.UserID != userID {
		return nil, model.ErrNotFound
	}

	turns, err := e.store.ListTurns(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	upto := -1
	for i, turn := range turns {
		if turn.ID == uptoTurnID {
			upto = i
			break
		}
	}
	if upto < 0 {
		return nil, model.ErrNotFound
	}

	if newTitle == "" {
		newTitle = source.Title
	}

	now := time.Now()
	branch := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    userID,
		Title:     newTitle,
		ModelID:   source.ModelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateConversation(ctx, branch); err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}

	for _, src := range turns[:upto+1] {
		cp := src
		cp.ID = uuid.Must(uuid.NewV7())
		cp.ConversationID = branch.ID
		cp.Seq = 0
		cp.CreatedAt = now
		cp.UpdatedAt = now
		if src.Metadata != nil {
			meta := *src.Metadata
			cp.Metadata = &meta
		}
		if err := e.store.CreateTurn(ctx, &cp); err != nil {
			return nil, fmt.Errorf("failed to copy turn: %w", err)
		}
	}

	e.logger.Info("conversation branched",
		zap.String("source_id", sourceID.String()),
		zap.String("branch_id", branch.ID.String()),
		zap.Int("turns_copied", upto+1),
	)
	return branch, nil
}

// TruncateAfter deletes every turn after the given one. Idempotent: a second
// call with the same arguments is a no-op.
func (e *Engine) TruncateAfter(ctx context.Context, conversationID, turnID uuid.UUID) error {
	deleted, err := e.store.DeleteTurnsAfter(ctx, conversationID, turnID)
	if err != nil {
		return err
	}
	if deleted > 0 {
		e.logger.Info("conversation truncated",
			zap.String("conversation_id", conversationID.String()),
			zap.Int64("turns_deleted", deleted),
		)
	}
	return nil
}

// PrepareEdit validates that the target is the conversation's most recent
// user turn, truncates everything after it, and returns its parameters. The
// target itself stays in place; the caller resubmits through the orchestrator
// (which appends a fresh assistant placeholder after the edited turn).
func (e *Engine) PrepareEdit(ctx context.Context, conversationID, turnID uuid.UUID, userID string) (*Resubmission, error) {
	target, turns, err := e.loadUserTurn(ctx, conversationID, turnID, userID)
	if err != nil {
		return nil, err
	}

	for _, turn := range turns {
		if turn.Role == model.RoleUser && turn.Seq > target.Seq {
			return nil, model.ErrEditNotLast
		}
	}

	sub := e.resubmission(target, turns)
	if err := e.TruncateAfter(ctx, conversationID, turnID); err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateContent rewrites an edited user turn's content before resubmission.
func (e *Engine) UpdateContent(ctx context.Context, conversationID, turnID uuid.UUID, userID, content string) error {
	target, _, err := e.loadUserTurn(ctx, conversationID, turnID, userID)
	if err != nil {
		return err
	}
	status := model.StatusSent
	return e.store.UpdateTurn(ctx, target.ID, content, &status, nil)
}

// PrepareRerun truncates after the target user turn and returns its original
// parameters for an unchanged resubmission.
func (e *Engine) PrepareRerun(ctx context.Context, conversationID, turnID uuid.UUID, userID string) (*Resubmission, error) {
	target, turns, err := e.loadUserTurn(ctx, conversationID, turnID, userID)
	if err != nil {
		return nil, err
	}

	sub := e.resubmission(target, turns)
	if err := e.TruncateAfter(ctx, conversationID, turnID); err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) loadUserTurn(ctx context.Context, conversationID, turnID uuid.UUID, userID string) (*model.Turn, []model.Turn, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, model.ErrNotFound
	}

	turns, err := e.store.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	for i := range turns {
		if turns[i].ID == turnID {
			if turns[i].Role != model.RoleUser {
				return nil, nil, model.ErrNotFound
			}
			return &turns[i], turns, nil
		}
	}
	return nil, nil, model.ErrNotFound
}

// resubmission captures the target's content plus the model and capability
// flags of the assistant reply that followed it (which the truncation is
// about to delete).
func (e *Engine) resubmission(target *model.Turn, turns []model.Turn) *Resubmission {
	sub := &Resubmission{
		ConversationID: target.ConversationID,
		Content:        target.Content,
		Attachments:    target.Attachments,
	}
	for _, turn := range turns {
		if turn.Role != model.RoleAssistant || turn.Seq <= target.Seq {
			continue
		}
		if turn.ModelID != nil {
			sub.ModelID = *turn.ModelID
		}
		if turn.Metadata != nil {
			sub.UseSearch = turn.Metadata.SearchUsed
			sub.UseThinking = turn.Metadata.ThinkingUsed
		}
		break
	}
	return sub
}
