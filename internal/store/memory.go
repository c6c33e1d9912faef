package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThommysArt/better-chat/internal/model"
)

// Memory is an in-process Store backed by maps. Single-node deployments and
// tests run against it; production runs against Postgres.
type Memory struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*model.Conversation
	turns         map[uuid.UUID]*model.Turn
	nextSeq       int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[uuid.UUID]*model.Conversation),
		turns:         make(map[uuid.UUID]*model.Turn),
	}
}

// CreateConversation stores a new conversation.
func (s *Memory) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Memory) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *Memory) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if limit <= 0 || end > total {
		end = total
	}

	return convs[start:end], total, nil
}

// UpdateConversationTitle sets a conversation's title.
func (s *Memory) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return model.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

// DeleteConversation removes a conversation and all its turns.
func (s *Memory) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.conversations, id)
	for turnID, turn := range s.turns {
		if turn.ConversationID == id {
			delete(s.turns, turnID)
		}
	}
	return nil
}

// CreateTurn persists a turn and assigns its Seq.
func (s *Memory) CreateTurn(ctx context.Context, turn *model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[turn.ConversationID]
	if !ok {
		return model.ErrNotFound
	}

	s.nextSeq++
	turn.Seq = s.nextSeq

	cp := *turn
	s.turns[turn.ID] = &cp
	conv.UpdatedAt = time.Now()
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *Memory) GetTurn(ctx context.Context, id uuid.UUID) (*model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turn, ok := s.turns[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *turn
	return &cp, nil
}

// ListTurns returns a conversation's turns in Seq order.
func (s *Memory) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var turns []model.Turn
	for _, turn := range s.turns {
		if turn.ConversationID == conversationID {
			turns = append(turns, *turn)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, nil
}

// UpdateTurn overwrites a turn's content and optionally status and metadata.
func (s *Memory) UpdateTurn(ctx context.Context, id uuid.UUID, content string, status *model.TurnStatus, meta *model.TurnMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[id]
	if !ok {
		return model.ErrNotFound
	}
	turn.Content = content
	if status != nil {
		turn.Status = *status
	}
	if meta != nil {
		cp := *meta
		turn.Metadata = &cp
	}
	turn.UpdatedAt = time.Now()

	if conv, ok := s.conversations[turn.ConversationID]; ok {
		conv.UpdatedAt = turn.UpdatedAt
	}
	return nil
}

// DeleteTurnsAfter removes every turn after the given one in its conversation.
func (s *Memory) DeleteTurnsAfter(ctx context.Context, conversationID, turnID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.turns[turnID]
	if !ok || target.ConversationID != conversationID {
		return 0, model.ErrNotFound
	}

	var deleted int64
	for id, turn := range s.turns {
		if turn.ConversationID == conversationID && turn.Seq > target.Seq {
			delete(s.turns, id)
			deleted++
		}
	}
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return deleted, nil
}

// DeleteTurn removes a single turn.
func (s *Memory) DeleteTurn(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[id]
	if !ok {
		return model.ErrNotFound
	}
	delete(s.turns, id)
	if conv, ok := s.conversations[turn.ConversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

// ListStaleTurns returns non-terminal turns not updated since the cutoff.
func (s *Memory) ListStaleTurns(ctx context.Context, olderThan time.Time) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []model.Turn
	for _, turn := range s.turns {
		if !turn.Status.Terminal() && turn.UpdatedAt.Before(olderThan) {
			stale = append(stale, *turn)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Seq < stale[j].Seq })
	return stale, nil
}
