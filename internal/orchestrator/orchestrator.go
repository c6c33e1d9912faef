// Package orchestrator drives one request/response cycle: it validates input,
// persists the user turn and an assistant placeholder, streams provider
// deltas while checkpointing accumulated content, and finalizes the turn on
// completion, failure, or cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/credential"
	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/prompt"
	"github.com/ThommysArt/better-chat/internal/registry"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/internal/title"
	"github.com/ThommysArt/better-chat/pkg/logger"
	"github.com/ThommysArt/better-chat/pkg/metrics"
)

// EventPublisher fans out in-flight turn events. Publishing is best-effort;
// a nil publisher disables fan-out.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.TurnEvent) error
}

// DeltaFunc receives each streamed text delta.
type DeltaFunc func(delta string, index int) error

// Config bounds a turn's execution.
type Config struct {
	// TurnTimeout bounds the whole provider call. Zero disables the bound.
	TurnTimeout time.Duration
	// CheckpointEvery is the number of deltas between durable content writes.
	CheckpointEvery int
	// MaxTokens caps the provider response length.
	MaxTokens int
	// Temperature for provider sampling.
	Temperature float32
}

// Orchestrator executes chat turns against a store and provider adapters.
type Orchestrator struct {
	store   store.Store
	creds   *credential.Resolver
	titles  title.Generator
	events  EventPublisher
	factory llm.Factory
	logger  *logger.Logger
	cfg     Config

	mu       sync.Mutex
	inflight map[uuid.UUID]*inflightStream
}

// inflightStream mirrors the streaming goroutine's accumulator so readers can
// see live content between checkpoints. All access goes through the
// orchestrator mutex.
type inflightStream struct {
	turn    *model.Turn
	content strings.Builder
}

// New creates an orchestrator. factory may be nil to use the default provider
// adapters; titles and events may be nil to disable those collaborators.
func New(st store.Store, creds *credential.Resolver, titles title.Generator, events EventPublisher, factory llm.Factory, log *logger.Logger, cfg Config) *Orchestrator {
	if factory == nil {
		factory = llm.ForModel
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 16
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Orchestrator{
		store:    st,
		creds:    creds,
		titles:   titles,
		events:   events,
		factory:  factory,
		logger:   log,
		cfg:      cfg,
		inflight: make(map[uuid.UUID]*inflightStream),
	}
}

// SubmitRequest describes one turn submission.
type SubmitRequest struct {
	// ConversationID is nil for a brand new conversation.
	ConversationID *uuid.UUID
	UserID         string
	Content        string
	ModelID        string
	UseSearch      bool
	UseThinking    bool
	Attachments    []model.Attachment
	APIKeys        credential.Keys
}

// SubmitResult reports the persisted outcome of a submission.
type SubmitResult struct {
	Conversation        *model.Conversation
	ConversationCreated bool
	UserTurn            *model.Turn
	AssistantTurn       *model.Turn
}

// SubmitTurn runs the full turn state machine. Deltas stream through onDelta
// as they arrive; the returned AssistantTurn reflects the final persisted
// state. A non-nil error alongside a non-nil result means the turn was
// finalized as failed (or as a partial sent, on cancellation).
func (o *Orchestrator) SubmitTurn(ctx context.Context, req *SubmitRequest, onDelta DeltaFunc) (*SubmitResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, model.ErrEmptyContent
	}
	if req.UserID == "" {
		return nil, model.ErrUnauthenticated
	}

	desc := registry.GetOrDefault(req.ModelID)

	conv, created, err := o.resolveConversation(ctx, req, desc)
	if err != nil {
		return nil, err
	}

	if err := o.acquire(ctx, conv.ID); err != nil {
		return nil, err
	}
	defer o.release(conv.ID)

	now := time.Now()
	userTurn := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Role:           model.RoleUser,
		Content:        req.Content,
		Status:         model.StatusSent,
		Attachments:    req.Attachments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateTurn(ctx, userTurn); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}
	metrics.TurnsTotal.WithLabelValues(string(model.RoleUser), string(model.StatusSent)).Inc()

	assistant := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Role:           model.RoleAssistant,
		Status:         initialStatus(req.UseThinking, req.UseSearch),
		ModelID:        &desc.ID,
		Metadata: &model.TurnMetadata{
			SearchUsed:   req.UseSearch,
			ThinkingUsed: req.UseThinking,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateTurn(ctx, assistant); err != nil {
		return nil, fmt.Errorf("failed to persist assistant placeholder: %w", err)
	}
	o.publishStatus(ctx, assistant)
	o.track(conv.ID, assistant)

	result := &SubmitResult{
		Conversation:        conv,
		ConversationCreated: created,
		UserTurn:            userTurn,
		AssistantTurn:       assistant,
	}

	history, err := o.buildHistory(ctx, conv.ID, assistant.ID)
	if err != nil {
		o.finalizeFailed(ctx, assistant, "")
		return result, err
	}

	err = o.generate(ctx, req, desc, assistant, history, onDelta)
	return result, err
}

// ContinueRequest asks for a fresh assistant reply to a conversation whose
// last turn is already a user turn (the edit flow truncates and leaves the
// edited user turn in place; no new user turn is created).
type ContinueRequest struct {
	ConversationID uuid.UUID
	UserID         string
	ModelID        string
	UseSearch      bool
	UseThinking    bool
	APIKeys        credential.Keys
}

// ContinueTurn appends and streams an assistant placeholder for the existing
// trailing user turn.
func (o *Orchestrator) ContinueTurn(ctx context.Context, req *ContinueRequest, onDelta DeltaFunc) (*SubmitResult, error) {
	if req.UserID == "" {
		return nil, model.ErrUnauthenticated
	}

	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.UserID {
		return nil, model.ErrNotFound
	}

	if err := o.acquire(ctx, conv.ID); err != nil {
		return nil, err
	}
	defer o.release(conv.ID)

	turns, err := o.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != model.RoleUser {
		return nil, model.ErrNotFound
	}
	userTurn := turns[len(turns)-1]

	desc := registry.GetOrDefault(req.ModelID)

	now := time.Now()
	assistant := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Role:           model.RoleAssistant,
		Status:         initialStatus(req.UseThinking, req.UseSearch),
		ModelID:        &desc.ID,
		Metadata: &model.TurnMetadata{
			SearchUsed:   req.UseSearch,
			ThinkingUsed: req.UseThinking,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateTurn(ctx, assistant); err != nil {
		return nil, fmt.Errorf("failed to persist assistant placeholder: %w", err)
	}
	o.publishStatus(ctx, assistant)
	o.track(conv.ID, assistant)

	result := &SubmitResult{
		Conversation:  conv,
		UserTurn:      &userTurn,
		AssistantTurn: assistant,
	}

	history, err := o.buildHistory(ctx, conv.ID, assistant.ID)
	if err != nil {
		o.finalizeFailed(ctx, assistant, "")
		return result, err
	}

	submitReq := &SubmitRequest{
		UserID:      req.UserID,
		ModelID:     req.ModelID,
		UseSearch:   req.UseSearch,
		UseThinking: req.UseThinking,
		APIKeys:     req.APIKeys,
	}
	err = o.generate(ctx, submitReq, desc, assistant, history, onDelta)
	return result, err
}

// GuestRequest is a storage-free submission for unauthenticated callers. The
// caller supplies the message history itself; nothing is persisted.
type GuestRequest struct {
	Messages    []llm.ChatMessage
	ModelID     string
	UseSearch   bool
	UseThinking bool
	APIKeys     credential.Keys
}

// GuestResult is the terminal state of a guest stream.
type GuestResult struct {
	Content         string
	ThinkingContent string
	SearchResults   []string
}

// StreamGuest streams a turn without touching the store.
func (o *Orchestrator) StreamGuest(ctx context.Context, req *GuestRequest, onDelta DeltaFunc) (*GuestResult, error) {
	if len(req.Messages) == 0 {
		return nil, model.ErrEmptyContent
	}

	desc := registry.GetOrDefault(req.ModelID)

	key, err := o.creds.ResolveForModel(desc, req.APIKeys)
	if err != nil {
		return nil, err
	}
	client, err := o.factory(desc, key)
	if err != nil {
		return nil, err
	}

	messages, plan := prompt.Apply(req.Messages, desc, req.UseThinking, req.UseSearch)

	streamCtx := ctx
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	var accumulated strings.Builder
	res, err := client.StreamTurn(streamCtx, &llm.Request{
		Model:          desc,
		APIKey:         key,
		Messages:       messages,
		MaxTokens:      o.cfg.MaxTokens,
		Temperature:    o.cfg.Temperature,
		EnableSearch:   req.UseSearch,
		EnableThinking: req.UseThinking,
	}, func(delta string, index int) error {
		accumulated.WriteString(delta)
		return onDelta(delta, index)
	})
	if err != nil {
		return &GuestResult{Content: accumulated.String()}, err
	}

	out := &GuestResult{Content: res.Content}
	if plan.Thinking {
		out.ThinkingContent, out.Content = prompt.ExtractThinking(out.Content)
	}
	if plan.Search {
		out.SearchResults = prompt.ExtractSearchResults(out.Content)
	}
	return out, nil
}

// resolveConversation loads the target conversation or creates a new one with
// a best-effort generated title.
func (o *Orchestrator) resolveConversation(ctx context.Context, req *SubmitRequest, desc registry.ModelDescriptor) (*model.Conversation, bool, error) {
	if req.ConversationID != nil {
		conv, err := o.store.GetConversation(ctx, *req.ConversationID)
		if err != nil {
			return nil, false, err
		}
		if conv.UserID != req.UserID {
			return nil, false, model.ErrNotFound
		}
		return conv, false, nil
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    req.UserID,
		Title:     o.generateTitle(ctx, req.Content),
		ModelID:   desc.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, true, nil
}

// generateTitle never blocks submission on the title collaborator: failures
// fall back to a truncated prefix of the message.
func (o *Orchestrator) generateTitle(ctx context.Context, content string) string {
	if o.titles == nil {
		return title.Fallback(content)
	}

	titleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	t, err := o.titles.Generate(titleCtx, content)
	if err != nil {
		o.logger.Warn("title generation failed, using fallback", zap.Error(err))
		return title.Fallback(content)
	}
	return t
}

// acquire enforces at-most-one in-flight generation per conversation, both
// against this process's active streams and against persisted non-terminal
// placeholders left by other paths.
func (o *Orchestrator) acquire(ctx context.Context, conversationID uuid.UUID) error {
	o.mu.Lock()
	if _, busy := o.inflight[conversationID]; busy {
		o.mu.Unlock()
		return model.ErrConversationBusy
	}
	o.inflight[conversationID] = &inflightStream{}
	o.mu.Unlock()

	turns, err := o.store.ListTurns(ctx, conversationID)
	if err != nil {
		o.release(conversationID)
		return err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != model.RoleAssistant {
			continue
		}
		if !turns[i].Status.Terminal() {
			o.release(conversationID)
			return model.ErrConversationBusy
		}
		break
	}
	return nil
}

func (o *Orchestrator) release(conversationID uuid.UUID) {
	o.mu.Lock()
	delete(o.inflight, conversationID)
	o.mu.Unlock()
}

// track binds the persisted assistant placeholder to the conversation's
// in-flight slot so Snapshot can serve it.
func (o *Orchestrator) track(conversationID uuid.UUID, assistant *model.Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.inflight[conversationID]; ok {
		snap := *assistant
		s.turn = &snap
	}
}

func (o *Orchestrator) trackDelta(conversationID uuid.UUID, delta string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.inflight[conversationID]; ok {
		s.content.WriteString(delta)
	}
}

func (o *Orchestrator) trackStatus(conversationID uuid.UUID, status model.TurnStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.inflight[conversationID]; ok && s.turn != nil {
		s.turn.Status = status
	}
}

// Snapshot returns a copy of the conversation's in-flight assistant turn
// carrying the full accumulated content, which may run ahead of the last
// durable checkpoint. Returns nil when nothing is streaming.
func (o *Orchestrator) Snapshot(conversationID uuid.UUID) *model.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.inflight[conversationID]
	if !ok || s.turn == nil {
		return nil
	}
	snap := *s.turn
	snap.Content = s.content.String()
	if s.turn.Metadata != nil {
		meta := *s.turn.Metadata
		snap.Metadata = &meta
	}
	return &snap
}

// buildHistory converts the conversation's persisted turns into the outgoing
// message sequence, skipping the new placeholder and failed turns.
func (o *Orchestrator) buildHistory(ctx context.Context, conversationID, placeholderID uuid.UUID) ([]llm.ChatMessage, error) {
	turns, err := o.store.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]llm.ChatMessage, 0, len(turns))
	for _, turn := range turns {
		if turn.ID == placeholderID || turn.Status == model.StatusFailed {
			continue
		}
		messages = append(messages, llm.ChatMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	return messages, nil
}

// generate runs the streaming phase against the provider and finalizes the
// assistant turn.
func (o *Orchestrator) generate(ctx context.Context, req *SubmitRequest, desc registry.ModelDescriptor, assistant *model.Turn, history []llm.ChatMessage, onDelta DeltaFunc) error {
	key, err := o.creds.ResolveForModel(desc, req.APIKeys)
	if err != nil {
		o.finalizeFailed(ctx, assistant, "")
		return err
	}

	client, err := o.factory(desc, key)
	if err != nil {
		o.finalizeFailed(ctx, assistant, "")
		return err
	}

	messages, plan := prompt.Apply(history, desc, req.UseThinking, req.UseSearch)

	// thinking -> searching -> generating: the search phase starts once the
	// request goes out, generating once the first delta lands.
	if assistant.Status == model.StatusThinking && req.UseSearch {
		o.transition(ctx, assistant, model.StatusSearching, "")
	}

	streamCtx := ctx
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	var accumulated strings.Builder

	res, err := client.StreamTurn(streamCtx, &llm.Request{
		Model:          desc,
		APIKey:         key,
		Messages:       messages,
		MaxTokens:      o.cfg.MaxTokens,
		Temperature:    o.cfg.Temperature,
		EnableSearch:   req.UseSearch,
		EnableThinking: req.UseThinking,
	}, func(delta string, index int) error {
		if index == 0 && assistant.Status != model.StatusGenerating {
			o.transition(ctx, assistant, model.StatusGenerating, accumulated.String())
		}

		accumulated.WriteString(delta)
		o.trackDelta(assistant.ConversationID, delta)
		o.publishDelta(ctx, assistant, delta, index)

		// Checkpoint cadence is a performance choice; correctness only needs
		// ordered prefix writes, which the single streaming goroutine gives us.
		if (index+1)%o.cfg.CheckpointEvery == 0 {
			o.checkpoint(ctx, assistant, accumulated.String())
		}

		if onDelta != nil {
			return onDelta(delta, index)
		}
		return nil
	})

	if err != nil {
		return o.finalizeError(ctx, assistant, accumulated.String(), start, desc, err)
	}

	content := res.Content
	meta := *assistant.Metadata
	if plan.Thinking {
		meta.ThinkingContent, content = prompt.ExtractThinking(content)
	}
	if plan.Search {
		meta.SearchResults = prompt.ExtractSearchResults(content)
	}
	meta.TokensIn = res.TokensIn
	meta.TokensOut = res.TokensOut

	sent := model.StatusSent
	if err := o.store.UpdateTurn(ctx, assistant.ID, content, &sent, &meta); err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}
	assistant.Content = content
	assistant.Status = sent
	assistant.Metadata = &meta

	o.publishTerminal(ctx, assistant, model.EventTypeComplete)
	metrics.RecordTurn(desc.ID, string(sent), time.Since(start).Seconds(), res.TokensIn, res.TokensOut)
	o.logger.Info("turn completed",
		zap.String("conversation_id", assistant.ConversationID.String()),
		zap.String("turn_id", assistant.ID.String()),
		zap.String("model", desc.ID),
		zap.Int("tokens_out", res.TokensOut),
	)
	return nil
}

// finalizeError maps stream failures onto terminal turn state. Client
// cancellation keeps the partial as sent: partial answers have user value and
// must not vanish. Anything else marks the turn failed, keeping partial
// content when there is any and writing the fixed apology when there is none.
func (o *Orchestrator) finalizeError(ctx context.Context, assistant *model.Turn, partial string, start time.Time, desc registry.ModelDescriptor, err error) error {
	if errors.Is(err, context.Canceled) {
		sent := model.StatusSent
		o.persistTerminal(ctx, assistant, partial, sent)
		o.publishTerminal(ctx, assistant, model.EventTypeComplete)
		metrics.RecordTurn(desc.ID, "canceled", time.Since(start).Seconds(), 0, 0)
		o.logger.Info("turn canceled, partial content retained",
			zap.String("turn_id", assistant.ID.String()),
			zap.Int("partial_len", len(partial)),
		)
		return err
	}

	o.finalizeFailed(ctx, assistant, partial)
	metrics.RecordTurn(desc.ID, string(model.StatusFailed), time.Since(start).Seconds(), 0, 0)
	o.logger.Error("turn failed",
		zap.String("turn_id", assistant.ID.String()),
		zap.Error(err),
	)
	return err
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, assistant *model.Turn, partial string) {
	content := partial
	if strings.TrimSpace(content) == "" {
		content = model.ApologyContent
	}
	o.persistTerminal(ctx, assistant, content, model.StatusFailed)
	o.publishTerminal(ctx, assistant, model.EventTypeFailed)
}

// persistTerminal writes the final turn state. The request context may
// already be dead (cancellation is one of the paths here), so the write runs
// on a detached context.
func (o *Orchestrator) persistTerminal(ctx context.Context, assistant *model.Turn, content string, status model.TurnStatus) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := o.store.UpdateTurn(writeCtx, assistant.ID, content, &status, assistant.Metadata); err != nil {
		o.logger.Error("failed to persist terminal turn state",
			zap.String("turn_id", assistant.ID.String()),
			zap.Error(err),
		)
		return
	}
	assistant.Content = content
	assistant.Status = status
}

func (o *Orchestrator) transition(ctx context.Context, assistant *model.Turn, status model.TurnStatus, content string) {
	if err := o.store.UpdateTurn(ctx, assistant.ID, content, &status, nil); err != nil {
		o.logger.Warn("failed to persist status transition", zap.Error(err))
		return
	}
	assistant.Status = status
	o.trackStatus(assistant.ConversationID, status)
	o.publishStatus(ctx, assistant)
}

func (o *Orchestrator) checkpoint(ctx context.Context, assistant *model.Turn, content string) {
	if err := o.store.UpdateTurn(ctx, assistant.ID, content, nil, nil); err != nil {
		o.logger.Warn("checkpoint write failed", zap.Error(err))
		return
	}
	metrics.CheckpointWritesTotal.Inc()
}

func (o *Orchestrator) publishDelta(ctx context.Context, assistant *model.Turn, delta string, index int) {
	if o.events == nil {
		return
	}
	_ = o.events.Publish(ctx, &model.TurnEvent{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: assistant.ConversationID,
		TurnID:         assistant.ID,
		UserID:         assistant.UserID,
		Type:           model.EventTypeDelta,
		Delta:          delta,
		Index:          index,
		CreatedAt:      time.Now(),
	})
}

func (o *Orchestrator) publishStatus(ctx context.Context, assistant *model.Turn) {
	if o.events == nil {
		return
	}
	_ = o.events.Publish(ctx, &model.TurnEvent{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: assistant.ConversationID,
		TurnID:         assistant.ID,
		UserID:         assistant.UserID,
		Type:           model.EventTypeStatus,
		Status:         assistant.Status,
		CreatedAt:      time.Now(),
	})
}

func (o *Orchestrator) publishTerminal(ctx context.Context, assistant *model.Turn, eventType model.TurnEventType) {
	if o.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = o.events.Publish(pubCtx, &model.TurnEvent{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: assistant.ConversationID,
		TurnID:         assistant.ID,
		UserID:         assistant.UserID,
		Type:           eventType,
		Status:         assistant.Status,
		CreatedAt:      time.Now(),
	})
}

// initialStatus picks the placeholder's starting state from the requested
// capability flags.
func initialStatus(useThinking, useSearch bool) model.TurnStatus {
	switch {
	case useThinking:
		return model.StatusThinking
	case useSearch:
		return model.StatusSearching
	default:
		return model.StatusGenerating
	}
}
