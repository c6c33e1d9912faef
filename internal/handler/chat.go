package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/credential"
	"github.com/ThommysArt/better-chat/internal/editing"
	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/middleware"
	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/orchestrator"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/pkg/logger"
	"github.com/ThommysArt/better-chat/pkg/metrics"
)

// EventSubscriber delivers a conversation's live turn events.
type EventSubscriber interface {
	Subscribe(ctx context.Context, conversationID uuid.UUID, handler func(*model.TurnEvent)) error
}

// ChatHandler handles turn submission, edit/rerun resubmission, and live
// event streaming. All streaming endpoints speak SSE.
type ChatHandler struct {
	orch   *orchestrator.Orchestrator
	engine *editing.Engine
	store  store.Store
	events EventSubscriber
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler. events may be nil to disable the
// live events endpoint.
func NewChatHandler(orch *orchestrator.Orchestrator, engine *editing.Engine, st store.Store, events EventSubscriber, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		orch:   orch,
		engine: engine,
		store:  st,
		events: events,
		logger: log,
	}
}

// chatRequest is the request body for POST /api/v1/chat. ConversationID is
// empty for a brand new conversation. History is only read on the guest path,
// where the server holds no state.
type chatRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Content        string             `json:"content"`
	ModelID        string             `json:"model_id,omitempty"`
	UseSearch      bool               `json:"use_search"`
	UseThinking    bool               `json:"use_thinking"`
	APIKeys        map[string]string  `json:"api_keys,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	History        []llm.ChatMessage  `json:"history,omitempty"`
}

// resubmitRequest is the request body for edit and rerun. Content is only
// read by edit, where it replaces the target turn's text.
type resubmitRequest struct {
	Content string            `json:"content,omitempty"`
	APIKeys map[string]string `json:"api_keys,omitempty"`
}

// Submit handles POST /api/v1/chat: persists the user turn and streams the
// assistant reply as SSE. Anonymous callers take the storage-free guest path.
func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTurnContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var conversationID *uuid.UUID
	if req.ConversationID != "" {
		if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := uuid.MustParse(req.ConversationID)
		conversationID = &id
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if userID == "" {
		h.streamGuest(ctx, w, flusher, &req)
		return
	}

	result, err := h.orch.SubmitTurn(ctx, &orchestrator.SubmitRequest{
		ConversationID: conversationID,
		UserID:         userID,
		Content:        req.Content,
		ModelID:        req.ModelID,
		UseSearch:      req.UseSearch,
		UseThinking:    req.UseThinking,
		Attachments:    req.Attachments,
		APIKeys:        credential.Keys(req.APIKeys),
	}, tokenSink(ctx, w, flusher))

	h.finishStream(ctx, w, flusher, result, err)
}

// Edit handles POST /api/v1/conversations/{id}/turns/{turnID}/edit: rewrites
// the most recent user turn, truncates everything after it, and streams a
// fresh assistant reply.
func (h *ChatHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	conversationID, turnID, ok := parseTurnRoute(w, r)
	if !ok {
		return
	}

	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content != "" {
		if err := middleware.ValidateTurnContent(req.Content); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sub, err := h.engine.PrepareEdit(ctx, conversationID, turnID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Content != "" && req.Content != sub.Content {
		if err := h.engine.UpdateContent(ctx, conversationID, turnID, userID, req.Content); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	result, err := h.orch.ContinueTurn(ctx, &orchestrator.ContinueRequest{
		ConversationID: conversationID,
		UserID:         userID,
		ModelID:        sub.ModelID,
		UseSearch:      sub.UseSearch,
		UseThinking:    sub.UseThinking,
		APIKeys:        credential.Keys(req.APIKeys),
	}, tokenSink(ctx, w, flusher))

	h.finishStream(ctx, w, flusher, result, err)
}

// Rerun handles POST /api/v1/conversations/{id}/turns/{turnID}/rerun:
// truncates after the target user turn and resubmits its original content
// unchanged, producing a fresh user turn and assistant reply.
func (h *ChatHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	conversationID, turnID, ok := parseTurnRoute(w, r)
	if !ok {
		return
	}

	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.engine.PrepareRerun(ctx, conversationID, turnID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	result, err := h.orch.SubmitTurn(ctx, &orchestrator.SubmitRequest{
		ConversationID: &sub.ConversationID,
		UserID:         userID,
		Content:        sub.Content,
		ModelID:        sub.ModelID,
		UseSearch:      sub.UseSearch,
		UseThinking:    sub.UseThinking,
		Attachments:    sub.Attachments,
		APIKeys:        credential.Keys(req.APIKeys),
	}, tokenSink(ctx, w, flusher))

	h.finishStream(ctx, w, flusher, result, err)
}

// Events handles GET /api/v1/conversations/{id}/events: a long-lived SSE
// subscription mirroring in-flight turn events, with heartbeats to keep idle
// connections open.
func (h *ChatHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Events carry content deltas; only the owner may subscribe.
	conv, err := h.store.GetConversation(ctx, uuid.MustParse(conversationID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if conv.UserID != middleware.GetUserID(ctx) {
		writeDomainError(w, model.ErrNotFound)
		return
	}

	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	eventCh := make(chan *model.TurnEvent, 64)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := h.events.Subscribe(subCtx, uuid.MustParse(conversationID), func(event *model.TurnEvent) {
			select {
			case eventCh <- event:
			default:
				// Slow consumer; the client catches up from the store.
			}
		})
		if err != nil && subCtx.Err() == nil {
			h.logger.Error("event subscription failed", zap.Error(err))
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventCh:
			if event.Type == model.EventTypeStatus {
				sendSSEEvent(w, flusher, "status", &model.StatusEvent{
					TurnID: event.TurnID,
					Status: event.Status,
				})
				continue
			}
			sendSSEEvent(w, flusher, string(event.Type), event)
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

// streamGuest runs the storage-free path: the client supplies any prior
// history, nothing is persisted, and only token/content events are emitted.
func (h *ChatHandler) streamGuest(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, req *chatRequest) {
	messages := append([]llm.ChatMessage{}, req.History...)
	messages = append(messages, llm.ChatMessage{Role: string(model.RoleUser), Content: req.Content})

	result, err := h.orch.StreamGuest(ctx, &orchestrator.GuestRequest{
		Messages:    messages,
		ModelID:     req.ModelID,
		UseSearch:   req.UseSearch,
		UseThinking: req.UseThinking,
		APIKeys:     credential.Keys(req.APIKeys),
	}, tokenSink(ctx, w, flusher))

	if err != nil && !errors.Is(err, context.Canceled) {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    errorCode(err),
			Message: err.Error(),
		})
		return
	}
	if result != nil {
		sendSSEEvent(w, flusher, "guest_complete", result)
	}
	sendSSEEvent(w, flusher, "done", map[string]bool{"success": err == nil})
}

// finishStream emits the terminal SSE events for a persisted submission.
func (h *ChatHandler) finishStream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, result *orchestrator.SubmitResult, err error) {
	if result == nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    errorCode(err),
			Message: err.Error(),
		})
		return
	}

	if result.ConversationCreated {
		sendSSEEvent(w, flusher, "conversation", result.Conversation)
	}
	if result.UserTurn != nil {
		sendSSEEvent(w, flusher, "user_turn", result.UserTurn)
	}

	// The turn was finalized either way; the client reconciles from the
	// persisted terminal state.
	sendSSEEvent(w, flusher, "turn_complete", result.AssistantTurn)

	if err != nil && !errors.Is(err, context.Canceled) {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    errorCode(err),
			Message: err.Error(),
		})
	}
	sendSSEEvent(w, flusher, "done", map[string]bool{"success": err == nil})
}

// beginSSE sets streaming headers.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

// parseTurnRoute validates the {id}/{turnID} route pair.
func parseTurnRoute(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	conversationID := chi.URLParam(r, "id")
	turnID := chi.URLParam(r, "turnID")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	if err := middleware.ValidateTurnID(turnID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	return uuid.MustParse(conversationID), uuid.MustParse(turnID), true
}

// tokenSink returns the delta callback that forwards tokens as SSE events and
// aborts on client disconnect.
func tokenSink(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) orchestrator.DeltaFunc {
	return func(delta string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return sendSSEEvent(w, flusher, "token", &model.TokenEvent{
			Token: delta,
			Index: index,
		})
	}
}
