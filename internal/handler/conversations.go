// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/editing"
	"github.com/ThommysArt/better-chat/internal/middleware"
	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/reconcile"
	"github.com/ThommysArt/better-chat/internal/registry"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/internal/title"
	"github.com/ThommysArt/better-chat/pkg/logger"
	"github.com/ThommysArt/better-chat/pkg/metrics"
)

// TurnSnapshotter reports the live in-flight assistant turn for a
// conversation, if one is streaming in this process.
type TurnSnapshotter interface {
	Snapshot(conversationID uuid.UUID) *model.Turn
}

// ConversationHandler handles conversation CRUD, branching, and turn listing.
type ConversationHandler struct {
	store     store.Store
	engine    *editing.Engine
	titles    title.Generator
	snapshots TurnSnapshotter
	logger    *logger.Logger
}

// NewConversationHandler creates a new conversation handler. titles may be
// nil to disable the regenerate-title endpoint's model call; snapshots may be
// nil to serve turn listings from persisted checkpoints only.
func NewConversationHandler(st store.Store, engine *editing.Engine, titles title.Generator, snapshots TurnSnapshotter, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:     st,
		engine:    engine,
		titles:    titles,
		snapshots: snapshots,
		logger:    log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Title == "" {
		req.Title = title.DefaultTitle
	}
	desc := registry.GetOrDefault(req.ModelID)

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    userID,
		Title:     req.Title,
		ModelID:   desc.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	metrics.ConversationsTotal.Inc()

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	conversations, total, err := h.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: conversations,
		Total:         total,
		HasMore:       offset+len(conversations) < total,
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Update handles PATCH /api/v1/conversations/{id}
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req model.UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateConversationTitle(r.Context(), conv.ID, req.Title); err != nil {
		writeDomainError(w, err)
		return
	}
	conv.Title = req.Title

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Branch handles POST /api/v1/conversations/{id}/branch
func (h *ConversationHandler) Branch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.BranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UpToTurnID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "up_to_turn_id is required")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	branch, err := h.engine.BranchAt(ctx, uuid.MustParse(conversationID), req.UpToTurnID, userID, req.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, branch)
}

// ListTurns handles GET /api/v1/conversations/{id}/turns
func (h *ConversationHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	turns, err := h.store.ListTurns(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("failed to list turns", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}

	// Persisted checkpoints trail the live accumulator; overlay the in-flight
	// turn so readers see streamed content without waiting for the next write.
	if h.snapshots != nil {
		turns = reconcile.Merge(turns, h.snapshots.Snapshot(conv.ID))
	}

	streamActive := false
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != model.RoleAssistant {
			continue
		}
		streamActive = !turns[i].Status.Terminal()
		break
	}

	writeJSON(w, http.StatusOK, &model.ListTurnsResponse{
		Turns:        turns,
		StreamActive: streamActive,
	})
}

// RegenerateTitle handles POST /api/v1/conversations/{id}/title: re-derives
// the title from the first user turn.
func (h *ConversationHandler) RegenerateTitle(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	turns, err := h.store.ListTurns(ctx, conv.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var first string
	for _, turn := range turns {
		if turn.Role == model.RoleUser {
			first = turn.Content
			break
		}
	}
	if first == "" {
		writeError(w, http.StatusConflict, "conversation has no user turns")
		return
	}

	newTitle := title.Fallback(first)
	if h.titles != nil {
		titleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if t, err := h.titles.Generate(titleCtx, first); err == nil {
			newTitle = t
		} else {
			h.logger.Warn("title regeneration failed, using fallback", zap.Error(err))
		}
		cancel()
	}

	if err := h.store.UpdateConversationTitle(ctx, conv.ID, newTitle); err != nil {
		writeDomainError(w, err)
		return
	}
	conv.Title = newTitle

	writeJSON(w, http.StatusOK, conv)
}

// loadOwned parses the route's conversation ID and enforces ownership.
func (h *ConversationHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	conv, err := h.store.GetConversation(ctx, uuid.MustParse(conversationID))
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if conv.UserID != userID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}
