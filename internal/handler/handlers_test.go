package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ThommysArt/better-chat/internal/credential"
	"github.com/ThommysArt/better-chat/internal/editing"
	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/middleware"
	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/orchestrator"
	"github.com/ThommysArt/better-chat/internal/registry"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/pkg/logger"
)

// scriptedClient streams fixed deltas for every request.
type scriptedClient struct {
	deltas []string
}

func (c *scriptedClient) StreamTurn(ctx context.Context, req *llm.Request, callback llm.StreamCallback) (*llm.Result, error) {
	var sb strings.Builder
	for i, d := range c.deltas {
		sb.WriteString(d)
		if err := callback(d, i); err != nil {
			return nil, err
		}
	}
	return &llm.Result{Content: sb.String(), TokensOut: len(c.deltas)}, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

type env struct {
	store  store.Store
	router chi.Router
}

// asUser injects the authenticated identity the way the auth middleware does.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID != "" {
				r = r.WithContext(context.WithValue(r.Context(), middleware.UserIDKey, userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newEnv(t *testing.T, userID string, deltas []string) *env {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	st := store.NewMemory()
	creds := credential.NewResolver(map[string]string{
		"google": "k", "openai": "k", "anthropic": "k", "xai": "k", "openrouter": "k",
	})
	factory := func(desc registry.ModelDescriptor, apiKey string) (llm.Client, error) {
		return &scriptedClient{deltas: deltas}, nil
	}
	orch := orchestrator.New(st, creds, nil, nil, factory, log, orchestrator.Config{})
	engine := editing.NewEngine(st, log)

	conversations := NewConversationHandler(st, engine, nil, orch, log)
	chat := NewChatHandler(orch, engine, st, nil, log)
	models := NewModelsHandler()
	health := NewHealthHandler(nil, st)

	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/models", models.List)
	r.Post("/chat", chat.Submit)
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", conversations.Create)
		r.Get("/", conversations.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", conversations.Get)
			r.Patch("/", conversations.Update)
			r.Delete("/", conversations.Delete)
			r.Post("/branch", conversations.Branch)
			r.Get("/turns", conversations.ListTurns)
			r.Get("/events", chat.Events)
			r.Post("/turns/{turnID}/edit", chat.Edit)
			r.Post("/turns/{turnID}/rerun", chat.Rerun)
		})
	})

	return &env{store: st, router: r}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// sseEvents parses "event:"/"data:" pairs out of an SSE body.
func sseEvents(body string) map[string][]string {
	events := make(map[string][]string)
	var current string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events[current] = append(events[current], strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func seedConversation(t *testing.T, e *env, userID string) *model.Conversation {
	t.Helper()
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    userID,
		Title:     "Seeded",
		ModelID:   registry.DefaultModelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateConversation(context.Background(), conv))
	return conv
}

func seedTurn(t *testing.T, e *env, conv *model.Conversation, role model.Role, content string) *model.Turn {
	t.Helper()
	now := time.Now()
	turn := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           role,
		Content:        content,
		Status:         model.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.store.CreateTurn(context.Background(), turn))
	return turn
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, "", nil)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/ready", nil).Code)
}

func TestModelsList(t *testing.T) {
	e := newEnv(t, "", nil)

	rec := e.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models  []registry.ModelDescriptor `json:"models"`
		Default string                     `json:"default"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, registry.DefaultModelID, resp.Default)
	require.NotEmpty(t, resp.Models)
}

func TestConversationLifecycle(t *testing.T) {
	e := newEnv(t, "user-1", nil)

	rec := e.do(t, http.MethodPost, "/conversations", model.CreateConversationRequest{Title: "First"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	require.Equal(t, "First", conv.Title)

	rec = e.do(t, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)

	rec = e.do(t, http.MethodPatch, "/conversations/"+conv.ID.String(), model.UpdateConversationRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Renamed")

	rec = e.do(t, http.MethodDelete, "/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationOwnershipEnforced(t *testing.T) {
	e := newEnv(t, "user-2", nil)
	conv := seedConversation(t, e, "user-1")

	rec := e.do(t, http.MethodGet, "/conversations/"+conv.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatSubmit_StreamsAndPersists(t *testing.T) {
	e := newEnv(t, "user-1", []string{"Hi ", "there"})

	rec := e.do(t, http.MethodPost, "/chat", map[string]interface{}{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	events := sseEvents(rec.Body.String())
	require.Len(t, events["token"], 2)
	require.NotEmpty(t, events["conversation"])
	require.NotEmpty(t, events["user_turn"])
	require.NotEmpty(t, events["turn_complete"])
	require.NotEmpty(t, events["done"])

	var final model.Turn
	require.NoError(t, json.Unmarshal([]byte(events["turn_complete"][0]), &final))
	require.Equal(t, "Hi there", final.Content)
	require.Equal(t, model.StatusSent, final.Status)

	turns, err := e.store.ListTurns(context.Background(), final.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestChatSubmit_EmptyContentRejected(t *testing.T) {
	e := newEnv(t, "user-1", nil)

	rec := e.do(t, http.MethodPost, "/chat", map[string]interface{}{"content": "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatSubmit_GuestPath(t *testing.T) {
	e := newEnv(t, "", []string{"guest ", "answer"})

	rec := e.do(t, http.MethodPost, "/chat", map[string]interface{}{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(rec.Body.String())
	require.Len(t, events["token"], 2)
	require.NotEmpty(t, events["guest_complete"])
	require.Empty(t, events["user_turn"])

	// Nothing persisted.
	_, total, err := e.store.ListConversations(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestBranchEndpoint(t *testing.T) {
	e := newEnv(t, "user-1", nil)
	conv := seedConversation(t, e, "user-1")
	u1 := seedTurn(t, e, conv, model.RoleUser, "q1")
	seedTurn(t, e, conv, model.RoleAssistant, "r1")

	rec := e.do(t, http.MethodPost, "/conversations/"+conv.ID.String()+"/branch",
		model.BranchRequest{UpToTurnID: u1.ID, Title: "Fork"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var branch model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branch))
	require.Equal(t, "Fork", branch.Title)

	turns, err := e.store.ListTurns(context.Background(), branch.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestListTurns_StreamActiveFlag(t *testing.T) {
	e := newEnv(t, "user-1", nil)
	conv := seedConversation(t, e, "user-1")
	seedTurn(t, e, conv, model.RoleUser, "q1")

	inflight := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         "user-1",
		Role:           model.RoleAssistant,
		Status:         model.StatusGenerating,
	}
	require.NoError(t, e.store.CreateTurn(context.Background(), inflight))

	rec := e.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/turns", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListTurnsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Turns, 2)
	require.True(t, resp.StreamActive)
}

func TestRerunEndpoint_FiveTurnScenario(t *testing.T) {
	e := newEnv(t, "user-1", []string{"regenerated"})
	conv := seedConversation(t, e, "user-1")

	seedTurn(t, e, conv, model.RoleUser, "q1")
	seedTurn(t, e, conv, model.RoleAssistant, "r1")
	u2 := seedTurn(t, e, conv, model.RoleUser, "q2")
	seedTurn(t, e, conv, model.RoleAssistant, "r2")
	seedTurn(t, e, conv, model.RoleUser, "q3")

	path := fmt.Sprintf("/conversations/%s/turns/%s/rerun", conv.ID, u2.ID)
	rec := e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	turns, err := e.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 5)

	// Positions 4 and 5 are fresh: identical user content, new assistant.
	require.Equal(t, model.RoleUser, turns[3].Role)
	require.Equal(t, "q2", turns[3].Content)
	require.NotEqual(t, u2.ID, turns[3].ID)
	require.Equal(t, model.RoleAssistant, turns[4].Role)
	require.Equal(t, "regenerated", turns[4].Content)
}

func TestEditEndpoint_RewritesAndRegenerates(t *testing.T) {
	e := newEnv(t, "user-1", []string{"new reply"})
	conv := seedConversation(t, e, "user-1")

	u1 := seedTurn(t, e, conv, model.RoleUser, "original question")
	seedTurn(t, e, conv, model.RoleAssistant, "old reply")

	path := fmt.Sprintf("/conversations/%s/turns/%s/edit", conv.ID, u1.ID)
	rec := e.do(t, http.MethodPost, path, map[string]string{"content": "revised question"})
	require.Equal(t, http.StatusOK, rec.Code)

	turns, err := e.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	// The original turn survives in place with the new content.
	require.Equal(t, u1.ID, turns[0].ID)
	require.Equal(t, "revised question", turns[0].Content)
	require.Equal(t, "new reply", turns[1].Content)
}

func TestEventsOwnershipEnforced(t *testing.T) {
	e := newEnv(t, "user-2", nil)
	conv := seedConversation(t, e, "user-1")

	rec := e.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsDisabledWithoutBroker(t *testing.T) {
	e := newEnv(t, "user-1", nil)
	conv := seedConversation(t, e, "user-1")

	rec := e.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/events", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

// fakeSubscriber delivers a fixed event sequence then blocks until the
// subscription context ends.
type fakeSubscriber struct {
	events []*model.TurnEvent
}

func (f fakeSubscriber) Subscribe(ctx context.Context, conversationID uuid.UUID, handler func(*model.TurnEvent)) error {
	for _, event := range f.events {
		handler(event)
	}
	<-ctx.Done()
	return nil
}

func TestEventsStream_RelaysStatusAndDeltas(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)
	st := store.NewMemory()

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    "user-1",
		Title:     "Seeded",
		ModelID:   registry.DefaultModelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	turnID := uuid.Must(uuid.NewV7())
	sub := fakeSubscriber{events: []*model.TurnEvent{
		{ID: uuid.Must(uuid.NewV7()), ConversationID: conv.ID, TurnID: turnID, Type: model.EventTypeStatus, Status: model.StatusGenerating},
		{ID: uuid.Must(uuid.NewV7()), ConversationID: conv.ID, TurnID: turnID, Type: model.EventTypeDelta, Delta: "Hel", Index: 0},
	}}

	chat := NewChatHandler(nil, nil, st, sub, log)
	r := chi.NewRouter()
	r.Use(asUser("user-1"))
	r.Get("/conversations/{id}/events", chat.Events)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID.String()+"/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	events := sseEvents(rec.Body.String())
	require.NotEmpty(t, events["connected"])
	require.Len(t, events["delta"], 1)
	require.Len(t, events["status"], 1)

	var status model.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(events["status"][0]), &status))
	require.Equal(t, turnID, status.TurnID)
	require.Equal(t, model.StatusGenerating, status.Status)
}

// stubSnapshots serves a fixed in-flight turn.
type stubSnapshots struct {
	turn *model.Turn
}

func (s stubSnapshots) Snapshot(uuid.UUID) *model.Turn { return s.turn }

func TestListTurns_MergesLiveSnapshot(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)
	st := store.NewMemory()
	engine := editing.NewEngine(st, log)

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    "user-1",
		Title:     "Seeded",
		ModelID:   registry.DefaultModelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	assistant := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		UserID:         "user-1",
		Role:           model.RoleAssistant,
		Content:        "Hel",
		Status:         model.StatusGenerating,
	}
	require.NoError(t, st.CreateTurn(context.Background(), assistant))

	live := *assistant
	live.Content = "Hello worl"

	conversations := NewConversationHandler(st, engine, nil, stubSnapshots{turn: &live}, log)
	r := chi.NewRouter()
	r.Use(asUser("user-1"))
	r.Get("/conversations/{id}/turns", conversations.ListTurns)

	req := httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID.String()+"/turns", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListTurnsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Turns, 1)
	require.Equal(t, "Hello worl", resp.Turns[0].Content)
	require.True(t, resp.StreamActive)
}

func TestEditEndpoint_NotLastRejected(t *testing.T) {
	e := newEnv(t, "user-1", nil)
	conv := seedConversation(t, e, "user-1")

	u1 := seedTurn(t, e, conv, model.RoleUser, "q1")
	seedTurn(t, e, conv, model.RoleAssistant, "r1")
	seedTurn(t, e, conv, model.RoleUser, "q2")

	path := fmt.Sprintf("/conversations/%s/turns/%s/edit", conv.ID, u1.ID)
	rec := e.do(t, http.MethodPost, path, map[string]string{"content": "nope"})
	require.Equal(t, http.StatusConflict, rec.Code)
}
