package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ThommysArt/better-chat/internal/credential"
	"github.com/ThommysArt/better-chat/internal/llm"
	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/registry"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/pkg/logger"
)

// fakeClient streams scripted deltas, optionally failing partway through.
type fakeClient struct {
	deltas    []string
	failAfter int // fail after this many deltas; -1 disables
	failWith  error
	gotReq    *llm.Request
}

func (f *fakeClient) StreamTurn(ctx context.Context, req *llm.Request, callback llm.StreamCallback) (*llm.Result, error) {
	f.gotReq = req
	var sb strings.Builder
	for i, delta := range f.deltas {
		if f.failAfter >= 0 && i == f.failAfter {
			return nil, f.failWith
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sb.WriteString(delta)
		if err := callback(delta, i); err != nil {
			return nil, err
		}
	}
	return &llm.Result{
		Content:    sb.String(),
		TokensIn:   10,
		TokensOut:  len(f.deltas),
		StopReason: "stop",
	}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func factoryFor(client llm.Client) llm.Factory {
	return func(desc registry.ModelDescriptor, apiKey string) (llm.Client, error) {
		return client, nil
	}
}

// recordingStore wraps a Store and records every content value written for a
// given turn, for prefix-monotonicity checks.
type recordingStore struct {
	store.Store
	mu     sync.Mutex
	writes map[uuid.UUID][]string
}

func newRecordingStore(inner store.Store) *recordingStore {
	return &recordingStore{Store: inner, writes: make(map[uuid.UUID][]string)}
}

func (r *recordingStore) UpdateTurn(ctx context.Context, id uuid.UUID, content string, status *model.TurnStatus, meta *model.TurnMetadata) error {
	r.mu.Lock()
	r.writes[id] = append(r.writes[id], content)
	r.mu.Unlock()
	return r.Store.UpdateTurn(ctx, id, content, status, meta)
}

func (r *recordingStore) contentWrites(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes[id]...)
}

func newOrchestrator(t *testing.T, st store.Store, client llm.Client, cfg Config) *Orchestrator {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	creds := credential.NewResolver(map[string]string{
		"google": "test-key", "openai": "test-key", "anthropic": "test-key",
		"xai": "test-key", "openrouter": "test-key",
	})
	return New(st, creds, nil, nil, factoryFor(client), log, cfg)
}

func submitReq(content string) *SubmitRequest {
	return &SubmitRequest{
		UserID:  "user-1",
		Content: content,
		ModelID: "openai/gpt-3.5-turbo",
	}
}

func TestSubmitTurn_Validation(t *testing.T) {
	o := newOrchestrator(t, store.NewMemory(), &fakeClient{failAfter: -1}, Config{})

	_, err := o.SubmitTurn(context.Background(), &SubmitRequest{UserID: "u", Content: "  \n "}, nil)
	require.ErrorIs(t, err, model.ErrEmptyContent)

	_, err = o.SubmitTurn(context.Background(), &SubmitRequest{Content: "hi"}, nil)
	require.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestSubmitTurn_HappyPath(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"Hel", "lo ", "there"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	var streamed strings.Builder
	result, err := o.SubmitTurn(ctx, submitReq("hi"), func(delta string, index int) error {
		streamed.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	require.True(t, result.ConversationCreated)
	require.Equal(t, "Hello there", streamed.String())

	// Final persisted content equals the concatenation of all deltas.
	final, err := st.GetTurn(ctx, result.AssistantTurn.ID)
	require.NoError(t, err)
	require.Equal(t, "Hello there", final.Content)
	require.Equal(t, model.StatusSent, final.Status)
	require.Equal(t, 10, final.Metadata.TokensIn)

	user, err := st.GetTurn(ctx, result.UserTurn.ID)
	require.NoError(t, err)
	require.Equal(t, model.RoleUser, user.Role)
	require.Equal(t, "hi", user.Content)
	require.Equal(t, model.StatusSent, user.Status)

	// Conversation was created with a title derived from the message.
	conv, err := st.GetConversation(ctx, result.Conversation.ID)
	require.NoError(t, err)
	require.NotEmpty(t, conv.Title)
}

// Every checkpointed content value must be a prefix of the next one, and the
// last write must be the full text.
func TestSubmitTurn_MonotonicContent(t *testing.T) {
	rec := newRecordingStore(store.NewMemory())
	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = "x"
	}
	client := &fakeClient{deltas: deltas, failAfter: -1}
	o := newOrchestrator(t, rec, client, Config{CheckpointEvery: 4})

	result, err := o.SubmitTurn(context.Background(), submitReq("go"), nil)
	require.NoError(t, err)

	writes := rec.contentWrites(result.AssistantTurn.ID)
	require.NotEmpty(t, writes)
	for i := 1; i < len(writes); i++ {
		require.True(t, strings.HasPrefix(writes[i], writes[i-1]),
			"write %d (%q) is not a prefix-extension of write %d (%q)", i, writes[i], i-1, writes[i-1])
	}
	require.Equal(t, strings.Repeat("x", 40), writes[len(writes)-1])
}

func TestSubmitTurn_BusyConversationRejected(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"ok"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	result, err := o.SubmitTurn(ctx, submitReq("first"), nil)
	require.NoError(t, err)
	convID := result.Conversation.ID

	// Leave a non-terminal placeholder behind, as a crashed stream would.
	placeholder := &model.Turn{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: convID,
		UserID:         "user-1",
		Role:           model.RoleAssistant,
		Status:         model.StatusGenerating,
	}
	require.NoError(t, st.CreateTurn(ctx, placeholder))

	req := submitReq("second")
	req.ConversationID = &convID
	_, err = o.SubmitTurn(ctx, req, nil)
	require.ErrorIs(t, err, model.ErrConversationBusy)
}

func TestSubmitTurn_NoCredentialFailsTurn(t *testing.T) {
	st := store.NewMemory()
	log, err := logger.New("error")
	require.NoError(t, err)
	o := New(st, credential.NewResolver(nil), nil, nil,
		factoryFor(&fakeClient{failAfter: -1}), log, Config{})
	ctx := context.Background()

	result, err := o.SubmitTurn(ctx, submitReq("hi"), nil)
	require.ErrorIs(t, err, model.ErrNoCredential)
	require.NotNil(t, result)

	// The placeholder ends failed with the fixed apology, never stuck.
	final, getErr := st.GetTurn(ctx, result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, model.ApologyContent, final.Content)
}

func TestSubmitTurn_StreamErrorKeepsPartial(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{
		deltas:    []string{"partial ", "content ", "never sent"},
		failAfter: 2,
		failWith:  errors.New("connection reset"),
	}
	o := newOrchestrator(t, st, client, Config{CheckpointEvery: 1})
	ctx := context.Background()

	result, err := o.SubmitTurn(ctx, submitReq("hi"), nil)
	require.Error(t, err)

	final, getErr := st.GetTurn(ctx, result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, "partial content ", final.Content)
}

func TestSubmitTurn_StreamErrorNoPartialWritesApology(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{
		deltas:    []string{"never"},
		failAfter: 0,
		failWith:  errors.New("upstream 500"),
	}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	result, err := o.SubmitTurn(ctx, submitReq("hi"), nil)
	require.Error(t, err)

	final, getErr := st.GetTurn(ctx, result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, model.ApologyContent, final.Content)
}

// Client cancellation keeps the partial as a sent turn: partial answers have
// user value and must not vanish.
func TestSubmitTurn_CancellationKeepsPartialAsSent(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	client := &fakeClient{deltas: []string{"keep ", "this ", "gone"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})

	result, err := o.SubmitTurn(ctx, submitReq("hi"), func(delta string, index int) error {
		if index == 1 {
			cancel()
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	final, getErr := st.GetTurn(context.Background(), result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.Equal(t, model.StatusSent, final.Status)
	require.Equal(t, "keep this ", final.Content)
}

func TestSubmitTurn_CompensatedThinkingExtracted(t *testing.T) {
	st := store.NewMemory()
	// gpt-3.5-turbo has no native thinking, so the directive is injected and
	// the response is post-processed.
	client := &fakeClient{
		deltas:    []string{"Thinking: weigh the options.\n\nAnswer: option A."},
		failAfter: -1,
	}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	req := submitReq("which option?")
	req.UseThinking = true
	result, err := o.SubmitTurn(ctx, req, nil)
	require.NoError(t, err)

	// The outgoing request carried the compensation directive, and the
	// unsupported flag never reached the provider request untouched.
	sent := client.gotReq.Messages[len(client.gotReq.Messages)-1].Content
	require.Contains(t, sent, "thinking process step by step")

	final, getErr := st.GetTurn(ctx, result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.Equal(t, "option A.", final.Content)
	require.Equal(t, "weigh the options.", final.Metadata.ThinkingContent)
	require.True(t, final.Metadata.ThinkingUsed)
}

func TestSubmitTurn_InitialStatusFromFlags(t *testing.T) {
	require.Equal(t, model.StatusThinking, initialStatus(true, false))
	require.Equal(t, model.StatusThinking, initialStatus(true, true))
	require.Equal(t, model.StatusSearching, initialStatus(false, true))
	require.Equal(t, model.StatusGenerating, initialStatus(false, false))
}

func TestSubmitTurn_HistorySkipsFailedTurns(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"ok"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	first, err := o.SubmitTurn(ctx, submitReq("q1"), nil)
	require.NoError(t, err)
	convID := first.Conversation.ID

	// Mark the assistant reply failed; it must not re-enter the prompt.
	failed := model.StatusFailed
	require.NoError(t, st.UpdateTurn(ctx, first.AssistantTurn.ID, model.ApologyContent, &failed, nil))

	req := submitReq("q2")
	req.ConversationID = &convID
	_, err = o.SubmitTurn(ctx, req, nil)
	require.NoError(t, err)

	for _, msg := range client.gotReq.Messages {
		require.NotEqual(t, model.ApologyContent, msg.Content)
	}
}

func TestSubmitTurn_UnknownConversation(t *testing.T) {
	o := newOrchestrator(t, store.NewMemory(), &fakeClient{failAfter: -1}, Config{})

	unknown := uuid.Must(uuid.NewV7())
	req := submitReq("hi")
	req.ConversationID = &unknown
	_, err := o.SubmitTurn(context.Background(), req, nil)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestContinueTurn_RequiresTrailingUserTurn(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"ok"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	// After a completed submission the conversation ends with an assistant
	// turn, so continuing is invalid.
	result, err := o.SubmitTurn(ctx, submitReq("q1"), nil)
	require.NoError(t, err)

	_, err = o.ContinueTurn(ctx, &ContinueRequest{
		ConversationID: result.Conversation.ID,
		UserID:         "user-1",
	}, nil)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestContinueTurn_AppendsAssistantOnly(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"fresh reply"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	first, err := o.SubmitTurn(ctx, submitReq("q1"), nil)
	require.NoError(t, err)
	convID := first.Conversation.ID

	// Simulate the edit flow: drop the assistant reply so the user turn
	// trails.
	require.NoError(t, st.DeleteTurn(ctx, first.AssistantTurn.ID))

	result, err := o.ContinueTurn(ctx, &ContinueRequest{
		ConversationID: convID,
		UserID:         "user-1",
		ModelID:        "openai/gpt-3.5-turbo",
	}, nil)
	require.NoError(t, err)

	turns, err := st.ListTurns(ctx, convID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "fresh reply", turns[1].Content)
	require.Equal(t, result.AssistantTurn.ID, turns[1].ID)

	// No new user turn was created.
	require.Equal(t, first.UserTurn.ID, turns[0].ID)
}

func TestStreamGuest_NeverTouchesStore(t *testing.T) {
	st := store.NewMemory()
	client := &fakeClient{deltas: []string{"guest ", "reply"}, failAfter: -1}
	o := newOrchestrator(t, st, client, Config{})
	ctx := context.Background()

	result, err := o.StreamGuest(ctx, &GuestRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hello"}},
		ModelID:  "openai/gpt-3.5-turbo",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "guest reply", result.Content)

	_, total, err := st.ListConversations(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStreamGuest_EmptyMessages(t *testing.T) {
	o := newOrchestrator(t, store.NewMemory(), &fakeClient{failAfter: -1}, Config{})
	_, err := o.StreamGuest(context.Background(), &GuestRequest{}, nil)
	require.ErrorIs(t, err, model.ErrEmptyContent)
}

// Title generation failures must never block submission.
type failingTitles struct{}

func (failingTitles) Generate(ctx context.Context, message string) (string, error) {
	return "", errors.New("title model down")
}

func TestSubmitTurn_TitleFallback(t *testing.T) {
	st := store.NewMemory()
	log, err := logger.New("error")
	require.NoError(t, err)
	creds := credential.NewResolver(map[string]string{"openrouter": "k"})
	o := New(st, creds, failingTitles{}, nil,
		factoryFor(&fakeClient{deltas: []string{"ok"}, failAfter: -1}), log, Config{})

	long := strings.Repeat("word ", 30)
	result, err := o.SubmitTurn(context.Background(), submitReq(long), nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Conversation.Title)
	require.LessOrEqual(t, len([]rune(result.Conversation.Title)), 50)
	require.True(t, strings.HasPrefix(long, result.Conversation.Title))
}

func TestSubmitTurn_TimeoutEndsTerminal(t *testing.T) {
	st := store.NewMemory()
	slow := &slowClient{}
	o := newOrchestrator(t, st, slow, Config{TurnTimeout: 20 * time.Millisecond})

	result, err := o.SubmitTurn(context.Background(), submitReq("hi"), nil)
	require.Error(t, err)

	final, getErr := st.GetTurn(context.Background(), result.AssistantTurn.ID)
	require.NoError(t, getErr)
	require.True(t, final.Status.Terminal())
}

// slowClient blocks until its context expires.
type slowClient struct{}

func (s *slowClient) StreamTurn(ctx context.Context, req *llm.Request, callback llm.StreamCallback) (*llm.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *slowClient) Name() string { return "slow" }

// gatedClient emits its deltas then blocks until released, so tests can
// observe mid-stream state.
type gatedClient struct {
	deltas   []string
	streamed chan struct{}
	release  chan struct{}
}

func (g *gatedClient) StreamTurn(ctx context.Context, req *llm.Request, callback llm.StreamCallback) (*llm.Result, error) {
	var sb strings.Builder
	for i, delta := range g.deltas {
		sb.WriteString(delta)
		if err := callback(delta, i); err != nil {
			return nil, err
		}
	}
	close(g.streamed)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Result{Content: sb.String(), TokensOut: len(g.deltas)}, nil
}

func (g *gatedClient) Name() string { return "gated" }

func TestSnapshot_ServesLiveAccumulator(t *testing.T) {
	st := store.NewMemory()
	client := &gatedClient{
		deltas:   []string{"Hel", "lo ", "wor"},
		streamed: make(chan struct{}),
		release:  make(chan struct{}),
	}
	// Checkpoint interval larger than the delta count: nothing durable is
	// written mid-stream, so only the snapshot can see the content.
	o := newOrchestrator(t, st, client, Config{CheckpointEvery: 100})
	ctx := context.Background()

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()),
		UserID:    "user-1",
		Title:     "t",
		ModelID:   "openai/gpt-3.5-turbo",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateConversation(ctx, conv))
	require.Nil(t, o.Snapshot(conv.ID))

	req := submitReq("question")
	req.ConversationID = &conv.ID

	done := make(chan struct{})
	var result *SubmitResult
	var submitErr error
	go func() {
		result, submitErr = o.SubmitTurn(ctx, req, nil)
		close(done)
	}()

	<-client.streamed

	snap := o.Snapshot(conv.ID)
	require.NotNil(t, snap)
	require.Equal(t, model.RoleAssistant, snap.Role)
	require.Equal(t, model.StatusGenerating, snap.Status)
	require.Equal(t, "Hello wor", snap.Content)

	// The persisted placeholder still trails the live view.
	persisted, err := st.GetTurn(ctx, snap.ID)
	require.NoError(t, err)
	require.Empty(t, persisted.Content)

	close(client.release)
	<-done
	require.NoError(t, submitErr)
	require.Equal(t, "Hello wor", result.AssistantTurn.Content)

	// Terminal turns drop out of the snapshot view.
	require.Nil(t, o.Snapshot(conv.ID))
}
