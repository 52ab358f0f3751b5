package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printcal/backend/internal/llm"
	"github.com/printcal/backend/internal/retrieval"
	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/internal/storage/sqlite"
)

type fakeChatStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.ChatSession
	messages  []models.ChatMessage
	insertErr error
	nextID    int64
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{sessions: make(map[string]*models.ChatSession)}
}

func (f *fakeChatStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, sqlite.ErrNotFound
}

func (f *fakeChatStore) CreateSession(ctx context.Context, session *models.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeChatStore) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	msg.ID = f.nextID
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeChatStore) SessionMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChatStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			all = append(all, m)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeChatStore) CountEntities(ctx context.Context) (int64, error)      { return 0, nil }
func (f *fakeChatStore) CountRelationships(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeChatStore) stored(sessionID string) []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

type fakeCompleter struct {
	reply   string
	deltas  []string
	err     error
	lastReq llm.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) StreamCompletion(ctx context.Context, req llm.CompletionRequest, onDelta func(string) error) (string, error) {
	f.lastReq = req
	var b strings.Builder
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return "", err
		}
		b.WriteString(d)
	}
	if f.err != nil {
		return "", f.err
	}
	return b.String(), nil
}

type fakeRetriever struct {
	results []retrieval.Result
}

func (f *fakeRetriever) HybridRetrieve(ctx context.Context, query string, topK int) []retrieval.Result {
	return f.results
}

type fakeEnricher struct {
	texts chan string
}

func (f *fakeEnricher) ProcessText(ctx context.Context, text string) []models.Entity {
	f.texts <- text
	return nil
}

func seedSession(t *testing.T, store *fakeChatStore) *models.ChatSession {
	t.Helper()
	session := &models.ChatSession{ID: "s1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func TestEnsureSession(t *testing.T) {
	store := newFakeChatStore()
	service := NewService(store, &fakeCompleter{}, &fakeRetriever{}, nil, nil, Config{})

	session, created, err := service.EnsureSession(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, session.ID)

	same, created, err := service.EnsureSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, session.ID, same.ID)

	fresh, created, err := service.EnsureSession(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "no-such-session", fresh.ID)
}

func TestRespondPersistsTurn(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	service := NewService(store, &fakeCompleter{reply: "Raise flow ratio by 2%."}, &fakeRetriever{}, nil, nil, Config{})

	reply, err := service.Respond(context.Background(), session, "prints look underextruded")
	require.NoError(t, err)
	assert.Equal(t, "Raise flow ratio by 2%.", reply)

	msgs := store.stored(session.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "prints look underextruded", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Raise flow ratio by 2%.", msgs[1].Content)
}

func TestRespondKeepsUserMessageOnCompletionFailure(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	service := NewService(store, &fakeCompleter{err: errors.New("llm down")}, &fakeRetriever{}, nil, nil, Config{})

	_, err := service.Respond(context.Background(), session, "help with stringing")
	require.Error(t, err)

	msgs := store.stored(session.ID)
	require.Len(t, msgs, 1, "the user's message must survive a failed completion")
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "help with stringing", msgs[0].Content)
}

func TestStreamRespondDeliversDeltasAndPersists(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	completer := &fakeCompleter{deltas: []string{"Lower retraction ", "to 0.8mm."}}
	service := NewService(store, completer, &fakeRetriever{}, nil, nil, Config{})

	var received []string
	reply, err := service.StreamRespond(context.Background(), session, "stringing on travel moves", func(d string) error {
		received = append(received, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Lower retraction to 0.8mm.", reply)
	assert.Equal(t, []string{"Lower retraction ", "to 0.8mm."}, received)

	msgs := store.stored(session.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Lower retraction to 0.8mm.", msgs[1].Content)
}

func TestStreamRespondKeepsUserMessageOnStreamFailure(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	completer := &fakeCompleter{deltas: []string{"Lower "}, err: errors.New("stream cut")}
	service := NewService(store, completer, &fakeRetriever{}, nil, nil, Config{})

	_, err := service.StreamRespond(context.Background(), session, "stringing on travel moves", func(string) error { return nil })
	require.Error(t, err)

	msgs := store.stored(session.ID)
	require.Len(t, msgs, 1, "a cut stream must not lose the user's message")
	assert.Equal(t, "user", msgs[0].Role)
}

func TestTurnUsesMostRecentHistoryWindow(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	for i := 1; i <= 12; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		require.NoError(t, store.InsertMessage(context.Background(), &models.ChatMessage{
			SessionID: session.ID, Role: role, Content: fmt.Sprintf("m%d", i),
		}))
	}

	completer := &fakeCompleter{reply: "ok"}
	service := NewService(store, completer, &fakeRetriever{}, nil, nil, Config{})

	_, err := service.Respond(context.Background(), session, "next question")
	require.NoError(t, err)

	require.Len(t, completer.lastReq.Messages, historyLimit+1)
	assert.Equal(t, "m3", completer.lastReq.Messages[0].Content, "window starts at the oldest of the newest ten")
	assert.Equal(t, "m12", completer.lastReq.Messages[historyLimit-1].Content)
	assert.Equal(t, "next question", completer.lastReq.Messages[historyLimit].Content)
}

func TestRespondSurvivesStorageAndRetrievalFailure(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	store.insertErr = errors.New("disk full")
	service := NewService(store, &fakeCompleter{reply: "still here"}, &fakeRetriever{}, nil, nil, Config{})

	reply, err := service.Respond(context.Background(), session, "anything")
	require.NoError(t, err, "persistence failures degrade, they do not fail the turn")
	assert.Equal(t, "still here", reply)
}

func TestRespondRejectsEmptyMessage(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	service := NewService(store, &fakeCompleter{reply: "ok"}, &fakeRetriever{}, nil, nil, Config{})

	_, err := service.Respond(context.Background(), session, "   ")
	require.Error(t, err)
	assert.Empty(t, store.stored(session.ID))
}

func TestRespondIncludesRetrievedContext(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	completer := &fakeCompleter{reply: "ok"}
	retriever := &fakeRetriever{results: []retrieval.Result{
		{Type: retrieval.TypeDocument, ID: 1, Title: "Flow Guide", Content: "Tune flow with a cube."},
	}}
	service := NewService(store, completer, retriever, nil, nil, Config{})

	_, err := service.Respond(context.Background(), session, "flow ratio")
	require.NoError(t, err)
	assert.Contains(t, completer.lastReq.SystemPrompt, "Reference context:")
	assert.Contains(t, completer.lastReq.SystemPrompt, "[Document] Flow Guide")
}

func TestRespondTriggersGraphEnrichment(t *testing.T) {
	store := newFakeChatStore()
	session := seedSession(t, store)
	enricher := &fakeEnricher{texts: make(chan string, 1)}
	service := NewService(store, &fakeCompleter{reply: "raise temp"}, &fakeRetriever{}, nil, enricher, Config{})

	_, err := service.Respond(context.Background(), session, "blobs on walls")
	require.NoError(t, err)

	select {
	case text := <-enricher.texts:
		assert.Contains(t, text, "blobs on walls")
		assert.Contains(t, text, "raise temp")
	case <-time.After(2 * time.Second):
		t.Fatal("graph enrichment was never invoked")
	}
}

func TestFormatContextPreviewsDocuments(t *testing.T) {
	service := NewService(nil, nil, nil, nil, nil, Config{PreviewChars: 20})

	long := strings.Repeat("x", 100)
	block := service.formatContext([]retrieval.Result{
		{Type: retrieval.TypeDocument, ID: 1, Title: "Flow Guide", Content: long},
		{
			Type: retrieval.TypeEntity, ID: 2, Name: "Flow Ratio",
			Description: "extrusion multiplier",
			Metadata:    map[string]interface{}{"type": "setting"},
		},
	})

	assert.Contains(t, block, "Reference context:")
	assert.Contains(t, block, "[Document] Flow Guide")
	assert.Contains(t, block, strings.Repeat("x", 20)+"...")
	assert.NotContains(t, block, strings.Repeat("x", 21))
	assert.Contains(t, block, "[setting] Flow Ratio: extrusion multiplier")
}

func TestFormatContextEmpty(t *testing.T) {
	service := NewService(nil, nil, nil, nil, nil, Config{})
	assert.Empty(t, service.formatContext(nil))
}
