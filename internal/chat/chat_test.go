package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
	"llmops/internal/rag"
	"llmops/internal/storage"
)

type fixture struct {
	service *Service
	store   *storage.Store
	mock    *llm.MockClient
	clients *llm.Factory
	indexer *rag.Indexer
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := rag.NewHashEmbedder(64)
	vectors, err := rag.NewVectorStore(rag.StoreConfig{}, embedder)
	require.NoError(t, err)

	registry, err := llm.NewRegistry(llm.ModelSpec{ID: "mock", Provider: llm.ProviderMock}, nil)
	require.NoError(t, err)
	factory := llm.NewFactory(llm.FactoryConfig{})
	mock := llm.NewMockClient("mock", responses...)
	factory.Register("mock", mock)

	service := NewService(Deps{
		Store:     store,
		Models:    registry,
		Clients:   factory,
		Retriever: rag.NewRetriever(rag.RetrieverConfig{}, vectors),
		Counter:   rag.ApproxTokenCounter,
	}, Config{})

	return &fixture{
		service: service,
		store:   store,
		mock:    mock,
		clients: factory,
		indexer: rag.NewIndexer(rag.IndexerConfig{}, embedder, vectors, rag.ApproxTokenCounter),
	}
}

func collect(t *testing.T, f *fixture, req TurnRequest) (*TurnResult, string) {
	t.Helper()
	var streamed strings.Builder
	result, err := f.service.Stream(context.Background(), req, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	return result, streamed.String()
}

func TestParseChainConfigRepairsJSON(t *testing.T) {
	chain, err := ParseChainConfig(`{'key': 'rag', 'datasets': ['ds-1', 'ds-2',], 'prompt': 'Be brief'`)
	require.NoError(t, err)
	assert.Equal(t, "rag", chain.Key)
	assert.Equal(t, []string{"ds-1", "ds-2"}, chain.Datasets)
	assert.Equal(t, "Be brief", chain.Prompt)

	_, err = ParseChainConfig(`[1, 2]`)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.service.CreateSession(ctx, CreateSessionRequest{Name: " notes "})
	require.NoError(t, err)
	assert.Equal(t, "notes", session.Name)

	_, err = f.service.CreateSession(ctx, CreateSessionRequest{ChainConfig: `{"datasets":["missing"]}`})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.service.CreateSession(ctx, CreateSessionRequest{Chain: &storage.ChainConfig{Model: "nope"}})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	sessions, err := f.service.ListSessions(ctx, storage.Page{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	detail, err := f.service.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, detail.APISessionID)
	assert.Empty(t, detail.Messages)

	require.NoError(t, f.service.DeleteSession(ctx, session.ID))
	_, err = f.service.GetSession(ctx, session.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStreamPersistsBothMessages(t *testing.T) {
	f := newFixture(t, "Hello there friend")
	session, err := f.service.CreateSession(context.Background(), CreateSessionRequest{})
	require.NoError(t, err)

	result, streamed := collect(t, f, TurnRequest{Query: "hi", SessionID: session.ID})
	assert.Equal(t, "Hello there friend", streamed)
	assert.Equal(t, "mock", result.Model)

	messages, err := f.store.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, storage.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, result.MessageID, messages[1].ID)
	assert.Equal(t, "Hello there friend", messages[1].Content)
}

func TestStreamValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Stream(context.Background(), TurnRequest{Query: "  ", SessionID: "x"}, nil)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.service.Stream(context.Background(), TurnRequest{Query: "hi", SessionID: "missing"}, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStreamSendsHistoryAndReloadReplacesLastAnswer(t *testing.T) {
	f := newFixture(t, "first", "second", "third")
	session, err := f.service.CreateSession(context.Background(), CreateSessionRequest{})
	require.NoError(t, err)

	first, _ := collect(t, f, TurnRequest{Query: "q1", SessionID: session.ID})
	second, _ := collect(t, f, TurnRequest{Query: "q2", SessionID: session.ID})

	requests := f.mock.Requests()
	require.Len(t, requests, 2)
	roles := []string{}
	for _, msg := range requests[1].Messages {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)

	_, err = f.service.Stream(context.Background(), TurnRequest{Query: "q1", SessionID: session.ID, ReloadID: first.MessageID}, nil)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	reloaded, streamed := collect(t, f, TurnRequest{Query: "q2 again", SessionID: session.ID, ReloadID: second.MessageID})
	assert.Equal(t, "third", streamed)

	messages, err := f.store.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "q2 again", messages[2].Content)
	assert.Equal(t, reloaded.MessageID, messages[3].ID)

	last := f.mock.Requests()[2].Messages
	assert.Equal(t, "q2 again", last[len(last)-1].Content)
	assert.Len(t, last, 4, "reloaded pair must not be sent as history")
}

// gatedClient holds every stream until release is closed.
type gatedClient struct {
	*llm.MockClient
	arrived chan struct{}
	release chan struct{}
}

func (c *gatedClient) StreamComplete(ctx context.Context, req llm.CompletionRequest, callbacks llm.StreamCallbacks) (*llm.CompletionResponse, error) {
	c.arrived <- struct{}{}
	<-c.release
	return c.MockClient.StreamComplete(ctx, req, callbacks)
}

func TestConcurrentReloadsReplaceOnce(t *testing.T) {
	f := newFixture(t, "first")
	ctx := context.Background()
	session, err := f.service.CreateSession(ctx, CreateSessionRequest{})
	require.NoError(t, err)
	first, _ := collect(t, f, TurnRequest{Query: "q1", SessionID: session.ID})

	gate := &gatedClient{
		MockClient: llm.NewMockClient("mock", "retry a", "retry b"),
		arrived:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	f.clients.Register("mock", gate)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Stream(ctx, TurnRequest{Query: "q1 again", SessionID: session.ID, ReloadID: first.MessageID}, nil)
		}(i)
	}
	<-gate.arrived
	<-gate.arrived
	close(gate.release)
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperrors.ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)

	messages, err := f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "q1 again", messages[0].Content)
	assert.NotEqual(t, first.MessageID, messages[1].ID)
}

func TestStreamInjectsRetrievedContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dataset := &storage.Dataset{ID: "ds-1", Name: "handbook", Settings: storage.DefaultDatasetSettings()}
	require.NoError(t, f.store.CreateDataset(ctx, dataset))
	_, err := f.indexer.Index(ctx, rag.IndexRequest{
		DatasetID:    dataset.ID,
		DocumentID:   "doc-1",
		DocumentName: "vacation.md",
		Content:      "Employees receive twenty five vacation days per year.",
		Splitter:     rag.SplitterConfig{Type: rag.SplitCharacter, ChunkSize: 200, ChunkOverlap: 20},
	})
	require.NoError(t, err)

	session, err := f.service.CreateSession(ctx, CreateSessionRequest{Chain: &storage.ChainConfig{Datasets: []string{"ds-1"}}})
	require.NoError(t, err)

	result, _ := collect(t, f, TurnRequest{Query: "how many vacation days", SessionID: session.ID})
	require.NotEmpty(t, result.Sources)
	assert.Equal(t, "vacation.md", result.Sources[0].DocumentName)

	system := f.mock.Requests()[0].Messages[0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "[1] vacation.md")
	assert.Contains(t, system.Content, "twenty five vacation days")
}

func TestStreamAbortDoesNotPersist(t *testing.T) {
	f := newFixture(t, "one two three")
	session, err := f.service.CreateSession(context.Background(), CreateSessionRequest{})
	require.NoError(t, err)

	gone := errors.New("client gone")
	_, err = f.service.Stream(context.Background(), TurnRequest{Query: "hi", SessionID: session.ID}, func(string) error {
		return gone
	})
	require.ErrorIs(t, err, ErrStreamAborted)

	messages, err := f.store.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestTrimHistoryHonoursLimits(t *testing.T) {
	history := []storage.Message{
		{Role: storage.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: storage.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: storage.RoleUser, Content: strings.Repeat("c", 40)},
		{Role: storage.RoleAssistant, Content: strings.Repeat("d", 40)},
	}

	// 10 tokens each with the approximate counter.
	kept := trimHistory(history, 25, 10, rag.ApproxTokenCounter)
	require.Len(t, kept, 2)
	assert.Equal(t, storage.RoleUser, kept[0].Role)

	kept = trimHistory(history, 1000, 3, rag.ApproxTokenCounter)
	require.Len(t, kept, 2, "leading assistant message is dropped")

	assert.Empty(t, trimHistory(history, 0, 10, rag.ApproxTokenCounter))
}
