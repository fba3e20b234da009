package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llmops/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "llmops.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tick := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return store
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "llmops.db")
	store, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer store.Close()

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	temp := 0.2
	session := &Session{ID: "session-1", Name: "first", Chain: ChainConfig{Model: "gpt-4o-mini", Datasets: []string{"dataset-1"}, Temperature: &temp}}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.CreateSession(ctx, &Session{ID: "session-2", Name: "second"}))

	err := store.CreateSession(ctx, &Session{ID: "session-1", Name: "dup"})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	loaded, err := store.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dataset-1"}, loaded.Chain.Datasets)
	require.NotNil(t, loaded.Chain.Temperature)
	assert.InDelta(t, 0.2, *loaded.Chain.Temperature, 1e-9)

	require.NoError(t, store.AppendMessages(ctx,
		&Message{ID: "msg-1", SessionID: "session-1", Role: RoleUser, Content: "hi"},
		&Message{ID: "msg-2", SessionID: "session-1", Role: RoleAssistant, Content: "hello"},
	))

	sessions, err := store.ListSessions(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "session-1", sessions[0].ID, "appending messages bumps the session")

	messages, err := store.ListMessages(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-1", messages[0].ID)
	assert.Equal(t, RoleAssistant, messages[1].Role)

	require.NoError(t, store.ReplaceMessages(ctx, "session-1", []string{"msg-2"},
		&Message{ID: "msg-3", SessionID: "session-1", Role: RoleAssistant, Content: "hello again"}))
	messages, err = store.ListMessages(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-3", messages[1].ID)

	err = store.ReplaceMessages(ctx, "session-1", []string{"msg-2"},
		&Message{ID: "msg-4", SessionID: "session-1", Role: RoleAssistant, Content: "stale"})
	require.ErrorIs(t, err, apperrors.ErrConflict)
	messages, err = store.ListMessages(ctx, "session-1")
	require.NoError(t, err)
	assert.Len(t, messages, 2, "a failed replace leaves the session untouched")

	require.NoError(t, store.DeleteSession(ctx, "session-1"))
	_, err = store.GetSession(ctx, "session-1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	require.ErrorIs(t, store.DeleteSession(ctx, "session-1"), apperrors.ErrNotFound)

	messages, err = store.ListMessages(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDatasetLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ds := &Dataset{ID: "dataset-1", Name: "docs", Settings: DefaultDatasetSettings()}
	require.NoError(t, store.CreateDataset(ctx, ds))
	require.ErrorIs(t, store.CreateDataset(ctx, &Dataset{ID: "dataset-2", Name: "docs", Settings: DefaultDatasetSettings()}), apperrors.ErrConflict)

	doc := &Document{ID: "doc-1", DatasetID: ds.ID, Name: "readme", Source: SourceText, Content: "hello world"}
	require.NoError(t, store.CreateDocument(ctx, doc))
	assert.Equal(t, DocumentPending, doc.Status)

	err := store.CreateDocument(ctx, &Document{ID: "doc-x", DatasetID: "missing", Name: "x", Source: SourceText, Content: "x"})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.UpdateDocumentStatus(ctx, "doc-1", DocumentIndexed, 3, ""))
	loadedDoc, err := store.GetDocument(ctx, ds.ID, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, loadedDoc.ChunkCount)
	assert.Equal(t, "hello world", loadedDoc.Content)

	settings := DatasetSettings{SplitType: SplitToken, ChunkSize: 200, ChunkOverlap: 20}
	require.NoError(t, store.UpdateDatasetSettings(ctx, ds.ID, settings))
	loaded, err := store.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, settings, loaded.Settings)
	assert.Equal(t, 1, loaded.DocumentCount)

	list, err := store.ListDatasets(ctx, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteDataset(ctx, ds.ID))
	docs, err := store.ListDocuments(ctx, ds.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, err = store.GetDataset(ctx, ds.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}
