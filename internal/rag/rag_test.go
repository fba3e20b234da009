package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llmops/internal/errors"
)

func TestSplitterConfigValidate(t *testing.T) {
	require.NoError(t, SplitterConfig{Type: SplitCharacter, ChunkSize: 10, ChunkOverlap: 2}.Validate())
	require.Error(t, SplitterConfig{Type: "paragraph", ChunkSize: 10}.Validate())
	require.Error(t, SplitterConfig{ChunkSize: 0}.Validate())
	require.Error(t, SplitterConfig{ChunkSize: 10, ChunkOverlap: 10}.Validate())
	require.Error(t, SplitterConfig{ChunkSize: 10, ChunkOverlap: -1}.Validate())
}

func TestCharacterSplitterRespectsSizeAndOverlap(t *testing.T) {
	splitter, err := NewSplitter(SplitterConfig{Type: SplitCharacter, ChunkSize: 40, ChunkOverlap: 15}, nil)
	require.NoError(t, err)

	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta ", 10)
	chunks := splitter.Split(text)
	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 40, chunk)
	}
	for i := 1; i < len(chunks); i++ {
		prevWords := strings.Fields(chunks[i-1])
		assert.True(t, strings.HasPrefix(chunks[i], prevWords[len(prevWords)-1]) ||
			strings.Contains(chunks[i-1], strings.Fields(chunks[i])[0]),
			"chunks %d and %d should overlap", i-1, i)
	}
}

func TestCharacterSplitterPrefersParagraphs(t *testing.T) {
	splitter, err := NewSplitter(SplitterConfig{Type: SplitCharacter, ChunkSize: 30, ChunkOverlap: 0}, nil)
	require.NoError(t, err)

	chunks := splitter.Split("first paragraph here\n\nsecond paragraph here\n\nthird")
	assert.Equal(t, []string{"first paragraph here", "second paragraph here\n\nthird"}, chunks)
}

func TestCharacterSplitterBreaksUnspacedText(t *testing.T) {
	splitter, err := NewSplitter(SplitterConfig{Type: SplitCharacter, ChunkSize: 4, ChunkOverlap: 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, splitter.Split("abcdefghij"))
}

func TestSplitterEmptyInput(t *testing.T) {
	splitter, err := NewSplitter(SplitterConfig{ChunkSize: 10}, nil)
	require.NoError(t, err)
	assert.Empty(t, splitter.Split("   \n  "))
}

func TestTokenSplitterUsesCounter(t *testing.T) {
	wordCounter := TokenCounterFunc(func(text string) int { return len(strings.Fields(text)) })
	splitter, err := NewSplitter(SplitterConfig{Type: SplitToken, ChunkSize: 5, ChunkOverlap: 1}, wordCounter)
	require.NoError(t, err)

	chunks := splitter.Split("one two three four five six seven eight nine ten\neleven twelve")
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, wordCounter(chunk), 5, chunk)
	}
	assert.Equal(t, "one two three four five", chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "five"), "overlap carries the last token")

	_, err = NewSplitter(SplitterConfig{Type: SplitToken, ChunkSize: 5}, nil)
	require.Error(t, err)
}

func TestApproxTokenCounter(t *testing.T) {
	assert.Equal(t, 0, ApproxTokenCounter.CountTokens(""))
	assert.Equal(t, 1, ApproxTokenCounter.CountTokens("abc"))
	assert.Equal(t, 2, ApproxTokenCounter.CountTokens("abcde"))
}

func TestHashEmbedderIsDeterministicAndNormalized(t *testing.T) {
	embedder := NewHashEmbedder(64)
	a, err := embedder.Embed(context.Background(), "vector databases store embeddings")
	require.NoError(t, err)
	b, err := embedder.Embed(context.Background(), "vector databases store embeddings")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestOpenAIEmbedderRetriesAndCaches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, item{Embedding: []float32{float32(i + 1), 0}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(EmbedderConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1/",
		Retry:   apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	vecs, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[1], "embeddings are normalized")
	assert.Equal(t, int32(2), calls.Load())

	_, err = embedder.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "cached text is not re-embedded")
}

func TestOpenAIEmbedderDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(EmbedderConfig{BaseURL: server.URL, Retry: apperrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIndexAndSearchAcrossDatasets(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(128)
	store, err := NewVectorStore(StoreConfig{PersistPath: t.TempDir()}, embedder)
	require.NoError(t, err)
	indexer := NewIndexer(IndexerConfig{BatchSize: 2, Concurrency: 2}, embedder, store, nil)

	n, err := indexer.Index(ctx, IndexRequest{
		DatasetID: "dataset-a", DocumentID: "doc-1", DocumentName: "go.md",
		Content:  "Goroutines are lightweight threads.\n\nChannels connect goroutines.\n\nThe scheduler multiplexes goroutines.",
		Splitter: SplitterConfig{Type: SplitCharacter, ChunkSize: 40, ChunkOverlap: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, store.Count("dataset-a"))

	_, err = indexer.Index(ctx, IndexRequest{
		DatasetID: "dataset-b", DocumentID: "doc-2", DocumentName: "cooking.md",
		Content:  "Bake bread at two hundred degrees.",
		Splitter: SplitterConfig{ChunkSize: 100},
	})
	require.NoError(t, err)

	retriever := NewRetriever(RetrieverConfig{TopK: 2}, store)
	results, err := retriever.Search(ctx, []string{"dataset-a", "dataset-b", "dataset-missing"}, "channels connect goroutines", 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-1", results[0].DocumentID)
	assert.Equal(t, "Channels connect goroutines.", results[0].Content)
	assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)

	// Larger topK than the collection holds is clamped.
	results, err = retriever.Search(ctx, []string{"dataset-b"}, "bread", 10, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Reindexing replaces old chunks.
	n, err = indexer.Index(ctx, IndexRequest{
		DatasetID: "dataset-a", DocumentID: "doc-1", DocumentName: "go.md",
		Content:  "Only one chunk now.",
		Splitter: SplitterConfig{ChunkSize: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Count("dataset-a"))

	require.NoError(t, store.DeleteDocument(ctx, "dataset-a", "doc-1"))
	assert.Equal(t, 0, store.Count("dataset-a"))

	require.NoError(t, store.DropDataset(ctx, "dataset-b"))
	assert.Equal(t, 0, store.Count("dataset-b"))
	require.NoError(t, store.DropDataset(ctx, "dataset-b"))
}

func TestFormatContext(t *testing.T) {
	assert.Empty(t, FormatContext(nil))
	out := FormatContext([]RetrievalResult{
		{DocumentName: "a.md", Content: " first "},
		{DocumentName: "b.md", Content: "second"},
	})
	assert.Equal(t, "[1] a.md\nfirst\n\n[2] b.md\nsecond", out)
}
