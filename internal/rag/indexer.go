package rag

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	id "llmops/internal/utils/id"
)

// IndexerConfig holds indexing configuration
type IndexerConfig struct {
	BatchSize   int // Chunks per embeddings request (default 64, max MaxEmbedBatch)
	Concurrency int // Embedding requests in flight per document (default 4)
}

// IndexRequest describes one document to index.
type IndexRequest struct {
	DatasetID    string
	DocumentID   string
	DocumentName string
	Content      string
	Splitter     SplitterConfig
}

// Indexer splits documents, embeds the chunks and writes them to the vector store.
type Indexer struct {
	config   IndexerConfig
	embedder Embedder
	store    VectorStore
	counter  TokenCounter
}

// NewIndexer creates a new indexer. counter backs token splitting.
func NewIndexer(config IndexerConfig, embedder Embedder, store VectorStore, counter TokenCounter) *Indexer {
	if config.BatchSize <= 0 || config.BatchSize > MaxEmbedBatch {
		config.BatchSize = 64
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if counter == nil {
		counter = ApproxTokenCounter
	}
	return &Indexer{config: config, embedder: embedder, store: store, counter: counter}
}

// Split exposes the splitter an index request would use.
func (idx *Indexer) Split(req IndexRequest) ([]string, error) {
	splitter, err := NewSplitter(req.Splitter, idx.counter)
	if err != nil {
		return nil, err
	}
	return splitter.Split(req.Content), nil
}

// Index replaces the document's chunks in the store and returns how many were written.
func (idx *Indexer) Index(ctx context.Context, req IndexRequest) (int, error) {
	texts, err := idx.Split(req)
	if err != nil {
		return 0, err
	}

	if err := idx.store.DeleteDocument(ctx, req.DatasetID, req.DocumentID); err != nil {
		return 0, err
	}
	if len(texts) == 0 {
		return 0, nil
	}

	embeddings := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.config.Concurrency)

	for start := 0; start < len(texts); start += idx.config.BatchSize {
		end := min(start+idx.config.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := idx.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
			}
			copy(embeddings[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:        id.ChunkID(req.DocumentID, i),
			Content:   text,
			Embedding: embeddings[i],
			Metadata: map[string]string{
				MetaDatasetID:    req.DatasetID,
				MetaDocumentID:   req.DocumentID,
				MetaDocumentName: req.DocumentName,
				MetaChunkIndex:   strconv.Itoa(i),
			},
		}
	}

	if err := idx.store.Add(ctx, req.DatasetID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
