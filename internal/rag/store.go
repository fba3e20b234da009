package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	chromem "github.com/philippgille/chromem-go"
)

// Metadata keys attached to every stored chunk.
const (
	MetaDatasetID    = "dataset_id"
	MetaDocumentID   = "document_id"
	MetaDocumentName = "document_name"
	MetaChunkIndex   = "chunk_index"
)

// StoreConfig holds vector store configuration
type StoreConfig struct {
	PersistPath string // Directory to persist collections; empty keeps them in memory
	Compress    bool
}

// Chunk is an embedded piece of a document.
type Chunk struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// SearchResult represents a search result
type SearchResult struct {
	Chunk      Chunk
	Similarity float32 // cosine similarity, higher is better
}

// VectorStore keeps one collection of chunks per dataset.
type VectorStore interface {
	// Add stores pre-embedded chunks in the dataset's collection.
	Add(ctx context.Context, datasetID string, chunks []Chunk) error

	// Search queries the given datasets and returns the best topK results overall.
	Search(ctx context.Context, datasetIDs []string, query string, topK int, minSimilarity float32) ([]SearchResult, error)

	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, datasetID, documentID string) error

	// DropDataset removes the dataset's collection.
	DropDataset(ctx context.Context, datasetID string) error

	// Count returns the number of chunks stored for a dataset.
	Count(datasetID string) int
}

// chromemStore implements VectorStore using chromem-go
type chromemStore struct {
	db       *chromem.DB
	embedder Embedder
}

// NewVectorStore creates a new vector store
func NewVectorStore(config StoreConfig, embedder Embedder) (VectorStore, error) {
	var db *chromem.DB
	var err error

	if config.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Clean(config.PersistPath), config.Compress)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &chromemStore{db: db, embedder: embedder}, nil
}

func (s *chromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

func (s *chromemStore) collection(datasetID string, create bool) (*chromem.Collection, error) {
	if !create {
		return s.db.GetCollection(datasetID, s.embeddingFunc()), nil
	}
	col, err := s.db.GetOrCreateCollection(datasetID, map[string]string{MetaDatasetID: datasetID}, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", datasetID, err)
	}
	return col, nil
}

// Add adds chunks to the dataset collection
func (s *chromemStore) Add(ctx context.Context, datasetID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	col, err := s.collection(datasetID, true)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Content,
			Embedding: chunk.Embedding,
			Metadata:  chunk.Metadata,
		}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add chunks to %s: %w", datasetID, err)
	}
	return nil
}

// Search performs similarity search across the given datasets
func (s *chromemStore) Search(ctx context.Context, datasetIDs []string, query string, topK int, minSimilarity float32) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	var merged []SearchResult
	for _, datasetID := range datasetIDs {
		col, err := s.collection(datasetID, false)
		if err != nil {
			return nil, err
		}
		if col == nil || col.Count() == 0 {
			continue
		}

		// chromem rejects nResults larger than the collection.
		n := topK
		if count := col.Count(); n > count {
			n = count
		}

		results, err := col.Query(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query collection %s: %w", datasetID, err)
		}

		for _, r := range results {
			if r.Similarity < minSimilarity {
				continue
			}
			merged = append(merged, SearchResult{
				Chunk: Chunk{
					ID:        r.ID,
					Content:   r.Content,
					Embedding: r.Embedding,
					Metadata:  r.Metadata,
				},
				Similarity: r.Similarity,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// DeleteDocument removes a document's chunks by metadata
func (s *chromemStore) DeleteDocument(ctx context.Context, datasetID, documentID string) error {
	col, err := s.collection(datasetID, false)
	if err != nil || col == nil {
		return err
	}
	if col.Count() == 0 {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{MetaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// DropDataset deletes the dataset collection
func (s *chromemStore) DropDataset(_ context.Context, datasetID string) error {
	if s.db.GetCollection(datasetID, s.embeddingFunc()) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(datasetID); err != nil {
		return fmt.Errorf("drop collection %s: %w", datasetID, err)
	}
	return nil
}

// Count returns the chunk count of a dataset
func (s *chromemStore) Count(datasetID string) int {
	col := s.db.GetCollection(datasetID, s.embeddingFunc())
	if col == nil {
		return 0
	}
	return col.Count()
}
