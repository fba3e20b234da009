package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RetrieverConfig holds retrieval configuration
type RetrieverConfig struct {
	TopK          int     // Number of results to return (default: 4)
	MinSimilarity float32 // Minimum similarity threshold (0.0-1.0)
}

// RetrievalResult is a chunk returned for a query.
type RetrievalResult struct {
	ChunkID      string  `json:"chunk_id"`
	DatasetID    string  `json:"dataset_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Content      string  `json:"content"`
	Similarity   float32 `json:"similarity"`
}

// Retriever searches indexed datasets
type Retriever struct {
	config RetrieverConfig
	store  VectorStore
}

// NewRetriever creates a new retriever
func NewRetriever(config RetrieverConfig, store VectorStore) *Retriever {
	if config.TopK <= 0 {
		config.TopK = 4
	}
	return &Retriever{config: config, store: store}
}

// Search queries datasets with the configured defaults. topK and
// minSimilarity override them when positive.
func (r *Retriever) Search(ctx context.Context, datasetIDs []string, query string, topK int, minSimilarity float32) ([]RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if len(datasetIDs) == 0 {
		return []RetrievalResult{}, nil
	}
	if topK <= 0 {
		topK = r.config.TopK
	}
	if minSimilarity <= 0 {
		minSimilarity = r.config.MinSimilarity
	}

	searchResults, err := r.store.Search(ctx, datasetIDs, query, topK, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("search store: %w", err)
	}

	results := make([]RetrievalResult, 0, len(searchResults))
	for _, sr := range searchResults {
		chunkIndex, _ := strconv.Atoi(sr.Chunk.Metadata[MetaChunkIndex])
		results = append(results, RetrievalResult{
			ChunkID:      sr.Chunk.ID,
			DatasetID:    sr.Chunk.Metadata[MetaDatasetID],
			DocumentID:   sr.Chunk.Metadata[MetaDocumentID],
			DocumentName: sr.Chunk.Metadata[MetaDocumentName],
			ChunkIndex:   chunkIndex,
			Content:      sr.Chunk.Content,
			Similarity:   sr.Similarity,
		})
	}
	return results, nil
}

// FormatContext renders retrieval results as numbered context blocks for a prompt.
func FormatContext(results []RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] %s\n%s", i+1, r.DocumentName, strings.TrimSpace(r.Content))
	}
	return sb.String()
}
