// Package dataset manages datasets of documents and their vector index.
package dataset

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "llmops/internal/errors"
	"llmops/internal/logging"
	"llmops/internal/observability"
	"llmops/internal/rag"
	"llmops/internal/storage"
	id "llmops/internal/utils/id"
)

// Deps are the collaborators of a Service. HTTPClient, Metrics and Tracer may be nil.
type Deps struct {
	Store      *storage.Store
	Vectors    rag.VectorStore
	Indexer    *rag.Indexer
	Retriever  *rag.Retriever
	HTTPClient *http.Client
	Metrics    *observability.MetricsCollector
	Tracer     *observability.TracerProvider
	Logger     logging.Logger
}

// Service implements the dataset operations.
type Service struct {
	store     *storage.Store
	vectors   rag.VectorStore
	indexer   *rag.Indexer
	retriever *rag.Retriever
	fetcher   *fetcher
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
	logger    logging.Logger
}

// NewService creates a dataset service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("dataset")
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		store:     deps.Store,
		vectors:   deps.Vectors,
		indexer:   deps.Indexer,
		retriever: deps.Retriever,
		fetcher:   &fetcher{client: client},
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
	}
}

// CreateRequest creates a dataset. Missing settings fall back to the defaults.
type CreateRequest struct {
	Name        string                   `json:"name" binding:"required"`
	Description string                   `json:"description"`
	Settings    *storage.DatasetSettings `json:"settings"`
}

// AddDocumentRequest adds a document either from inline content or from a URL.
type AddDocumentRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	URL     string `json:"url" binding:"omitempty,url"`
}

// SearchRequest queries one dataset.
type SearchRequest struct {
	Query         string  `json:"query"`
	TopK          int     `json:"top_k" binding:"omitempty,gte=0,lte=50"`
	MinSimilarity float32 `json:"min_similarity" binding:"omitempty,gte=0,lte=1"`
}

// ResolveSettings fills unset fields from the defaults and validates the result.
func ResolveSettings(settings *storage.DatasetSettings) (storage.DatasetSettings, error) {
	return mergeSettings(storage.DefaultDatasetSettings(), settings)
}

// mergeSettings overlays the fields set in update onto base. An overlap is
// taken from update whenever update sets a chunk size or a non-zero overlap.
func mergeSettings(base storage.DatasetSettings, update *storage.DatasetSettings) (storage.DatasetSettings, error) {
	resolved := base
	if update != nil {
		if update.SplitType != "" {
			resolved.SplitType = update.SplitType
		}
		if update.ChunkSize > 0 {
			resolved.ChunkSize = update.ChunkSize
		}
		if update.ChunkSize > 0 || update.ChunkOverlap != 0 {
			resolved.ChunkOverlap = update.ChunkOverlap
		}
	}
	if err := splitterConfig(resolved).Validate(); err != nil {
		return resolved, apperrors.InvalidInput("%v", err)
	}
	return resolved, nil
}

func splitterConfig(settings storage.DatasetSettings) rag.SplitterConfig {
	return rag.SplitterConfig{
		Type:         settings.SplitType,
		ChunkSize:    settings.ChunkSize,
		ChunkOverlap: settings.ChunkOverlap,
	}
}

// Create stores a new dataset.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Dataset, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.InvalidInput("name is required")
	}
	settings, err := ResolveSettings(req.Settings)
	if err != nil {
		return nil, err
	}

	ds := &storage.Dataset{
		ID:          id.NewDatasetID(),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Settings:    settings,
	}
	if err := s.store.CreateDataset(ctx, ds); err != nil {
		return nil, err
	}
	s.logger.Info("Created dataset %s (%s, %s %d/%d)", ds.ID, ds.Name, settings.SplitType, settings.ChunkSize, settings.ChunkOverlap)
	return ds, nil
}

// List returns datasets, newest first.
func (s *Service) List(ctx context.Context, page storage.Page) ([]storage.Dataset, error) {
	datasets, err := s.store.ListDatasets(ctx, page)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		datasets[i].ChunkCount = s.vectors.Count(datasets[i].ID)
	}
	return datasets, nil
}

// Get returns one dataset.
func (s *Service) Get(ctx context.Context, datasetID string) (*storage.Dataset, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	ds.ChunkCount = s.vectors.Count(ds.ID)
	return ds, nil
}

// UpdateSettings overlays the given splitter settings on the current ones and
// re-indexes every document. Settings are stored only once re-indexing succeeds.
func (s *Service) UpdateSettings(ctx context.Context, datasetID string, settings storage.DatasetSettings) (*storage.Dataset, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	resolved, err := mergeSettings(ds.Settings, &settings)
	if err != nil {
		return nil, err
	}

	docs, err := s.store.ListDocuments(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if _, err := s.index(ctx, &docs[i], resolved); err != nil {
			s.restore(ctx, docs[:i+1], ds.Settings)
			return nil, err
		}
	}
	if err := s.store.UpdateDatasetSettings(ctx, datasetID, resolved); err != nil {
		s.restore(ctx, docs, ds.Settings)
		return nil, err
	}
	s.logger.Info("Re-indexed %d documents of dataset %s", len(docs), datasetID)
	return s.Get(ctx, datasetID)
}

// restore re-indexes docs with the settings still stored for their dataset.
func (s *Service) restore(ctx context.Context, docs []storage.Document, settings storage.DatasetSettings) {
	ctx = context.WithoutCancel(ctx)
	for i := range docs {
		if _, err := s.index(ctx, &docs[i], settings); err != nil {
			s.logger.Warn("Failed to restore document %s of dataset %s: %v", docs[i].ID, docs[i].DatasetID, err)
		}
	}
}

func (s *Service) Delete(ctx context.Context, datasetID string) error {
	if err := s.store.DeleteDataset(ctx, datasetID); err != nil {
		return err
	}
	if err := s.vectors.DropDataset(ctx, datasetID); err != nil {
		return err
	}
	s.logger.Info("Deleted dataset %s", datasetID)
	return nil
}

// AddDocument stores a document and indexes it. A document whose indexing
// fails is kept with status failed and the error is returned.
func (s *Service) AddDocument(ctx context.Context, datasetID string, req AddDocumentRequest) (*storage.Document, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	doc := &storage.Document{
		ID:        id.NewDocumentID(),
		DatasetID: datasetID,
		Name:      strings.TrimSpace(req.Name),
		Source:    storage.SourceText,
		Content:   req.Content,
	}

	switch {
	case strings.TrimSpace(req.URL) != "":
		page, err := s.fetcher.Fetch(ctx, strings.TrimSpace(req.URL))
		if err != nil {
			return nil, err
		}
		doc.Source = storage.SourceURL
		doc.URL = page.URL
		doc.Content = page.Text
		if doc.Name == "" {
			doc.Name = page.Title
		}
		if doc.Name == "" {
			doc.Name = page.URL
		}
	case strings.TrimSpace(req.Content) != "":
		if doc.Name == "" {
			return nil, apperrors.InvalidInput("name is required for inline content")
		}
	default:
		return nil, apperrors.InvalidInput("either content or url is required")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, apperrors.InvalidInput("document %q has no text content", doc.Name)
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return s.index(ctx, doc, ds.Settings)
}

func (s *Service) index(ctx context.Context, doc *storage.Document, settings storage.DatasetSettings) (result *storage.Document, err error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanDatasetIndex,
		attribute.String(observability.AttrDatasetID, doc.DatasetID))
	started := time.Now()
	chunks := 0
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.SetAttributes(observability.ErrorAttrs(err)...)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.RecordDocumentIndexed(ctx, doc.DatasetID, status, chunks, time.Since(started))
		span.End()
	}()

	chunks, err = s.indexer.Index(ctx, rag.IndexRequest{
		DatasetID:    doc.DatasetID,
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		Content:      doc.Content,
		Splitter:     splitterConfig(settings),
	})
	if err != nil {
		doc.Status = storage.DocumentFailed
		doc.Error = err.Error()
		doc.ChunkCount = 0
		if updateErr := s.store.UpdateDocumentStatus(context.WithoutCancel(ctx), doc.ID, doc.Status, 0, doc.Error); updateErr != nil {
			s.logger.Warn("Failed to mark document %s as failed: %v", doc.ID, updateErr)
		}
		return nil, err
	}

	doc.Status = storage.DocumentIndexed
	doc.Error = ""
	doc.ChunkCount = chunks
	if err := s.store.UpdateDocumentStatus(ctx, doc.ID, doc.Status, chunks, ""); err != nil {
		return nil, err
	}
	s.logger.Debug("Indexed document %s into %s: %d chunks in %v", doc.ID, doc.DatasetID, chunks, time.Since(started))
	return doc, nil
}

// ListDocuments returns the documents of a dataset.
func (s *Service) ListDocuments(ctx context.Context, datasetID string) ([]storage.Document, error) {
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, datasetID)
}

// DeleteDocument removes a document and its chunks.
func (s *Service) DeleteDocument(ctx context.Context, datasetID, documentID string) error {
	if err := s.store.DeleteDocument(ctx, datasetID, documentID); err != nil {
		return err
	}
	return s.vectors.DeleteDocument(ctx, datasetID, documentID)
}

// Search returns the chunks of a dataset most similar to the query.
func (s *Service) Search(ctx context.Context, datasetID string, req SearchRequest) ([]rag.RetrievalResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.InvalidInput("query is required")
	}
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartSpan(ctx, observability.SpanDatasetSearch,
		attribute.String(observability.AttrDatasetID, datasetID))
	defer span.End()

	results, err := s.retriever.Search(ctx, []string{datasetID}, req.Query, req.TopK, req.MinSimilarity)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return results, nil
}
