// Package chat runs chat sessions: history, retrieval from the session's
// datasets and streamed model answers.
package chat

import (
	"context"
	"strings"

	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
	"llmops/internal/logging"
	"llmops/internal/observability"
	"llmops/internal/rag"
	"llmops/internal/storage"
	id "llmops/internal/utils/id"
)

// Config tunes prompt assembly.
type Config struct {
	HistoryTokenBudget int
	HistoryMaxMessages int
	RetrievalTopK      int
	MinSimilarity      float32
	SystemPrompt       string
	Temperature        *float64 // used when the chain sets none
}

// Deps are the collaborators of a Service. Metrics and Tracer may be nil.
type Deps struct {
	Store     *storage.Store
	Models    *llm.Registry
	Clients   *llm.Factory
	Retriever *rag.Retriever
	Counter   rag.TokenCounter
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

// Service implements the chat operations.
type Service struct {
	store     *storage.Store
	models    *llm.Registry
	clients   *llm.Factory
	retriever *rag.Retriever
	counter   rag.TokenCounter
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
	logger    logging.Logger
	config    Config
}

// NewService creates a chat service.
func NewService(deps Deps, config Config) *Service {
	if config.HistoryTokenBudget <= 0 {
		config.HistoryTokenBudget = 3000
	}
	if config.HistoryMaxMessages <= 0 {
		config.HistoryMaxMessages = 20
	}
	if config.RetrievalTopK <= 0 {
		config.RetrievalTopK = 4
	}
	counter := deps.Counter
	if counter == nil {
		counter = rag.DefaultTokenCounter()
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("chat")
	}
	return &Service{
		store:     deps.Store,
		models:    deps.Models,
		clients:   deps.Clients,
		retriever: deps.Retriever,
		counter:   counter,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
		config:    config,
	}
}

// CreateSessionRequest creates a session. Chain wins over ChainConfig, which
// is a JSON string as stored by web clients and may be malformed.
type CreateSessionRequest struct {
	Name        string               `json:"name"`
	Chain       *storage.ChainConfig `json:"chain"`
	ChainConfig string               `json:"chain_config"`
}

// SessionDetail is a session with its messages.
type SessionDetail struct {
	storage.Session
	APISessionID string            `json:"api_session_id"`
	Messages     []storage.Message `json:"messages"`
}

// CreateSession stores a new session. Its ID is the api_session_id used by
// subsequent chat calls.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*storage.Session, error) {
	var chain storage.ChainConfig
	switch {
	case req.Chain != nil:
		chain = *req.Chain
	case strings.TrimSpace(req.ChainConfig) != "":
		parsed, err := ParseChainConfig(req.ChainConfig)
		if err != nil {
			return nil, err
		}
		chain = parsed
	}

	if chain.Model != "" {
		if _, err := s.models.Get(chain.Model); err != nil {
			return nil, apperrors.InvalidInput("unknown model %q in chain", chain.Model)
		}
	}
	for _, datasetID := range chain.Datasets {
		if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
			return nil, err
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "New chat"
	}
	session := &storage.Session{ID: id.NewSessionID(), Name: name, Chain: chain}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("Created session %s (datasets=%d)", session.ID, len(chain.Datasets))
	return session, nil
}

// ListSessions returns sessions, most recently active first.
func (s *Service) ListSessions(ctx context.Context, page storage.Page) ([]storage.Session, error) {
	return s.store.ListSessions(ctx, page)
}

// GetSession returns a session with its full history.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: *session, APISessionID: session.ID, Messages: messages}, nil
}

// DeleteSession removes a session and its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("Deleted session %s", sessionID)
	return nil
}
