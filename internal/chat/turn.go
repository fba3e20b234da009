package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
	"llmops/internal/observability"
	"llmops/internal/rag"
	"llmops/internal/storage"
	id "llmops/internal/utils/id"
)

// TurnRequest asks for one answer in a session. With ReloadID the referenced
// assistant message, which must be the last message of the session, is
// regenerated for Query.
type TurnRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	ReloadID  string `json:"reload_id"`
	Model     string `json:"model"`
}

// TurnResult describes the persisted outcome of a turn.
type TurnResult struct {
	MessageID     string                `json:"id"`
	UserMessageID string                `json:"user_message_id"`
	Content       string                `json:"content"`
	Model         string                `json:"model"`
	Usage         llm.TokenUsage        `json:"usage"`
	Sources       []rag.RetrievalResult `json:"sources,omitempty"`
}

// DeltaFunc receives streamed answer text. Returning an error aborts the turn.
type DeltaFunc func(delta string) error

// ErrStreamAborted is returned when the delta consumer gives up.
var ErrStreamAborted = errors.New("stream aborted by consumer")

// Stream runs one chat turn, forwarding model output to onDelta as it
// arrives. The user and assistant messages are stored only after the model
// finished successfully.
func (s *Service) Stream(ctx context.Context, req TurnRequest, onDelta DeltaFunc) (result *TurnResult, err error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperrors.InvalidInput("query is required")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, apperrors.InvalidInput("session_id is required")
	}

	ctx = id.WithSessionID(ctx, req.SessionID)
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanChatTurn)
	defer func() {
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.RecordChatTurn(ctx, "error")
		} else {
			s.metrics.RecordChatTurn(ctx, "success")
		}
		span.End()
	}()

	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	var replaced []string
	if req.ReloadID != "" {
		history, replaced, err = dropReloaded(history, req.ReloadID)
		if err != nil {
			return nil, err
		}
	}

	modelID := req.Model
	if modelID == "" {
		modelID = session.Chain.Model
	}
	spec, err := s.models.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.Client(spec)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", spec.ID, err)
	}
	span.SetAttributes(attribute.String(observability.AttrModel, spec.ID))

	sources, err := s.retrieve(ctx, session.Chain, query)
	if err != nil {
		return nil, err
	}

	completion := llm.CompletionRequest{
		Messages:    s.buildMessages(session.Chain, history, sources, query),
		Temperature: s.temperature(session.Chain),
		MaxTokens:   spec.MaxTokens,
		Metadata:    map[string]any{"request_id": id.RequestIDFromContext(ctx)},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var consumerErr error
	callbacks := llm.StreamCallbacks{OnContentDelta: func(delta llm.ContentDelta) {
		if delta.Final || delta.Delta == "" || consumerErr != nil {
			return
		}
		if onDelta == nil {
			return
		}
		if err := onDelta(delta.Delta); err != nil {
			consumerErr = err
			cancel()
		}
	}}

	s.metrics.IncrementActiveStreams(ctx)
	started := time.Now()
	resp, err := client.StreamComplete(streamCtx, completion, callbacks)
	s.metrics.DecrementActiveStreams(ctx)

	if consumerErr != nil {
		s.logger.Warn("Session %s: stream consumer stopped after %v: %v", session.ID, time.Since(started), consumerErr)
		return nil, fmt.Errorf("%w: %v", ErrStreamAborted, consumerErr)
	}
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	userMsg := &storage.Message{ID: id.NewMessageID(), SessionID: session.ID, Role: storage.RoleUser, Content: query}
	assistantMsg := &storage.Message{ID: id.NewMessageID(), SessionID: session.ID, Role: storage.RoleAssistant, Content: resp.Content}

	// The answer is already delivered; store it even if the client left.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.ReplaceMessages(persistCtx, session.ID, replaced, userMsg, assistantMsg); err != nil {
		return nil, err
	}

	s.logger.Info("Session %s: answered with %s in %v (%d+%d tokens, %d sources)",
		session.ID, spec.ID, time.Since(started), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, len(sources))

	return &TurnResult{
		MessageID:     assistantMsg.ID,
		UserMessageID: userMsg.ID,
		Content:       resp.Content,
		Model:         spec.ID,
		Usage:         resp.Usage,
		Sources:       sources,
	}, nil
}

// dropReloaded removes the reloaded assistant message and the user message
// that prompted it from history, returning their IDs.
func dropReloaded(history []storage.Message, reloadID string) ([]storage.Message, []string, error) {
	last := len(history) - 1
	if last < 0 || history[last].ID != reloadID {
		return nil, nil, apperrors.InvalidInput("message %s is not the last message of the session", reloadID)
	}
	if history[last].Role != storage.RoleAssistant {
		return nil, nil, apperrors.InvalidInput("message %s is not an assistant message", reloadID)
	}

	removed := []string{history[last].ID}
	history = history[:last]
	if n := len(history); n > 0 && history[n-1].Role == storage.RoleUser {
		removed = append(removed, history[n-1].ID)
		history = history[:n-1]
	}
	return history, removed, nil
}

func (s *Service) temperature(chain storage.ChainConfig) *float64 {
	if chain.Temperature != nil {
		return chain.Temperature
	}
	return s.config.Temperature
}

func (s *Service) retrieve(ctx context.Context, chain storage.ChainConfig, query string) ([]rag.RetrievalResult, error) {
	if len(chain.Datasets) == 0 || s.retriever == nil {
		return nil, nil
	}
	topK := chain.TopK
	if topK <= 0 {
		topK = s.config.RetrievalTopK
	}
	results, err := s.retriever.Search(ctx, chain.Datasets, query, topK, s.config.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	return results, nil
}
