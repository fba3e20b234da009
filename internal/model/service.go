// Package model exposes the configured LLM catalog and direct invocation.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
	"llmops/internal/logging"
	id "llmops/internal/utils/id"
)

// Service lists and invokes models.
type Service struct {
	models  *llm.Registry
	clients *llm.Factory
	logger  logging.Logger
}

// NewService creates a model service.
func NewService(models *llm.Registry, clients *llm.Factory, logger logging.Logger) *Service {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("model")
	}
	return &Service{models: models, clients: clients, logger: logger}
}

// InvokeRequest is a one-shot completion. Prompt is shorthand for a single
// user message and is appended after Messages.
type InvokeRequest struct {
	Messages       []llm.Message `json:"messages"`
	Prompt         string        `json:"prompt"`
	System         string        `json:"system"`
	Temperature    *float64      `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens      int           `json:"max_tokens" binding:"omitempty,gte=0"`
	ResponseFormat string        `json:"response_format" binding:"omitempty,oneof=text json"`
}

// InvokeResult is the model answer. JSON is set for json responses.
type InvokeResult struct {
	Model      string          `json:"model"`
	Content    string          `json:"content"`
	JSON       json.RawMessage `json:"json,omitempty"`
	Repaired   bool            `json:"repaired,omitempty"`
	StopReason string          `json:"stop_reason"`
	Usage      llm.TokenUsage  `json:"usage"`
}

// List returns every configured model, default first.
func (s *Service) List() []llm.ModelSpec {
	return s.models.List()
}

// Get returns one model.
func (s *Service) Get(modelID string) (llm.ModelSpec, error) {
	return s.models.Get(modelID)
}

// Invoke runs a completion against modelID.
func (s *Service) Invoke(ctx context.Context, modelID string, req InvokeRequest) (*InvokeResult, error) {
	spec, err := s.models.Get(modelID)
	if err != nil {
		return nil, err
	}

	messages, err := buildMessages(req)
	if err != nil {
		return nil, err
	}

	client, err := s.clients.Client(spec)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", spec.ID, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = spec.MaxTokens
	}
	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages:       messages,
		Temperature:    req.Temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: req.ResponseFormat,
		Metadata:       map[string]any{"request_id": id.RequestIDFromContext(ctx)},
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", spec.ID, err)
	}

	result := &InvokeResult{
		Model:      spec.ID,
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}
	if req.ResponseFormat == llm.FormatJSON {
		raw, repaired, err := ParseJSONOutput(resp.Content)
		if err != nil {
			return nil, apperrors.NewAPIError(http.StatusBadGateway, fmt.Sprintf("model %s returned unusable JSON: %v", spec.ID, err))
		}
		result.JSON = raw
		result.Repaired = repaired
		if repaired {
			s.logger.Debug("Repaired JSON output of %s", spec.ID)
		}
	}
	return result, nil
}

func buildMessages(req InvokeRequest) ([]llm.Message, error) {
	messages := make([]llm.Message, 0, len(req.Messages)+2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, apperrors.InvalidInput("messages[%d]: unknown role %q", i, msg.Role)
		}
		messages = append(messages, msg)
	}
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	}
	if len(messages) == 0 || messages[len(messages)-1].Role == llm.RoleSystem {
		return nil, apperrors.InvalidInput("messages or prompt is required")
	}
	return messages, nil
}

// ParseJSONOutput extracts a JSON value from model output, stripping code
// fences and repairing malformed JSON. repaired reports whether repair was needed.
func ParseJSONOutput(content string) (raw json.RawMessage, repaired bool, err error) {
	text := stripCodeFence(content)
	if text == "" {
		return nil, false, fmt.Errorf("empty output")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), false, nil
	}

	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, false, err
	}
	if !json.Valid([]byte(fixed)) {
		return nil, false, fmt.Errorf("repair produced invalid JSON")
	}
	return json.RawMessage(fixed), true, nil
}

func stripCodeFence(content string) string {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(text, '\n'); newline >= 0 {
		text = text[newline+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
