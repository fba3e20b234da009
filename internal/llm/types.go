package llm

import (
	"context"
	"time"
)

// Message roles understood by OpenAI-compatible APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Response formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	Messages       []Message
	Temperature    *float64
	MaxTokens      int
	ResponseFormat string // text (default) or json
	Stop           []string
	Metadata       map[string]any
}

// TokenUsage reports token accounting for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the aggregated model output.
type CompletionResponse struct {
	Content    string         `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      TokenUsage     `json:"usage"`
	Model      string         `json:"model"`
	Metadata   map[string]any `json:"-"`
}

// ContentDelta is one streamed piece of output. The last delta has Final set.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receives streamed output.
type StreamCallbacks struct {
	OnContentDelta func(ContentDelta)
}

// Client is a chat completion client bound to one model.
type Client interface {
	Model() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
}

// Provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderDeepSeek   = "deepseek"
	ProviderOllama     = "ollama"
	ProviderMock       = "mock"
)

// Config configures one client.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

// DefaultBaseURL returns the public endpoint of an OpenAI-compatible provider.
func DefaultBaseURL(provider string) string {
	switch provider {
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1"
	case ProviderOllama:
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func extractRequestID(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["request_id"].(string); ok {
		return v
	}
	return ""
}
