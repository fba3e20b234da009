package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is an offline client. It replays Responses in order (repeating
// the last one) or, when none are set, echoes the last user message.
type MockClient struct {
	ModelName string
	Responses []string
	Err       error

	mu       sync.Mutex
	calls    int
	requests []CompletionRequest
}

// NewMockClient creates a mock client for model.
func NewMockClient(model string, responses ...string) *MockClient {
	return &MockClient{ModelName: model, Responses: responses}
}

func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

// Requests returns the requests received so far.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

func (m *MockClient) next(req CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.calls++
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) > 0 {
		idx := min(m.calls-1, len(m.Responses)-1)
		return m.Responses[idx], nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return "echo: " + req.Messages[i].Content, nil
		}
	}
	return "echo:", nil
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := m.next(req)
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: content, StopReason: "stop", Model: m.Model(), Usage: mockUsage(req, content)}, nil
}

// StreamComplete emits the response word by word.
func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnContentDelta != nil {
		for _, piece := range strings.SplitAfter(resp.Content, " ") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if piece != "" {
				callbacks.OnContentDelta(ContentDelta{Delta: piece})
			}
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}

func mockUsage(req CompletionRequest, content string) TokenUsage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completion := len(strings.Fields(content))
	return TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
