package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llmops/internal/errors"
	"llmops/internal/observability"
)

func fastRetry() apperrors.RetryConfig {
	return apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		assert.InDelta(t, 0.1, body["temperature"], 1e-9)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient("gpt-4o-mini", Config{APIKey: "sk-test", BaseURL: server.URL + "/v1/"})
	require.NoError(t, err)

	temp := 0.1
	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages:       []Message{{Role: RoleUser, Content: "hi"}},
		Temperature:    &temp,
		ResponseFormat: FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestOpenAIClientStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`not json`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
		)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("gpt-4o-mini", Config{BaseURL: server.URL})
	require.NoError(t, err)

	var deltas []string
	finals := 0
	resp, err := client.StreamComplete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}},
		StreamCallbacks{OnContentDelta: func(d ContentDelta) {
			if d.Final {
				finals++
				return
			}
			deltas = append(deltas, d.Delta)
		}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, 1, finals)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIClientMapsHTTPErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit","message":"slow down"}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient("m", Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Contains(t, err.Error(), "rate_limit: slow down")
	var transient *apperrors.TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 7, transient.RetryAfter)

	status = http.StatusUnauthorized
	_, err = client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.False(t, apperrors.IsTransient(err))
}

func TestRetryClientRetriesTransientCompletion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	base, err := NewOpenAIClient("m", Config{BaseURL: server.URL})
	require.NoError(t, err)
	client := NewRetryClient(base, fastRetry(), nil)

	resp, err := client.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

type flakyStream struct {
	calls      int
	emitBefore bool
}

func (f *flakyStream) Model() string { return "flaky" }

func (f *flakyStream) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, errors.New("unused")
}

func (f *flakyStream) StreamComplete(_ context.Context, _ CompletionRequest, cb StreamCallbacks) (*CompletionResponse, error) {
	f.calls++
	if f.calls == 1 {
		if f.emitBefore {
			cb.OnContentDelta(ContentDelta{Delta: "partial"})
		}
		return nil, apperrors.NewTransientError(errors.New("connection reset"), 0)
	}
	cb.OnContentDelta(ContentDelta{Delta: "full"})
	cb.OnContentDelta(ContentDelta{Final: true})
	return &CompletionResponse{Content: "full"}, nil
}

func TestRetryClientStreamRetriesOnlyBeforeOutput(t *testing.T) {
	quiet := &flakyStream{}
	resp, err := NewRetryClient(quiet, fastRetry(), nil).StreamComplete(context.Background(), CompletionRequest{}, StreamCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "full", resp.Content)
	assert.Equal(t, 2, quiet.calls)

	noisy := &flakyStream{emitBefore: true}
	var seen []string
	_, err = NewRetryClient(noisy, fastRetry(), nil).StreamComplete(context.Background(), CompletionRequest{},
		StreamCallbacks{OnContentDelta: func(d ContentDelta) { seen = append(seen, d.Delta) }})
	require.Error(t, err)
	assert.Equal(t, 1, noisy.calls)
	assert.Equal(t, []string{"partial"}, seen)
}

func TestMockClientEchoAndScript(t *testing.T) {
	echo := NewMockClient("mock")
	resp, err := echo.Complete(context.Background(), CompletionRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "ping"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", resp.Content)

	scripted := NewMockClient("mock", "one", "two")
	var streamed strings.Builder
	_, err = scripted.StreamComplete(context.Background(), CompletionRequest{}, StreamCallbacks{OnContentDelta: func(d ContentDelta) {
		streamed.WriteString(d.Delta)
	}})
	require.NoError(t, err)
	assert.Equal(t, "one", streamed.String())

	for _, want := range []string{"two", "two"} {
		resp, err = scripted.Complete(context.Background(), CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Len(t, scripted.Requests(), 3)
}

func TestRegistryDefaultsAndCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - id: deepseek-chat
    provider: deepseek
    api_key_env: DEEPSEEK_KEY
    context_window: 64000
  - id: local
    provider: mock
`), 0o600))

	catalog, err := LoadCatalog(path, func(key string) (string, bool) {
		if key == "DEEPSEEK_KEY" {
			return "ds-key", true
		}
		return "", false
	})
	require.NoError(t, err)
	require.Len(t, catalog, 2)
	assert.Equal(t, "ds-key", catalog[0].APIKey)

	missing, err := LoadCatalog(filepath.Join(dir, "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, missing)

	registry, err := NewRegistry(ModelSpec{Name: "gpt-4o-mini", Provider: ProviderOpenAI}, catalog)
	require.NoError(t, err)

	models := registry.List()
	require.Len(t, models, 3)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.True(t, models[0].Default)

	spec, err := registry.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", spec.ID)

	spec, err = registry.Get("deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, 64000, spec.ContextWindow)

	_, err = registry.Get("nope")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFactoryBuildsAndCachesClients(t *testing.T) {
	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: true})
	require.NoError(t, err)
	factory := NewFactory(FactoryConfig{Retry: fastRetry(), Metrics: metrics})

	mock, err := factory.Client(ModelSpec{ID: "local", Name: "local", Provider: ProviderMock})
	require.NoError(t, err)
	again, err := factory.Client(ModelSpec{ID: "local", Name: "local", Provider: ProviderMock})
	require.NoError(t, err)
	assert.Same(t, mock, again)

	resp, err := mock.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "echo: x", resp.Content)

	_, err = factory.Client(ModelSpec{ID: "bad", Provider: "carrier-pigeon"})
	require.Error(t, err)

	openai, err := factory.Client(ModelSpec{ID: "gpt", Name: "gpt", Provider: ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "gpt", openai.Model())
}

func TestFactoryKeepsOpenAIDefaultsToOpenAI(t *testing.T) {
	var openaiCalls atomic.Int32
	openaiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		openaiCalls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"from openai"}}]}`))
	}))
	defer openaiServer.Close()

	deepseekServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.Header.Get("Authorization"), "sk-openai")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"from deepseek"}}]}`))
	}))
	defer deepseekServer.Close()

	factory := NewFactory(FactoryConfig{Retry: fastRetry(), DefaultAPIKey: "sk-openai", DefaultBaseURL: openaiServer.URL})

	apiKey, baseURL := factory.endpoint(ModelSpec{ID: "llama3", Provider: ProviderOllama})
	assert.Empty(t, apiKey)
	assert.Equal(t, DefaultBaseURL(ProviderOllama), baseURL)

	apiKey, baseURL = factory.endpoint(ModelSpec{ID: "gpt", Provider: ProviderOpenAI})
	assert.Equal(t, "sk-openai", apiKey)
	assert.Equal(t, openaiServer.URL, baseURL)

	client, err := factory.Client(ModelSpec{ID: "ds", Name: "deepseek-chat", Provider: ProviderDeepSeek, BaseURL: deepseekServer.URL})
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "from deepseek", resp.Content)
	assert.Zero(t, openaiCalls.Load())
}
