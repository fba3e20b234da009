package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
)

func newTestService(t *testing.T, responses ...string) (*Service, *llm.MockClient) {
	t.Helper()
	registry, err := llm.NewRegistry(llm.ModelSpec{ID: "mock", Provider: llm.ProviderMock, MaxTokens: 256},
		[]llm.ModelSpec{{ID: "other", Provider: llm.ProviderMock}})
	require.NoError(t, err)
	factory := llm.NewFactory(llm.FactoryConfig{})
	mock := llm.NewMockClient("mock", responses...)
	factory.Register("mock", mock)
	return NewService(registry, factory, nil), mock
}

func TestListAndGet(t *testing.T) {
	service, _ := newTestService(t)

	models := service.List()
	require.Len(t, models, 2)
	assert.Equal(t, "mock", models[0].ID)
	assert.True(t, models[0].Default)

	spec, err := service.Get("other")
	require.NoError(t, err)
	assert.False(t, spec.Default)

	_, err = service.Get("nope")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInvokeText(t *testing.T) {
	service, mock := newTestService(t)

	result, err := service.Invoke(context.Background(), "mock", InvokeRequest{System: "be terse", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", result.Content)
	assert.Nil(t, result.JSON)

	sent := mock.Requests()[0]
	assert.Equal(t, 256, sent.MaxTokens)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, llm.RoleSystem, sent.Messages[0].Role)

	_, err = service.Invoke(context.Background(), "mock", InvokeRequest{System: "only system"})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = service.Invoke(context.Background(), "mock", InvokeRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = service.Invoke(context.Background(), "missing", InvokeRequest{Prompt: "x"})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInvokeJSONRepairsOutput(t *testing.T) {
	service, mock := newTestService(t, "```json\n{'city': 'Paris', 'tags': ['a', 'b',],}\n```")

	result, err := service.Invoke(context.Background(), "mock", InvokeRequest{Prompt: "city?", ResponseFormat: llm.FormatJSON})
	require.NoError(t, err)
	assert.True(t, result.Repaired)
	assert.JSONEq(t, `{"city":"Paris","tags":["a","b"]}`, string(result.JSON))
	assert.Equal(t, llm.FormatJSON, mock.Requests()[0].ResponseFormat)
}

func TestParseJSONOutput(t *testing.T) {
	raw, repaired, err := ParseJSONOutput(` {"ok": true} `)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	raw, repaired, err = ParseJSONOutput(`{"items": [1, 2`)
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.JSONEq(t, `{"items":[1,2]}`, string(raw))

	_, _, err = ParseJSONOutput("   ")
	require.Error(t, err)
}
