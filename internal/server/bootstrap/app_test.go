package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmops/internal/config"
	"llmops/internal/llm"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Mode = "test"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.LLM.Provider = llm.ProviderMock
	cfg.LLM.Model = "mock"
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimensions = 32
	cfg.Storage.DataDir = t.TempDir()
	cfg.Chat.TokenCounter = "approx"
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestBuildMountsRouteGroupsInOrder(t *testing.T) {
	app := buildApp(t, testConfig(t))

	names := make([]string, 0, len(app.Modules))
	for _, module := range app.Modules {
		names = append(names, module.Name())
	}
	assert.Equal(t, []string{"chat", "dataset", "model"}, names)

	routes := map[string]bool{}
	for _, route := range app.Routes() {
		routes[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{"POST /chat", "GET /chat/sessions", "GET /dataset", "POST /dataset/:dataset_id/search", "POST /model/:model_id/invoke"} {
		assert.True(t, routes[want], want)
	}
	assert.FileExists(t, filepath.Join(app.Config.Storage.DataDir, "llmops.db"))
}

func TestRunServesUntilCancelled(t *testing.T) {
	app := buildApp(t, testConfig(t))

	addr, err := app.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/model", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"mock"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = occupied.Close() }()

	cfg := testConfig(t)
	cfg.Server.Port = occupied.Addr().(*net.TCPAddr).Port
	app := buildApp(t, cfg)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestBrokenModelCatalogDegradesInsteadOfFailing(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.ModelsFile = filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(cfg.LLM.ModelsFile, []byte("models: [unterminated"), 0o600))

	app := buildApp(t, cfg)
	assert.Contains(t, app.Degraded.Map(), "model-catalog")
	assert.Len(t, app.Models.List(), 1)
}

func TestNonOpenAIProviderUsesItsOwnEndpoint(t *testing.T) {
	dataDir := t.TempDir()
	env := map[string]string{
		"LLMOPS_LLM_PROVIDER":       "ollama",
		"LLMOPS_LLM_MODEL":          "llama3",
		"OPENAI_API_KEY":            "sk-openai",
		"LLMOPS_EMBEDDING_PROVIDER": "hash",
		"LLMOPS_STORAGE_DATA_DIR":   dataDir,
		"LLMOPS_CHAT_TOKEN_COUNTER": "approx",
		"LLMOPS_SERVER_PORT":        "0",
		"LLMOPS_SERVER_MODE":        "test",
		"LLMOPS_LOG_LEVEL":          "error",
	}
	cfg, err := config.Load(config.LoadOptions{
		EnvFiles: []string{},
		LookupEnv: func(key string) (string, bool) {
			value, ok := env[key]
			return value, ok
		},
	})
	require.NoError(t, err)

	app := buildApp(t, *cfg)
	spec, err := app.Models.Default()
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOllama, spec.Provider)
	assert.Empty(t, spec.BaseURL)
	assert.Empty(t, spec.APIKey)
}

func TestBuildFailsOnUnknownEmbeddingProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Provider = "carrier-pigeon"

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required stage "vectors" failed`)
}

func TestRunStages(t *testing.T) {
	degraded := NewDegradedComponents()
	var ran []string

	err := RunStages([]Stage{
		{Name: "optional", Init: func() error { ran = append(ran, "optional"); return errors.New("flaky") }},
		{Name: "required", Required: true, Init: func() error { ran = append(ran, "required"); return nil }},
	}, degraded, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"optional", "required"}, ran)
	assert.Equal(t, map[string]string{"optional": "flaky"}, degraded.Map())

	err = RunStages([]Stage{
		{Name: "boom", Required: true, Init: func() error { return errors.New("no disk") }},
		{Name: "never", Required: true, Init: func() error { t.Fatal("must not run"); return nil }},
	}, degraded, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no disk")
}
