package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutesCommandPrintsMountedGroups(t *testing.T) {
	color.NoColor = true
	t.Setenv("LLMOPS_STORAGE_DATA_DIR", t.TempDir())
	t.Setenv("LLMOPS_LLM_PROVIDER", "mock")
	t.Setenv("LLMOPS_LLM_MODEL", "mock")
	t.Setenv("LLMOPS_EMBEDDING_PROVIDER", "hash")
	t.Setenv("LLMOPS_CHAT_TOKEN_COUNTER", "approx")
	t.Setenv("LLMOPS_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"routes", "--env-file", ""})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "/chat/sessions/:session_id/stream")
	assert.Contains(t, text, "/dataset/:dataset_id/documents")
	assert.Contains(t, text, "/model/:model_id/invoke")
	assert.Contains(t, text, "GET     /health")
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	t.Setenv("LLMOPS_SERVER_PORT", "9000")

	opts := &options{}
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--host", "0.0.0.0", "--env-file", ""}))
	opts.port, _ = cmd.Flags().GetInt("port")
	opts.host, _ = cmd.Flags().GetString("host")

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	plain := newRootCommand()
	require.NoError(t, plain.ParseFlags([]string{"--env-file", ""}))
	cfg, err = loadConfig(plain, &options{})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}
