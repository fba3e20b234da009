package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"llmops/internal/observability"
)

const (
	DefaultServerHost     = "0.0.0.0"
	DefaultServerPort     = 8000
	DefaultLLMProvider    = "openai"
	DefaultLLMModel       = "gpt-4o-mini"
	DefaultOpenAIBaseURL  = "https://api.openai.com/v1"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultDataDir        = "./data"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig                `mapstructure:"server" yaml:"server"`
	LLM       LLMConfig                   `mapstructure:"llm" yaml:"llm"`
	Embedding EmbeddingConfig             `mapstructure:"embedding" yaml:"embedding"`
	Storage   StorageConfig               `mapstructure:"storage" yaml:"storage"`
	Chat      ChatConfig                  `mapstructure:"chat" yaml:"chat"`
	Log       observability.LoggingConfig `mapstructure:"log" yaml:"log"`
	Metrics   observability.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing   observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Mode            string        `mapstructure:"mode" yaml:"mode"` // release, debug, test
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LLMConfig configures the default completion provider.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"` // openai, openrouter, deepseek, ollama, mock
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	ModelsFile  string        `mapstructure:"models_file" yaml:"models_file"`
}

// EmbeddingConfig configures the dataset embedder.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"` // openai, hash
	Model      string `mapstructure:"model" yaml:"model"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	CacheSize  int    `mapstructure:"cache_size" yaml:"cache_size"`
	BatchSize  int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// StorageConfig configures where sessions, datasets and vectors live.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	CompressVecs bool   `mapstructure:"compress_vectors" yaml:"compress_vectors"`
}

// ChatConfig tunes how a chat turn is assembled.
type ChatConfig struct {
	HistoryTokenBudget int     `mapstructure:"history_token_budget" yaml:"history_token_budget"`
	HistoryMaxMessages int     `mapstructure:"history_max_messages" yaml:"history_max_messages"`
	RetrievalTopK      int     `mapstructure:"retrieval_top_k" yaml:"retrieval_top_k"`
	MinSimilarity      float32 `mapstructure:"min_similarity" yaml:"min_similarity"`
	SystemPrompt       string  `mapstructure:"system_prompt" yaml:"system_prompt"`
	TokenCounter       string  `mapstructure:"token_counter" yaml:"token_counter"` // tiktoken or approx
}

// Validate rejects values that cannot be parsed into a working server.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	obs := observability.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Host:            DefaultServerHost,
			Port:            DefaultServerPort,
			Mode:            "release",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    DefaultLLMProvider,
			Model:       DefaultLLMModel,
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     120 * time.Second,
			MaxRetries:  3,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      DefaultEmbeddingModel,
			BaseURL:    DefaultOpenAIBaseURL,
			Dimensions: 256,
			CacheSize:  10000,
			BatchSize:  64,
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir,
			CompressVecs: false,
		},
		Chat: ChatConfig{
			HistoryTokenBudget: 3000,
			HistoryMaxMessages: 20,
			RetrievalTopK:      4,
			MinSimilarity:      0,
			SystemPrompt:       "You are a helpful assistant.",
			TokenCounter:       "tiktoken",
		},
		Log:     obs.Logging,
		Metrics: obs.Metrics,
		Tracing: obs.Tracing,
	}
}
