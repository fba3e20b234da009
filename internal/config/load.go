package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment.
const EnvPrefix = "LLMOPS"

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// EnvFiles are loaded with godotenv before reading the environment.
	// Missing files are ignored. Defaults to ".env".
	EnvFiles []string
	// ConfigFile is an optional YAML file with the same keys as Config.
	ConfigFile string
	// LookupEnv resolves variables; defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// envAlias lists conventional variable names honored in addition to the
// LLMOPS_ prefixed form. When provider is set, the alias only applies while
// that provider key resolves to openai.
type envAlias struct {
	names    []string
	provider string
}

var envAliases = map[string]envAlias{
	"server.port":        {names: []string{"PORT"}},
	"llm.api_key":        {names: []string{"OPENAI_API_KEY"}, provider: "llm.provider"},
	"llm.base_url":       {names: []string{"OPENAI_BASE_URL"}, provider: "llm.provider"},
	"embedding.api_key":  {names: []string{"OPENAI_API_KEY"}, provider: "embedding.provider"},
	"embedding.base_url": {names: []string{"OPENAI_BASE_URL"}, provider: "embedding.provider"},
}

// Load reads .env files, the optional YAML file and the environment, in
// increasing order of precedence over the defaults.
func Load(opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	applyEnv(v, lookup)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(files []string) error {
	for _, file := range files {
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// EnvName returns the prefixed variable name for a configuration key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnv overrides every known key from the environment. Prefixed names
// win over aliases, and provider keys are settled before provider-scoped
// aliases are consulted. Values are set explicitly rather than through
// AutomaticEnv so that a custom lookup can be injected.
func applyEnv(v *viper.Viper, lookup func(string) (string, bool)) {
	prefixed := map[string]bool{}
	for _, key := range v.AllKeys() {
		if value, ok := lookup(EnvName(key)); ok {
			v.Set(key, envValue(key, value))
			prefixed[key] = true
		}
	}
	for key, alias := range envAliases {
		if prefixed[key] {
			continue
		}
		if alias.provider != "" && !isOpenAI(v.GetString(alias.provider)) {
			continue
		}
		for _, name := range alias.names {
			if value, ok := lookup(name); ok && value != "" {
				v.Set(key, envValue(key, value))
				break
			}
		}
	}
}

func isOpenAI(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	return provider == "" || provider == "openai"
}

func envValue(key, value string) any {
	if key == "server.allowed_origins" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return value
}

// setDefaults registers every key with viper so env overrides and
// Unmarshal see the full tree.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.models_file", "")

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.compress_vectors", d.Storage.CompressVecs)

	v.SetDefault("chat.history_token_budget", d.Chat.HistoryTokenBudget)
	v.SetDefault("chat.history_max_messages", d.Chat.HistoryMaxMessages)
	v.SetDefault("chat.retrieval_top_k", d.Chat.RetrievalTopK)
	v.SetDefault("chat.min_similarity", d.Chat.MinSimilarity)
	v.SetDefault("chat.system_prompt", d.Chat.SystemPrompt)
	v.SetDefault("chat.token_counter", d.Chat.TokenCounter)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.prometheus_port", d.Metrics.PrometheusPort)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", d.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", d.Tracing.ServiceVersion)
}
