package llm

import (
	"fmt"
	"sync"
	"time"

	apperrors "llmops/internal/errors"
	"llmops/internal/observability"
)

// FactoryConfig holds settings shared by every client the factory builds.
// DefaultAPIKey and DefaultBaseURL only apply to OpenAI models.
type FactoryConfig struct {
	DefaultAPIKey  string
	DefaultBaseURL string
	Timeout        time.Duration
	Retry          apperrors.RetryConfig
	CircuitBreaker apperrors.CircuitBreakerConfig
	Metrics        *observability.MetricsCollector
	Tracer         *observability.TracerProvider
}

// Factory builds and caches clients per model. Clients of the same provider
// endpoint share one circuit breaker.
type Factory struct {
	config FactoryConfig

	mu       sync.Mutex
	clients  map[string]Client
	breakers map[string]*apperrors.CircuitBreaker
}

// NewFactory creates a client factory.
func NewFactory(config FactoryConfig) *Factory {
	if config.Retry == (apperrors.RetryConfig{}) {
		config.Retry = apperrors.DefaultRetryConfig()
	}
	if config.CircuitBreaker == (apperrors.CircuitBreakerConfig{}) {
		config.CircuitBreaker = apperrors.DefaultCircuitBreakerConfig()
	}
	return &Factory{
		config:   config,
		clients:  map[string]Client{},
		breakers: map[string]*apperrors.CircuitBreaker{},
	}
}

// Register installs a prebuilt client for a model ID, replacing any cached one.
func (f *Factory) Register(modelID string, client Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[modelID] = client
}

// Client returns the client for spec, building it on first use.
func (f *Factory) Client(spec ModelSpec) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[spec.ID]; ok {
		return client, nil
	}

	client, err := f.build(spec)
	if err != nil {
		return nil, err
	}
	f.clients[spec.ID] = client
	return client, nil
}

func (f *Factory) build(spec ModelSpec) (Client, error) {
	switch spec.Provider {
	case ProviderMock:
		return WithObservability(NewMockClient(spec.Name), f.config.Metrics, f.config.Tracer), nil
	case "", ProviderOpenAI, ProviderOpenRouter, ProviderDeepSeek, ProviderOllama:
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", spec.Provider)
	}

	apiKey, baseURL := f.endpoint(spec)

	base, err := NewOpenAIClient(spec.Name, Config{
		Provider: spec.Provider,
		APIKey:   apiKey,
		BaseURL:  baseURL,
		Timeout:  f.config.Timeout,
	})
	if err != nil {
		return nil, err
	}

	breaker, ok := f.breakers[baseURL]
	if !ok {
		breaker = apperrors.NewCircuitBreaker(baseURL, f.config.CircuitBreaker)
		f.breakers[baseURL] = breaker
	}

	return WithObservability(NewRetryClient(base, f.config.Retry, breaker), f.config.Metrics, f.config.Tracer), nil
}

// endpoint resolves the credentials and base URL for spec. Factory defaults
// are OpenAI settings and never leak to other providers, which fall back to
// their public endpoint.
func (f *Factory) endpoint(spec ModelSpec) (apiKey, baseURL string) {
	apiKey, baseURL = spec.APIKey, spec.BaseURL
	if spec.Provider == "" || spec.Provider == ProviderOpenAI {
		if apiKey == "" {
			apiKey = f.config.DefaultAPIKey
		}
		if baseURL == "" {
			baseURL = f.config.DefaultBaseURL
		}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL(spec.Provider)
	}
	return apiKey, baseURL
}
