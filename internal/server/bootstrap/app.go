// Package bootstrap assembles the application from configuration and runs
// the HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"llmops/internal/chat"
	"llmops/internal/config"
	"llmops/internal/dataset"
	apperrors "llmops/internal/errors"
	"llmops/internal/llm"
	"llmops/internal/logging"
	"llmops/internal/model"
	"llmops/internal/observability"
	"llmops/internal/rag"
	serverHTTP "llmops/internal/server/http"
	"llmops/internal/storage"
)

// App holds everything built at startup. It is written once by Build and
// only read afterwards.
type App struct {
	Config  config.Config
	Obs     *observability.Observability
	Store   *storage.Store
	Vectors rag.VectorStore
	Models  *llm.Registry
	Engine  *gin.Engine
	Modules []serverHTTP.Module

	Degraded *DegradedComponents

	logger   logging.Logger
	server   *http.Server
	listener net.Listener
	closers  []func(context.Context) error
}

// Build constructs the application: observability, storage, services and
// the router with chat, dataset and model mounted in that order.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	obs, err := observability.New(observability.Config{Logging: cfg.Log, Metrics: cfg.Metrics, Tracing: cfg.Tracing})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logging.SetDefault(obs.Logger)

	app = &App{
		Config:   cfg,
		Obs:      obs,
		Degraded: NewDegradedComponents(),
		logger:   logging.NewComponentLogger("Bootstrap"),
	}
	app.closers = append(app.closers, obs.Tracer.Shutdown, obs.Metrics.Shutdown)
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	var catalog []llm.ModelSpec
	var embedder rag.Embedder
	stages := []Stage{
		{Name: "storage", Required: true, Init: func() error { return app.initStorage(ctx) }},
		{Name: "model-catalog", Init: func() error {
			var loadErr error
			catalog, loadErr = llm.LoadCatalog(cfg.LLM.ModelsFile, nil)
			return loadErr
		}},
		{Name: "models", Required: true, Init: func() error { return app.initModels(catalog) }},
		{Name: "vectors", Required: true, Init: func() error {
			var initErr error
			embedder, initErr = app.initVectors()
			return initErr
		}},
	}
	if err := RunStages(stages, app.Degraded, app.logger); err != nil {
		return nil, err
	}
	vectors := app.Vectors

	var counter rag.TokenCounter = rag.ApproxTokenCounter
	if cfg.Chat.TokenCounter != "approx" {
		counter = rag.DefaultTokenCounter()
	}
	retriever := rag.NewRetriever(rag.RetrieverConfig{TopK: cfg.Chat.RetrievalTopK, MinSimilarity: cfg.Chat.MinSimilarity}, vectors)
	factoryConfig := llm.FactoryConfig{
		Timeout: cfg.LLM.Timeout,
		Retry:   retryConfig(cfg.LLM.MaxRetries),
		Metrics: obs.Metrics,
		Tracer:  obs.Tracer,
	}
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == llm.ProviderOpenAI {
		factoryConfig.DefaultAPIKey = cfg.LLM.APIKey
		factoryConfig.DefaultBaseURL = cfg.LLM.BaseURL
	}
	clients := llm.NewFactory(factoryConfig)

	temperature := cfg.LLM.Temperature
	chatService := chat.NewService(chat.Deps{
		Store:     app.Store,
		Models:    app.Models,
		Clients:   clients,
		Retriever: retriever,
		Counter:   counter,
		Metrics:   obs.Metrics,
		Tracer:    obs.Tracer,
	}, chat.Config{
		HistoryTokenBudget: cfg.Chat.HistoryTokenBudget,
		HistoryMaxMessages: cfg.Chat.HistoryMaxMessages,
		RetrievalTopK:      cfg.Chat.RetrievalTopK,
		MinSimilarity:      cfg.Chat.MinSimilarity,
		SystemPrompt:       cfg.Chat.SystemPrompt,
		Temperature:        &temperature,
	})
	datasetService := dataset.NewService(dataset.Deps{
		Store:     app.Store,
		Vectors:   vectors,
		Indexer:   rag.NewIndexer(rag.IndexerConfig{BatchSize: cfg.Embedding.BatchSize}, embedder, vectors, counter),
		Retriever: retriever,
		Metrics:   obs.Metrics,
		Tracer:    obs.Tracer,
	})
	modelService := model.NewService(app.Models, clients, nil)

	app.Modules = []serverHTTP.Module{
		serverHTTP.NewChatModule(chatService, cfg.Server.AllowedOrigins, logging.NewComponentLogger("ChatStream")),
		serverHTTP.NewDatasetModule(datasetService),
		serverHTTP.NewModelModule(modelService),
	}
	app.Engine = serverHTTP.NewRouter(serverHTTP.RouterConfig{
		Mode:           cfg.Server.Mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logging.NewComponentLogger("HTTP"),
		Degraded:       app.Degraded.Map,
		Metrics:        obs.Metrics,
		Tracer:         obs.Tracer,
	}, app.Modules...)

	app.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

func (a *App) initStorage(ctx context.Context) error {
	store, err := storage.Open(ctx, filepath.Join(a.Config.Storage.DataDir, "llmops.db"), logging.NewComponentLogger("Storage"))
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

func (a *App) initVectors() (rag.Embedder, error) {
	cfg := a.Config
	embedder, err := rag.NewEmbedder(rag.EmbedderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		CacheSize:  cfg.Embedding.CacheSize,
		Retry:      retryConfig(cfg.LLM.MaxRetries),
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	vectors, err := rag.NewVectorStore(rag.StoreConfig{
		PersistPath: filepath.Join(cfg.Storage.DataDir, "vectors"),
		Compress:    cfg.Storage.CompressVecs,
	}, embedder)
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	a.Vectors = vectors
	return embedder, nil
}

func (a *App) initModels(catalog []llm.ModelSpec) error {
	registry, err := llm.NewRegistry(llm.ModelSpec{
		ID:        a.Config.LLM.Model,
		Name:      a.Config.LLM.Model,
		Provider:  a.Config.LLM.Provider,
		BaseURL:   a.Config.LLM.BaseURL,
		APIKey:    a.Config.LLM.APIKey,
		MaxTokens: a.Config.LLM.MaxTokens,
	}, catalog)
	if err != nil {
		return err
	}
	a.Models = registry
	a.logger.Info("Loaded %d models (default %s)", len(registry.List()), a.Config.LLM.Model)
	return nil
}

func retryConfig(maxRetries int) apperrors.RetryConfig {
	retry := apperrors.DefaultRetryConfig()
	if maxRetries >= 0 {
		retry.MaxAttempts = maxRetries
	}
	return retry
}

// Listen binds the configured address. It fails when the port is taken.
func (a *App) Listen() (net.Addr, error) {
	if a.listener != nil {
		return a.listener.Addr(), nil
	}
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.listener = listener
	return listener.Addr(), nil
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	if a.listener == nil {
		return errors.New("serve called before listen")
	}
	a.logger.Info("Listening on http://%s", a.listener.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(a.listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.logger.Info("Shutting down HTTP server...")
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Run listens and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Listen(); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Close releases storage and flushes telemetry, in reverse build order.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Routes lists the registered routes.
func (a *App) Routes() gin.RoutesInfo {
	return a.Engine.Routes()
}
