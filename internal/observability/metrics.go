package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the API server
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// HTTP metrics
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	// LLM metrics
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	// Chat metrics
	chatTurns     metric.Int64Counter
	streamsActive metric.Int64UpDownCounter

	// Dataset metrics
	documentsIndexed metric.Int64Counter
	chunksIndexed    metric.Int64Counter
	indexDuration    metric.Float64Histogram

	// Server for Prometheus scraping on a dedicated port
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. Each collector owns a
// private prometheus registry so several collectors can coexist in one process.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter("llmops")

	collector := &MetricsCollector{provider: provider, registry: registry}

	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", name, err))
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", name, err))
		}
		return h
	}

	collector.httpRequests = counter("llmops.http.requests.total", "Total number of HTTP requests", "{request}")
	collector.httpLatency = histogram("llmops.http.latency", "HTTP request latency in seconds")
	collector.llmRequests = counter("llmops.llm.requests.total", "Total number of LLM requests", "{request}")
	collector.llmTokensInput = counter("llmops.llm.tokens.input", "Total input tokens sent to LLM", "{token}")
	collector.llmTokensOutput = counter("llmops.llm.tokens.output", "Total output tokens from LLM", "{token}")
	collector.llmLatency = histogram("llmops.llm.latency", "LLM request latency in seconds")
	collector.chatTurns = counter("llmops.chat.turns.total", "Total number of chat turns", "{turn}")
	collector.documentsIndexed = counter("llmops.dataset.documents.indexed", "Documents indexed into datasets", "{document}")
	collector.chunksIndexed = counter("llmops.dataset.chunks.indexed", "Chunks written to the vector store", "{chunk}")
	collector.indexDuration = histogram("llmops.dataset.index.duration", "Document indexing duration in seconds")

	streamsActive, err := meter.Int64UpDownCounter(
		"llmops.chat.streams.active",
		metric.WithDescription("Number of chat responses currently streaming"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("create llmops.chat.streams.active: %w", err))
	}
	collector.streamsActive = streamsActive

	if len(errs) > 0 {
		return nil, errs[0]
	}

	if config.PrometheusPort > 0 {
		collector.StartPrometheusServer(config.PrometheusPort)
	}

	return collector, nil
}

// Enabled reports whether the collector records anything.
func (m *MetricsCollector) Enabled() bool {
	return m != nil && m.registry != nil
}

// Handler returns the prometheus exposition handler, or nil when metrics are disabled.
func (m *MetricsCollector) Handler() http.Handler {
	if !m.Enabled() {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer serves the metrics endpoint on a dedicated port.
func (m *MetricsCollector) StartPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.prometheusServer != nil {
		if err := m.prometheusServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// RecordHTTPRequest records one served HTTP request.
func (m *MetricsCollector) RecordHTTPRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordLLMRequest records an LLM request
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model string, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordChatTurn counts a completed or failed chat turn.
func (m *MetricsCollector) RecordChatTurn(ctx context.Context, status string) {
	if m == nil || m.chatTurns == nil {
		return
	}
	m.chatTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// IncrementActiveStreams increments the active stream gauge
func (m *MetricsCollector) IncrementActiveStreams(ctx context.Context) {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Add(ctx, 1)
}

// DecrementActiveStreams decrements the active stream gauge
func (m *MetricsCollector) DecrementActiveStreams(ctx context.Context) {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Add(ctx, -1)
}

// RecordDocumentIndexed records one document indexing attempt.
func (m *MetricsCollector) RecordDocumentIndexed(ctx context.Context, datasetID, status string, chunks int, duration time.Duration) {
	if m == nil || m.documentsIndexed == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.documentsIndexed.Add(ctx, 1, attrs)
	m.chunksIndexed.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("dataset_id", datasetID)))
	m.indexDuration.Record(ctx, duration.Seconds(), attrs)
}
