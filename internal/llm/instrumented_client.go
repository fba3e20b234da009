package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"llmops/internal/observability"
)

// instrumentedClient records metrics and a span for every call.
type instrumentedClient struct {
	underlying Client
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
}

// WithObservability decorates client with metrics and tracing. Nil collectors are skipped.
func WithObservability(client Client, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) Client {
	if metrics == nil && tracer == nil {
		return client
	}
	return &instrumentedClient{underlying: client, metrics: metrics, tracer: tracer}
}

func (c *instrumentedClient) Model() string {
	return c.underlying.Model()
}

func (c *instrumentedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return c.observe(ctx, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	})
}

func (c *instrumentedClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	return c.observe(ctx, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.StreamComplete(ctx, req, callbacks)
	})
}

func (c *instrumentedClient) observe(ctx context.Context, fn func(context.Context) (*CompletionResponse, error)) (*CompletionResponse, error) {
	model := c.underlying.Model()
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLLMGenerate)
	defer span.End()

	started := time.Now()
	resp, err := fn(ctx)
	latency := time.Since(started)

	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordLLMRequest(ctx, model, "error", latency, 0, 0)
		return nil, err
	}

	span.SetAttributes(observability.LLMAttrs(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	c.metrics.RecordLLMRequest(ctx, model, "success", latency, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}
