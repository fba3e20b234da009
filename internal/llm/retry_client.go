package llm

import (
	"context"
	"time"

	apperrors "llmops/internal/errors"
	"llmops/internal/logging"
)

// retryClient wraps an LLM client with retry logic and circuit breaker
type retryClient struct {
	underlying     Client
	retryConfig    apperrors.RetryConfig
	circuitBreaker *apperrors.CircuitBreaker
	logger         logging.Logger
}

// NewRetryClient wraps an LLM client with retry and circuit breaker logic.
// circuitBreaker may be nil.
func NewRetryClient(client Client, retryConfig apperrors.RetryConfig, circuitBreaker *apperrors.CircuitBreaker) Client {
	return &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		logger:         logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) guarded(ctx context.Context, fn func(ctx context.Context) (*CompletionResponse, error)) (*CompletionResponse, error) {
	if c.circuitBreaker == nil {
		return fn(ctx)
	}
	return apperrors.ExecuteFunc(c.circuitBreaker, ctx, fn)
}

// Complete executes LLM completion with retry logic
func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	resp, err := apperrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		return c.guarded(ctx, func(ctx context.Context) (*CompletionResponse, error) {
			return c.underlying.Complete(ctx, req)
		})
	}, c.logger)

	if err != nil {
		c.logger.Warn("LLM request failed (took %v): %v", time.Since(startTime), err)
		return nil, err
	}
	return resp, nil
}

// StreamComplete retries a stream only while it has produced no content, so
// a client never sees duplicated partial output.
func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	emitted := false
	wrapped := StreamCallbacks{
		OnContentDelta: func(delta ContentDelta) {
			if delta.Delta != "" {
				emitted = true
			}
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(delta)
			}
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.guarded(ctx, func(ctx context.Context) (*CompletionResponse, error) {
			return c.underlying.StreamComplete(ctx, req, wrapped)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if emitted || !apperrors.IsTransient(err) || attempt == c.retryConfig.MaxAttempts {
			break
		}

		delay := apperrors.Backoff(attempt, c.retryConfig)
		c.logger.Debug("Stream attempt %d failed before output, retrying in %v: %v", attempt+1, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.logger.Warn("LLM stream failed: %v", lastErr)
	return nil, lastErr
}
