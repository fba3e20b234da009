package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"llmops/internal/observability"
)

const unmatchedRoute = "unmatched"

// ObservabilityMiddleware records a span and request metrics for every request.
func ObservabilityMiddleware(metrics *observability.MetricsCollector, tracer *observability.TracerProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}

		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
			attribute.String("http.route", route),
			attribute.String("http.method", c.Request.Method),
		)
		c.Request = c.Request.WithContext(ctx)
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err := c.Errors.Last(); err != nil && status >= 500 {
			span.RecordError(err.Err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		metrics.RecordHTTPRequest(ctx, c.Request.Method, route, status, time.Since(start))
	}
}
