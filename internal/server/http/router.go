package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"llmops/internal/logging"
	"llmops/internal/observability"
)

// Module is a route group mounted under its own prefix.
type Module interface {
	Name() string
	RegisterRoutes(group *gin.RouterGroup, errs *ErrorHandler)
}

// RouterConfig configures the engine.
type RouterConfig struct {
	Mode           string // gin mode: release, debug or test
	AllowedOrigins []string
	Logger         logging.Logger
	Metrics        *observability.MetricsCollector
	Tracer         *observability.TracerProvider
	Degraded       func() map[string]string // optional components that failed to start
}

// NewRouter builds the gin engine and mounts modules in the given order,
// each under "/" + Name().
func NewRouter(config RouterConfig, modules ...Module) *gin.Engine {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	registerValidators()

	logger := logging.OrNop(config.Logger)
	errs := NewErrorHandler(logger)

	engine := gin.New()
	engine.HandleMethodNotAllowed = false
	engine.Use(
		RequestIDMiddleware(),
		ObservabilityMiddleware(config.Metrics, config.Tracer),
		AccessLogMiddleware(logger),
		errs.Recovery(),
		CORSMiddleware(config.AllowedOrigins),
	)

	started := time.Now()
	engine.GET("/health", func(c *gin.Context) {
		health := gin.H{
			"status": "ok",
			"uptime": time.Since(started).Round(time.Second).String(),
		}
		if config.Degraded != nil {
			if degraded := config.Degraded(); len(degraded) > 0 {
				health["status"] = "degraded"
				health["degraded"] = degraded
			}
		}
		writeData(c, http.StatusOK, health)
	})
	if config.Metrics.Enabled() {
		engine.GET("/metrics", gin.WrapH(config.Metrics.Handler()))
	}

	for _, module := range modules {
		group := engine.Group("/" + module.Name())
		module.RegisterRoutes(group, errs)
		logger.Debug("Mounted route group /%s", module.Name())
	}
	return engine
}
