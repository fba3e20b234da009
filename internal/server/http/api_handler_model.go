package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmops/internal/model"
)

// ModelModule serves /model.
type ModelModule struct {
	service *model.Service
}

// NewModelModule creates the model route group.
func NewModelModule(service *model.Service) *ModelModule {
	return &ModelModule{service: service}
}

func (m *ModelModule) Name() string { return "model" }

func (m *ModelModule) RegisterRoutes(group *gin.RouterGroup, errs *ErrorHandler) {
	group.GET("", errs.Wrap(m.handleList))
	group.GET("/:model_id", errs.Wrap(m.handleGet))
	group.POST("/:model_id/invoke", errs.Wrap(m.handleInvoke))
}

func (m *ModelModule) handleList(c *gin.Context) error {
	writeData(c, http.StatusOK, m.service.List())
	return nil
}

func (m *ModelModule) handleGet(c *gin.Context) error {
	spec, err := m.service.Get(c.Param("model_id"))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, spec)
	return nil
}

func (m *ModelModule) handleInvoke(c *gin.Context) error {
	var req model.InvokeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := m.service.Invoke(c.Request.Context(), c.Param("model_id"), req)
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, result)
	return nil
}
