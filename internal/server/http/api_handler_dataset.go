package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmops/internal/dataset"
	"llmops/internal/storage"
)

// DatasetModule serves /dataset.
type DatasetModule struct {
	service *dataset.Service
}

// NewDatasetModule creates the dataset route group.
func NewDatasetModule(service *dataset.Service) *DatasetModule {
	return &DatasetModule{service: service}
}

func (m *DatasetModule) Name() string { return "dataset" }

func (m *DatasetModule) RegisterRoutes(group *gin.RouterGroup, errs *ErrorHandler) {
	group.POST("", errs.Wrap(m.handleCreate))
	group.GET("", errs.Wrap(m.handleList))
	group.GET("/:dataset_id", errs.Wrap(m.handleGet))
	group.DELETE("/:dataset_id", errs.Wrap(m.handleDelete))
	group.PUT("/:dataset_id/settings", errs.Wrap(m.handleUpdateSettings))
	group.POST("/:dataset_id/documents", errs.Wrap(m.handleAddDocument))
	group.GET("/:dataset_id/documents", errs.Wrap(m.handleListDocuments))
	group.DELETE("/:dataset_id/documents/:document_id", errs.Wrap(m.handleDeleteDocument))
	group.POST("/:dataset_id/search", errs.Wrap(m.handleSearch))
}

func (m *DatasetModule) handleCreate(c *gin.Context) error {
	var req dataset.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ds, err := m.service.Create(c.Request.Context(), req)
	if err != nil {
		return err
	}
	writeData(c, http.StatusCreated, ds)
	return nil
}

func (m *DatasetModule) handleList(c *gin.Context) error {
	datasets, err := m.service.List(c.Request.Context(), pageFromQuery(c))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, datasets)
	return nil
}

func (m *DatasetModule) handleGet(c *gin.Context) error {
	ds, err := m.service.Get(c.Request.Context(), c.Param("dataset_id"))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, ds)
	return nil
}

func (m *DatasetModule) handleDelete(c *gin.Context) error {
	if err := m.service.Delete(c.Request.Context(), c.Param("dataset_id")); err != nil {
		return err
	}
	c.Status(http.StatusNoContent)
	return nil
}

func (m *DatasetModule) handleUpdateSettings(c *gin.Context) error {
	var settings storage.DatasetSettings
	if err := bind(c, &settings); err != nil {
		return err
	}
	ds, err := m.service.UpdateSettings(c.Request.Context(), c.Param("dataset_id"), settings)
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, ds)
	return nil
}

func (m *DatasetModule) handleAddDocument(c *gin.Context) error {
	var req dataset.AddDocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	doc, err := m.service.AddDocument(c.Request.Context(), c.Param("dataset_id"), req)
	if err != nil {
		return err
	}
	writeData(c, http.StatusCreated, doc)
	return nil
}

func (m *DatasetModule) handleListDocuments(c *gin.Context) error {
	docs, err := m.service.ListDocuments(c.Request.Context(), c.Param("dataset_id"))
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, docs)
	return nil
}

func (m *DatasetModule) handleDeleteDocument(c *gin.Context) error {
	if err := m.service.DeleteDocument(c.Request.Context(), c.Param("dataset_id"), c.Param("document_id")); err != nil {
		return err
	}
	c.Status(http.StatusNoContent)
	return nil
}

func (m *DatasetModule) handleSearch(c *gin.Context) error {
	var req dataset.SearchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	results, err := m.service.Search(c.Request.Context(), c.Param("dataset_id"), req)
	if err != nil {
		return err
	}
	writeData(c, http.StatusOK, gin.H{"query": req.Query, "results": results})
	return nil
}
