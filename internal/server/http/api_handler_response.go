package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "llmops/internal/errors"
	"llmops/internal/logging"
	id "llmops/internal/utils/id"
)

// HandlerFunc is the signature of every route handler. A returned error is
// rendered by Wrap.
type HandlerFunc func(c *gin.Context) error

// APIResponse is the success envelope.
type APIResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// ErrorHandler renders handler errors. Recognized kinds map to their status;
// everything else, panics included, goes to the catch-all.
type ErrorHandler struct {
	logger logging.Logger
}

// NewErrorHandler creates the error handler used by Wrap and the recovery middleware.
func NewErrorHandler(logger logging.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logging.OrNop(logger)}
}

// Wrap adapts an error-returning handler to gin.
func (h *ErrorHandler) Wrap(handler HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := handler(c); err != nil {
			h.Handle(c, err)
		}
	}
}

// Handle writes the response for err.
func (h *ErrorHandler) Handle(c *gin.Context, err error) {
	_ = c.Error(err)

	status, ok := apperrors.HTTPStatus(err)
	if !ok {
		h.CatchAll(c, err)
		return
	}

	logger := logging.FromContext(c.Request.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP %d - %s %s: %v", status, c.Request.Method, c.Request.URL.Path, err)
	} else {
		logger.Debug("HTTP %d - %s %s: %v", status, c.Request.Method, c.Request.URL.Path, err)
	}
	if c.Writer.Written() {
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(status, errorResponse{Message: err.Error()})
}

// CatchAll logs err together with the request it came from and answers 500.
func (h *ErrorHandler) CatchAll(c *gin.Context, err error) {
	req := c.Request
	h.logger.Error("unexpected error: %v\nwith request: %s %s request_id=%s",
		err, req.Method, req.URL.RequestURI(), id.RequestIDFromContext(req.Context()))

	if c.Writer.Written() {
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Message: fmt.Sprintf("unexpected error: %v", err)})
}

// Recovery routes panics to CatchAll.
func (h *ErrorHandler) Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}
		if errors.Is(err, http.ErrAbortHandler) {
			panic(err)
		}
		h.CatchAll(c, err)
	})
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

// bind decodes the JSON body into dst. Decoding and validation failures are invalid input.
func bind(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperrors.InvalidInput("%s", bindErrorMessage(err))
	}
	return nil
}
