package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	apperrors "llmops/internal/errors"
)

// mapHTTPError converts a non-2xx upstream response into a classified error.
func mapHTTPError(status int, body []byte, header http.Header) error {
	message := strings.TrimSpace(string(body))

	var envelope struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Type != "" {
			message = envelope.Error.Type + ": " + message
		}
	}
	if len(message) > 512 {
		message = message[:512] + "..."
	}

	base := fmt.Errorf("llm API error %d: %s", status, message)
	classified := apperrors.FromHTTPStatus(status, base)

	var transient *apperrors.TransientError
	if errors.As(classified, &transient) {
		if retryAfter, err := strconv.Atoi(header.Get("Retry-After")); err == nil {
			transient.RetryAfter = retryAfter
		}
	}
	return classified
}

// wrapRequestError marks transport failures as transient unless the caller gave up.
func wrapRequestError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.NewTransientError(fmt.Errorf("llm request failed: %w", err), 0)
}
