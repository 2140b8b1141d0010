// internal/httpapi/errors.go
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail    string    `json:"detail"`
	ErrorCode string    `json:"error_code"`
	Timestamp time.Time `json:"timestamp"`
}

// errorHandler maps sentinel errors to statuses and wraps everything in
// the envelope. 5xx responses also raise a system.error event.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"

	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, resource.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, resource.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, resource.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.As(err, &httpErr):
		status = httpErr.Code
		code = codeForStatus(status)
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("uri", c.Request().RequestURI), zap.Error(err))
		s.svc.Bus.Emit(c.Request().Context(), eventbus.SystemError, map[string]any{
			"uri":   c.Request().RequestURI,
			"error": err.Error(),
		})
	}

	body := errorBody{
		Detail:    err.Error(),
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	}
	if httpErr != nil {
		if msg, ok := httpErr.Message.(string); ok {
			body.Detail = msg
		}
	}
	if writeErr := c.JSON(status, body); writeErr != nil {
		s.logger.Error(c.Request().Context(), "error response write failed", zap.Error(writeErr))
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// badRequest is for malformed bodies and query parameters.
func badRequest(detail string) error {
	return echo.NewHTTPError(http.StatusBadRequest, detail)
}
