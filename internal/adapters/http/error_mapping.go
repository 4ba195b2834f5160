package httpadapter

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError hides internal details behind a generic message for 5xx.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		slog.Warn("http_dependency_unavailable", "request_id", requestIDFromContext(r.Context()), "error", err)
		message = "service temporarily unavailable"
	case status >= 500:
		slog.Error("http_internal_error", "request_id", requestIDFromContext(r.Context()), "error", err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}
