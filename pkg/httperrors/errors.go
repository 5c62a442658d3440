package httperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"lanvault/internal/models"
)

// Status maps an error from the core packages to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStorage):
		// retryable: the client resubmits the same chunk
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as {"error": "..."} with the mapped status.
func Write(w http.ResponseWriter, err error) {
	code := Status(err)
	msg := err.Error()
	switch {
	case code == http.StatusServiceUnavailable:
		// keep state paths and OS errors out of the body
		msg = models.ErrStorage.Error()
	case code >= http.StatusInternalServerError:
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
