package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/logging"
)

// unavailableBody is the body of every 503; internals never reach the caller
const unavailableBody = "Error"

// respondText sends a plain text response, the format payment clients expect.
func respondText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError maps a service error to a text response. Caller errors keep
// their status and message; anything else becomes 503 so clients retry.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, body := mapServiceError(err)
	if statusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	respondText(w, statusCode, body)
}

// mapServiceError maps service errors to HTTP status codes and bodies.
func mapServiceError(err error) (int, string) {
	catErr := apperrors.Categorize(err)
	if catErr == nil {
		return http.StatusOK, ""
	}

	switch catErr.Category {
	case apperrors.CategoryValidation, apperrors.CategoryNotFound, apperrors.CategoryRateLimit:
		return catErr.StatusCode, catErr.Message
	default:
		// storage, gateway, conflict and system failures all mean "try again later"
		return http.StatusServiceUnavailable, unavailableBody
	}
}
