package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps categorized errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		se := catErr.ToServiceError()
		switch catErr.Category {
		case apperrors.CategoryValidation:
			return http.StatusBadRequest, ErrCodeInvalidInput, se.Message
		case apperrors.CategoryNotFound:
			return http.StatusNotFound, ErrCodeNotFound, se.Message
		case apperrors.CategoryRateLimited, apperrors.CategoryRetryable:
			return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Temporarily unavailable"
		}
		return apperrors.GetHTTPStatusCode(err), se.Code, se.Message
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
