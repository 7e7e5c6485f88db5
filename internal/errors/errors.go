package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/scm-mirror/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryRateLimited means the provider refused the call because the quota is exhausted
	CategoryRateLimited ErrorCategory = "RATE_LIMITED"
	// CategoryNotFound means the upstream resource does not exist
	CategoryNotFound ErrorCategory = "NOT_FOUND"
	// CategoryAuth means the scope credentials are rejected
	CategoryAuth ErrorCategory = "AUTH_ERROR"
	// CategoryRetryable means a transient transport or server failure
	CategoryRetryable ErrorCategory = "RETRYABLE"
	// CategoryUnknown is anything that cannot be classified
	CategoryUnknown ErrorCategory = "UNKNOWN"

	// CategoryValidation marks malformed inbound data, e.g. a bad repository name
	CategoryValidation ErrorCategory = "VALIDATION"
	// CategoryMissingParent marks a child entity whose parent cannot be resolved or stubbed
	CategoryMissingParent ErrorCategory = "MISSING_PARENT"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewRateLimitedError creates a rate limit error for a scope
func NewRateLimitedError(scopeID int64, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMITED",
		Message:    "provider rate limit exhausted",
		Details:    map[string]interface{}{"scope_id": scopeID},
		Cause:      cause,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewAuthError creates an authentication error
func NewAuthError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusUnauthorized,
		Code:       "AUTH_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewTransportError creates a retryable transport error
func NewTransportError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRetryable,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSPORT_ERROR",
		Message:    fmt.Sprintf("transport failure during %s", operation),
		Details:    map[string]interface{}{"operation": operation},
		Cause:      cause,
	}
}

// NewUnknownError wraps an error the provider returned without a recognizable shape
func NewUnknownError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUnknown,
		StatusCode: http.StatusInternalServerError,
		Code:       "UNKNOWN",
		Message:    fmt.Sprintf("unexpected failure during %s", operation),
		Cause:      cause,
	}
}

// NewValidationError creates a validation error
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewMissingParentError creates an error for a child whose parent cannot be resolved
func NewMissingParentError(parentKind string, number int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMissingParent,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "MISSING_PARENT",
		Message:    fmt.Sprintf("parent %s #%d could not be resolved", parentKind, number),
		Details: map[string]interface{}{
			"parent_kind":   parentKind,
			"parent_number": number,
		},
	}
}

// InstallationRevokedError signals that the installation behind a scope has been
// removed. It bypasses classification and aborts the scope cycle.
type InstallationRevokedError struct {
	ScopeID int64
}

func (e *InstallationRevokedError) Error() string {
	return fmt.Sprintf("installation revoked for scope %d", e.ScopeID)
}

// Is reports whether target is ErrInstallationRevoked
func (e *InstallationRevokedError) Is(target error) bool {
	return target == ErrInstallationRevoked
}

// ErrInstallationRevoked matches any InstallationRevokedError through errors.Is
var ErrInstallationRevoked = errors.New("installation revoked")

// IsInstallationRevoked reports whether err is or wraps an installation revocation
func IsInstallationRevoked(err error) bool {
	return errors.Is(err, ErrInstallationRevoked)
}

// As is a re-export of errors.As so callers do not need both packages
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a re-export of errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
