package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v62/github"

	apperrors "github.com/scm-mirror/internal/errors"
)

// translateError turns a provider failure into a categorized error so the
// retry policy can act on it. Context errors pass through untouched.
func translateError(op string, scopeID int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if apperrors.IsInstallationRevoked(err) {
		return err
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return apperrors.NewRateLimitedError(scopeID, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return apperrors.NewRateLimitedError(scopeID, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return fromStatus(op, scopeID, respErr.Response.StatusCode, err)
	}

	wrapped := fmt.Errorf("%s: %w", op, err)
	switch apperrors.Classify(err).Category {
	case apperrors.CategoryRateLimited:
		return apperrors.NewRateLimitedError(scopeID, wrapped)
	case apperrors.CategoryAuth:
		return apperrors.NewAuthError(fmt.Sprintf("%s rejected for scope %d", op, scopeID), wrapped)
	case apperrors.CategoryNotFound:
		nf := apperrors.NewNotFoundError(op, fmt.Sprintf("scope %d", scopeID))
		nf.Cause = wrapped
		return nf
	case apperrors.CategoryRetryable:
		return apperrors.NewTransportError(op, wrapped)
	default:
		return apperrors.NewUnknownError(op, wrapped)
	}
}

func fromStatus(op string, scopeID int64, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(scopeID, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthError(fmt.Sprintf("%s rejected for scope %d", op, scopeID), err)
	case status == http.StatusNotFound || status == http.StatusGone:
		nf := apperrors.NewNotFoundError(op, fmt.Sprintf("scope %d", scopeID))
		nf.Cause = err
		return nf
	case status >= 500:
		return apperrors.NewTransportError(op, err)
	default:
		return apperrors.NewUnknownError(op, err)
	}
}

func notFound(resource, repository string, number int) error {
	return apperrors.NewNotFoundError(resource, fmt.Sprintf("%s#%d", repository, number))
}
