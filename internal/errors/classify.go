package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// Classification is the result of classifying a failed provider call
type Classification struct {
	Category ErrorCategory
	Message  string
}

// Classify maps a provider failure to exactly one category.
// Categorized errors keep their category, domain categories fold into UNKNOWN.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Message: "no error"}
	}

	msg := err.Error()

	if IsInstallationRevoked(err) {
		return Classification{Category: CategoryAuth, Message: msg}
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		switch catErr.Category {
		case CategoryRateLimited, CategoryNotFound, CategoryAuth, CategoryRetryable, CategoryUnknown:
			return Classification{Category: catErr.Category, Message: msg}
		default:
			return Classification{Category: CategoryUnknown, Message: msg}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Classification{Category: CategoryRetryable, Message: msg}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Category: CategoryRetryable, Message: msg}
	}

	return Classification{Category: classifyMessage(msg), Message: msg}
}

// messagePatterns are checked in order; the first match wins
var messagePatterns = []struct {
	category ErrorCategory
	needles  []string
}{
	{CategoryRateLimited, []string{"rate limit", "rate_limited", "secondary rate", "abuse detection"}},
	{CategoryAuth, []string{"bad credentials", "401", "requires authentication", "resource not accessible by integration", "forbidden", "403"}},
	{CategoryNotFound, []string{"not_found", "could not resolve to", "404", "not found", "410"}},
	{CategoryRetryable, []string{"timeout", "connection reset", "connection refused", "502", "503", "504", "500 internal", "eof", "temporarily unavailable"}},
}

func classifyMessage(msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.category
			}
		}
	}
	return CategoryUnknown
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	switch Classify(err).Category {
	case CategoryRetryable, CategoryRateLimited:
		return true
	default:
		return false
	}
}

// IsAbort reports whether err must abort the whole scope cycle
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	return IsInstallationRevoked(err) || Classify(err).Category == CategoryAuth
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == category
}
