package retry

import (
	"context"
	"fmt"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/logging"
)

// Outcome is the terminal state of a unit of work driven by a Policy
type Outcome int

const (
	// OutcomeSuccess means the unit eventually succeeded
	OutcomeSuccess Outcome = iota
	// OutcomeSkipped means the unit was given up on without failing the caller
	OutcomeSkipped
	// OutcomeAborted means the failure must abort the whole scope cycle
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes how a unit of work finished
type Result struct {
	Outcome        Outcome
	Attempts       int
	RateLimitWaits int
	Classification apperrors.Classification
	Err            error
}

// Succeeded reports whether the unit completed
func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Aborted reports whether the scope cycle must stop
func (r Result) Aborted() bool { return r.Outcome == OutcomeAborted }

// Waiter blocks until a scope's rate limit window allows more calls.
// It returns false when the wait was interrupted.
type Waiter interface {
	WaitIfNeeded(ctx context.Context, scopeID int64) bool
}

// Policy drives a unit of work through the failure classifier:
// RATE_LIMITED waits and retries, RETRYABLE backs off, NOT_FOUND and UNKNOWN skip,
// AUTH_ERROR and installation revocation abort.
type Policy struct {
	config            *RetryConfig
	rateLimitAttempts int
	waiter            Waiter
	stats             *RetryStatsTracker
}

// DefaultRateLimitAttempts bounds how often a rate-limited unit is retried after waiting
const DefaultRateLimitAttempts = 3

// NewPolicy creates a policy. stats may be nil.
func NewPolicy(config *RetryConfig, waiter Waiter, stats *RetryStatsTracker) (*Policy, error) {
	if config == nil {
		return nil, fmt.Errorf("retry configuration is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}
	if waiter == nil {
		return nil, fmt.Errorf("rate limit waiter is required")
	}
	if stats == nil {
		stats = NewRetryStatsTracker()
	}
	return &Policy{
		config:            config,
		rateLimitAttempts: DefaultRateLimitAttempts,
		waiter:            waiter,
		stats:             stats,
	}, nil
}

// WithRateLimitAttempts overrides how often a rate-limited unit is retried
func (p *Policy) WithRateLimitAttempts(n int) *Policy {
	if n > 0 {
		p.rateLimitAttempts = n
	}
	return p
}

// Stats returns the policy's statistics tracker
func (p *Policy) Stats() *RetryStatsTracker {
	return p.stats
}

// Do runs fn for scopeID until it succeeds or the classifier says to stop
func (p *Policy) Do(ctx context.Context, scopeID int64, unit string, fn RetryFunc) Result {
	logger := logging.FromContext(ctx).WithScope(scopeID).WithField("unit", unit)
	res := Result{}
	rateLimited := 0
	transient := 0

	defer func() { p.stats.Record(res) }()

	for {
		res.Attempts++
		err := fn(ctx, res.Attempts)
		if err == nil {
			res.Outcome = OutcomeSuccess
			res.Err = nil
			return res
		}
		res.Err = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Outcome = OutcomeSkipped
			res.Classification = apperrors.Classification{Category: apperrors.CategoryUnknown, Message: ctxErr.Error()}
			return res
		}

		if apperrors.IsInstallationRevoked(err) {
			res.Outcome = OutcomeAborted
			res.Classification = apperrors.Classification{Category: apperrors.CategoryAuth, Message: err.Error()}
			logger.WithError(err).Warn("Installation revoked, aborting scope")
			return res
		}

		res.Classification = apperrors.Classify(err)
		switch res.Classification.Category {
		case apperrors.CategoryRateLimited:
			rateLimited++
			if rateLimited > p.rateLimitAttempts {
				res.Outcome = OutcomeSkipped
				logger.WithError(err).Warn("Rate limit retries exhausted, skipping")
				return res
			}
			res.RateLimitWaits++
			logger.Info("Rate limited, waiting for reset")
			if !p.waiter.WaitIfNeeded(ctx, scopeID) {
				res.Outcome = OutcomeSkipped
				return res
			}

		case apperrors.CategoryRetryable:
			transient++
			if transient >= p.config.MaxAttempts {
				res.Outcome = OutcomeSkipped
				logger.WithError(err).WithField("attempts", res.Attempts).Warn("Retries exhausted, skipping")
				return res
			}
			if sleepErr := sleep(ctx, BackoffDelay(p.config, transient)); sleepErr != nil {
				res.Outcome = OutcomeSkipped
				return res
			}

		case apperrors.CategoryNotFound:
			res.Outcome = OutcomeSkipped
			logger.Debug("Resource not found, skipping")
			return res

		case apperrors.CategoryAuth:
			res.Outcome = OutcomeAborted
			logger.WithError(err).Warn("Authentication failed, aborting scope")
			return res

		default:
			res.Outcome = OutcomeSkipped
			logger.WithError(err).Error("Unclassified failure, skipping")
			return res
		}
	}
}
