package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/scm-mirror/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for a single delay
	Multiplier   float64       // Growth factor between attempts
	Jitter       float64       // Fraction of the delay randomized in both directions, 0..1
	// Retryable limits which errors WithExponentialBackoff retries; nil retries all
	Retryable func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, 16s, max 60s, each +/-20%
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Validate checks the configuration for consistency
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("invalid delay bounds: initial %v, max %v", c.InitialDelay, c.MaxDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %v", c.Jitter)
	}
	return nil
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes fn until it succeeds, attempts run out, the
// context ends or config.Retryable rejects the error.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if config.Retryable != nil && !config.Retryable(err) {
			logger.WithError(err).WithField("attempts", attempt).Debug("Operation failed with a permanent error")
			break
		}
		if attempt >= config.MaxAttempts {
			logger.WithError(err).WithField("attempts", attempt).Warn("Operation failed after max retry attempts")
			break
		}

		delay := BackoffDelay(config, attempt)
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("Operation failed, retrying with exponential backoff")

		if err := sleep(ctx, delay); err != nil {
			result.LastError = err
			break
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// BackoffDelay calculates the delay before retry number attempt (1-based), jitter applied
func BackoffDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter > 0 {
		// uniform in [1-j, 1+j]
		delay *= 1 + config.Jitter*(2*rand.Float64()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryStats tracks statistics about retry operations
type RetryStats struct {
	TotalOperations int     `json:"totalOperations"`
	SuccessfulOps   int     `json:"successfulOps"`
	SkippedOps      int     `json:"skippedOps"`
	AbortedOps      int     `json:"abortedOps"`
	TotalRetries    int     `json:"totalRetries"`
	RateLimitWaits  int     `json:"rateLimitWaits"`
	AverageAttempts float64 `json:"averageAttempts"`
}

// RetryStatsTracker tracks retry statistics. Safe for concurrent use.
type RetryStatsTracker struct {
	mu    sync.Mutex
	stats RetryStats
}

// NewRetryStatsTracker creates a new retry stats tracker
func NewRetryStatsTracker() *RetryStatsTracker {
	return &RetryStatsTracker{}
}

// Record records the result of a policy run
func (rst *RetryStatsTracker) Record(res Result) {
	rst.mu.Lock()
	defer rst.mu.Unlock()

	rst.stats.TotalOperations++
	switch res.Outcome {
	case OutcomeSuccess:
		rst.stats.SuccessfulOps++
	case OutcomeSkipped:
		rst.stats.SkippedOps++
	case OutcomeAborted:
		rst.stats.AbortedOps++
	}
	if res.Attempts > 1 {
		rst.stats.TotalRetries += res.Attempts - 1
	}
	rst.stats.RateLimitWaits += res.RateLimitWaits
	rst.stats.AverageAttempts = float64(rst.stats.TotalRetries+rst.stats.TotalOperations) / float64(rst.stats.TotalOperations)
}

// GetStats returns the current retry statistics
func (rst *RetryStatsTracker) GetStats() RetryStats {
	rst.mu.Lock()
	defer rst.mu.Unlock()
	return rst.stats
}

// Reset resets the retry statistics
func (rst *RetryStatsTracker) Reset() {
	rst.mu.Lock()
	rst.stats = RetryStats{}
	rst.mu.Unlock()
}
