package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scm-mirror/internal/errors"
)

type fakeWaiter struct {
	calls  int
	result bool
}

func (w *fakeWaiter) WaitIfNeeded(ctx context.Context, scopeID int64) bool {
	w.calls++
	return w.result
}

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

func newTestPolicy(t *testing.T, waiter *fakeWaiter) *Policy {
	t.Helper()
	p, err := NewPolicy(fastConfig(), waiter, nil)
	require.NoError(t, err)
	return p
}

func TestPolicyDo(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error { return nil })
		assert.True(t, res.Succeeded())
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("retryable then success", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			if attempt < 3 {
				return apperrors.NewTransportError("fetch", fmt.Errorf("reset"))
			}
			return nil
		})
		assert.True(t, res.Succeeded())
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("retryable exhausted is skipped", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			return apperrors.NewTransportError("fetch", nil)
		})
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, apperrors.CategoryRetryable, res.Classification.Category)
	})

	t.Run("rate limited waits then retries", func(t *testing.T) {
		waiter := &fakeWaiter{result: true}
		p := newTestPolicy(t, waiter)
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			if attempt == 1 {
				return apperrors.NewRateLimitedError(1, nil)
			}
			return nil
		})
		assert.True(t, res.Succeeded())
		assert.Equal(t, 1, waiter.calls)
		assert.Equal(t, 1, res.RateLimitWaits)
	})

	t.Run("rate limited wait interrupted is skipped", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: false})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			return apperrors.NewRateLimitedError(1, nil)
		})
		assert.Equal(t, OutcomeSkipped, res.Outcome)
	})

	t.Run("not found skips without retry", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			return apperrors.NewNotFoundError("repository", "a/b")
		})
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("auth aborts", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			return apperrors.NewAuthError("bad credentials", nil)
		})
		assert.True(t, res.Aborted())
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("revocation aborts", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 7, "page", func(ctx context.Context, attempt int) error {
			return &apperrors.InstallationRevokedError{ScopeID: 7}
		})
		assert.True(t, res.Aborted())
		assert.True(t, apperrors.IsInstallationRevoked(res.Err))
	})

	t.Run("unknown skips", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
			return fmt.Errorf("weird")
		})
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, apperrors.CategoryUnknown, res.Classification.Category)
	})

	t.Run("stats are recorded", func(t *testing.T) {
		p := newTestPolicy(t, &fakeWaiter{result: true})
		p.Do(ctx, 1, "a", func(ctx context.Context, attempt int) error { return nil })
		p.Do(ctx, 1, "b", func(ctx context.Context, attempt int) error { return apperrors.NewAuthError("x", nil) })
		stats := p.Stats().GetStats()
		assert.Equal(t, 2, stats.TotalOperations)
		assert.Equal(t, 1, stats.SuccessfulOps)
		assert.Equal(t, 1, stats.AbortedOps)
	})
}

func TestPolicyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPolicy(t, &fakeWaiter{result: true})
	res := p.Do(ctx, 1, "page", func(ctx context.Context, attempt int) error {
		return apperrors.NewTransportError("fetch", nil)
	})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestNewPolicyValidation(t *testing.T) {
	_, err := NewPolicy(nil, &fakeWaiter{}, nil)
	assert.Error(t, err)

	_, err = NewPolicy(&RetryConfig{MaxAttempts: 0}, &fakeWaiter{}, nil)
	assert.Error(t, err)

	_, err = NewPolicy(DefaultRetryConfig(), nil, nil)
	assert.Error(t, err)
}

func TestWithExponentialBackoff(t *testing.T) {
	calls := 0
	res := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 2, calls)
	assert.NoError(t, res.LastError)
}

func TestWithExponentialBackoff_StopsOnPermanentError(t *testing.T) {
	cfg := fastConfig()
	cfg.Retryable = apperrors.IsRetryable
	calls := 0
	res := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewAuthError("bad credentials", nil)
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.IsCategory(res.LastError, apperrors.CategoryAuth))

	calls = 0
	res = WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewTransportError("bad gateway", nil)
	})
	assert.False(t, res.Success)
	assert.Equal(t, 3, calls)
}

// Property: backoff delays stay within the jittered envelope of the capped exponential
func TestBackoffDelayProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	config := DefaultRetryConfig()

	properties.Property("delay within jitter bounds", prop.ForAll(
		func(attempt int) bool {
			base := float64(config.InitialDelay)
			for i := 1; i < attempt; i++ {
				base *= config.Multiplier
			}
			if base > float64(config.MaxDelay) {
				base = float64(config.MaxDelay)
			}
			d := float64(BackoffDelay(config, attempt))
			return d >= base*(1-config.Jitter)-1 && d <= base*(1+config.Jitter)+1
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
