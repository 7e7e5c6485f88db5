package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scm-mirror/internal/ratelimit"
)

type nopTargets struct{ SyncTargetProvider }
type nopTokens struct{ TokenProvider }

func newTracker(t *testing.T) *ratelimit.Tracker {
	t.Helper()
	tracker, err := ratelimit.NewTracker(ratelimit.NewConfig(), nil)
	require.NoError(t, err)
	return tracker
}

func TestRegistryValidate(t *testing.T) {
	t.Run("empty registry fails", func(t *testing.T) {
		r := &Registry{}
		err := r.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sync target provider is not configured")
		assert.Contains(t, err.Error(), "token provider is not configured")
	})

	t.Run("placeholder fails loudly", func(t *testing.T) {
		r := &Registry{
			SyncTargets: Provide[SyncTargetProvider](nopTargets{}),
			Tokens:      Placeholder[TokenProvider](nopTokens{}),
			RateLimits:  Provide[RateLimitProvider](newTracker(t)),
		}
		err := r.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token provider is a placeholder")
	})

	t.Run("missing filter defaults to allow all", func(t *testing.T) {
		r := &Registry{
			SyncTargets: Provide[SyncTargetProvider](nopTargets{}),
			Tokens:      Provide[TokenProvider](nopTokens{}),
			RateLimits:  Provide[RateLimitProvider](newTracker(t)),
		}
		require.NoError(t, r.Validate())
		assert.IsType(t, AllowAllFilter{}, r.RepositoryFilter())
		assert.False(t, r.RepositoryFilter().FilteringActive())
	})

	t.Run("configured filter is used", func(t *testing.T) {
		r := &Registry{
			SyncTargets: Provide[SyncTargetProvider](nopTargets{}),
			Tokens:      Provide[TokenProvider](nopTokens{}),
			RateLimits:  Provide[RateLimitProvider](newTracker(t)),
			Filter:      Provide[RepositoryScopeFilter](NewAllowListFilter([]string{"octo/repo"})),
		}
		require.NoError(t, r.Validate())
		assert.True(t, r.RepositoryFilter().FilteringActive())
	})
}

func TestAllowListFilter(t *testing.T) {
	f := NewAllowListFilter([]string{"Octo/Repo", "acme/*", " "})

	assert.True(t, f.FilteringActive())
	assert.True(t, f.Allowed("octo", "repo"))
	assert.True(t, f.Allowed("ACME", "anything"))
	assert.False(t, f.Allowed("octo", "other"))

	empty := NewAllowListFilter(nil)
	assert.False(t, empty.FilteringActive())
	assert.True(t, empty.Allowed("any", "thing"))
}
