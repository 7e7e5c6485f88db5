package tenant

import (
	"fmt"
	"strings"

	"github.com/scm-mirror/internal/logging"
)

type capabilityState int

const (
	capabilityMissing capabilityState = iota
	capabilityPlaceholder
	capabilityProvided
)

// Capability wraps an optional SPI implementation so a no-op stand-in is
// distinguishable from a real one.
type Capability[T any] struct {
	impl  T
	state capabilityState
}

// Provide wraps a real implementation
func Provide[T any](impl T) Capability[T] {
	return Capability[T]{impl: impl, state: capabilityProvided}
}

// Placeholder wraps a stand-in that must not reach production
func Placeholder[T any](impl T) Capability[T] {
	return Capability[T]{impl: impl, state: capabilityPlaceholder}
}

// Get returns the implementation and whether it is real
func (c Capability[T]) Get() (T, bool) {
	return c.impl, c.state == capabilityProvided
}

// Present reports whether any implementation, real or placeholder, is set
func (c Capability[T]) Present() bool {
	return c.state != capabilityMissing
}

// Registry holds every host capability the engine consumes
type Registry struct {
	SyncTargets Capability[SyncTargetProvider]
	Tokens      Capability[TokenProvider]
	RateLimits  Capability[RateLimitProvider]
	// Filter is optional; absent means every repository is in scope
	Filter Capability[RepositoryScopeFilter]
}

// Validate fails when a required capability is missing or only a placeholder
func (r *Registry) Validate() error {
	var problems []string
	check := func(name string, state capabilityState) {
		switch state {
		case capabilityMissing:
			problems = append(problems, name+" is not configured")
		case capabilityPlaceholder:
			problems = append(problems, name+" is a placeholder")
		}
	}
	check("sync target provider", r.SyncTargets.state)
	check("token provider", r.Tokens.state)
	check("rate limit provider", r.RateLimits.state)

	if r.Filter.state == capabilityPlaceholder {
		problems = append(problems, "repository scope filter is a placeholder")
	}

	if len(problems) > 0 {
		return fmt.Errorf("tenant registry invalid: %s", strings.Join(problems, "; "))
	}

	if r.Filter.state == capabilityMissing {
		logging.Info("No repository scope filter configured, mirroring every repository")
	}
	return nil
}

// SyncTargetProvider returns the configured provider
func (r *Registry) SyncTargetProvider() SyncTargetProvider {
	return r.SyncTargets.impl
}

// TokenProvider returns the configured provider
func (r *Registry) TokenProvider() TokenProvider {
	return r.Tokens.impl
}

// RateLimitProvider returns the configured provider
func (r *Registry) RateLimitProvider() RateLimitProvider {
	return r.RateLimits.impl
}

// RepositoryFilter returns the configured filter or AllowAllFilter
func (r *Registry) RepositoryFilter() RepositoryScopeFilter {
	if f, ok := r.Filter.Get(); ok {
		return f
	}
	return AllowAllFilter{}
}
