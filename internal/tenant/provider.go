// Package tenant defines the contracts the sync engine needs from its host:
// which scopes and repositories exist, how to authenticate, which repositories
// are in scope, and how much quota is left.
package tenant

import (
	"context"
	"strings"
	"time"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/ratelimit"
)

// SyncTargetProvider enumerates scopes and their sync targets and persists progress
type SyncTargetProvider interface {
	ListEligibleScopes(ctx context.Context) ([]*models.Scope, error)
	ListSyncTargets(ctx context.Context, scopeID int64) ([]*models.SyncTarget, error)
	GetSyncTarget(ctx context.Context, targetID int64) (*models.SyncTarget, error)
	// FindSyncTarget returns nil without error when the repository is not monitored
	FindSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error)
	// SaveSyncTarget persists sync progress only; owner and name are left untouched
	SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error
	RenameSyncTarget(ctx context.Context, targetID int64, owner, name string) error
	AddSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error)
	RemoveSyncTarget(ctx context.Context, scopeID int64, owner, name string) (bool, error)
}

// TokenProvider resolves credentials and installation mappings
type TokenProvider interface {
	Credentials(ctx context.Context, scopeID int64) (*models.Credentials, error)
	// ScopeForInstallation returns nil without error when no scope maps to the installation
	ScopeForInstallation(ctx context.Context, installationID int64) (*models.Scope, error)
	SetScopeState(ctx context.Context, scopeID int64, active, suspended bool) error
}

// RepositoryScopeFilter restricts which repositories are mirrored
type RepositoryScopeFilter interface {
	FilteringActive() bool
	Allowed(owner, name string) bool
}

// RateLimitProvider exposes per-scope quota
type RateLimitProvider interface {
	Update(ctx context.Context, scopeID int64, obs ratelimit.Observation) *ratelimit.Snapshot
	Remaining(scopeID int64) int
	IsCritical(scopeID int64) bool
	IsLow(scopeID int64) bool
	RecommendedDelay(scopeID int64) time.Duration
	WaitIfNeeded(ctx context.Context, scopeID int64) bool
}

// AllowAllFilter lets every repository through
type AllowAllFilter struct{}

func (AllowAllFilter) FilteringActive() bool       { return false }
func (AllowAllFilter) Allowed(string, string) bool { return true }

// AllowListFilter admits only the listed owner/name pairs. An entry of "owner/*"
// admits every repository of that owner.
type AllowListFilter struct {
	repos  map[string]struct{}
	owners map[string]struct{}
}

// NewAllowListFilter builds a filter from owner/name entries, case-insensitively
func NewAllowListFilter(entries []string) *AllowListFilter {
	f := &AllowListFilter{repos: map[string]struct{}{}, owners: map[string]struct{}{}}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if owner, ok := strings.CutSuffix(entry, "/*"); ok {
			f.owners[owner] = struct{}{}
			continue
		}
		f.repos[entry] = struct{}{}
	}
	return f
}

// FilteringActive reports whether any entry was configured
func (f *AllowListFilter) FilteringActive() bool {
	return len(f.repos)+len(f.owners) > 0
}

// Allowed reports whether owner/name passes the filter
func (f *AllowListFilter) Allowed(owner, name string) bool {
	if !f.FilteringActive() {
		return true
	}
	owner = strings.ToLower(owner)
	if _, ok := f.owners[owner]; ok {
		return true
	}
	_, ok := f.repos[owner+"/"+strings.ToLower(name)]
	return ok
}
