package webhook

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v62/github"

	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/types"
)

// Resolved is the tenant-side view of a delivery that passed filtering
type Resolved struct {
	Context types.ProcessingContext
	Scope   *models.Scope
	Target  *models.SyncTarget
}

// ContextFactory turns a delivery into a ProcessingContext, dropping
// deliveries for repositories nobody mirrors
type ContextFactory struct {
	tokens  tenant.TokenProvider
	targets tenant.SyncTargetProvider
	filter  tenant.RepositoryScopeFilter
}

// NewContextFactory creates a factory over the registry's providers
func NewContextFactory(registry *tenant.Registry) *ContextFactory {
	return &ContextFactory{
		tokens:  registry.TokenProvider(),
		targets: registry.SyncTargetProvider(),
		filter:  registry.RepositoryFilter(),
	}
}

// ScopeFor maps an installation to its scope. A nil scope means no tenant
// owns the installation.
func (f *ContextFactory) ScopeFor(ctx context.Context, installation *gh.Installation) (*models.Scope, error) {
	if installation == nil || installation.ID == nil {
		return nil, nil
	}
	scope, err := f.tokens.ScopeForInstallation(ctx, installation.GetID())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve installation: %w", err)
	}
	return scope, nil
}

// Allowed reports whether the repository filter admits owner/name
func (f *ContextFactory) Allowed(owner, name string) bool {
	return !f.filter.FilteringActive() || f.filter.Allowed(owner, name)
}

// ForRepository resolves the scope and sync target of a repository event.
// It returns nil without error when the delivery must be dropped.
func (f *ContextFactory) ForRepository(ctx context.Context, d Delivery, installation *gh.Installation, repo types.RepositoryRef, action string) (*Resolved, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"event":    d.Event,
		"delivery": d.ID,
	})

	scope, err := f.ScopeFor(ctx, installation)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		logger.Debug("No tenant for installation, dropping delivery")
		return nil, nil
	}
	if !scope.Eligible() {
		logger.WithScope(scope.ID).Debug("Scope inactive, dropping delivery")
		return nil, nil
	}
	if !f.Allowed(repo.Owner, repo.Name) {
		logger.WithScope(scope.ID).Debug("Repository filtered out, dropping delivery")
		return nil, nil
	}

	target, err := f.targets.FindSyncTarget(ctx, scope.ID, repo.Owner, repo.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to find sync target: %w", err)
	}
	if target == nil {
		logger.WithScope(scope.ID).Debug("Repository not monitored, dropping delivery")
		return nil, nil
	}

	ref := target.Ref()
	ref.ID = repo.ID
	return &Resolved{
		Context: types.NewWebhookContext(scope.ID, &ref, action, d.ID),
		Scope:   scope,
		Target:  target,
	}, nil
}

// repositoryRef extracts owner/name from a payload repository
func repositoryRef(repo *gh.Repository) (types.RepositoryRef, error) {
	if repo == nil {
		return types.RepositoryRef{}, fmt.Errorf("payload has no repository")
	}
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" || name == "" {
		ref, err := types.ParseRepositoryFullName(repo.GetFullName())
		if err != nil {
			return types.RepositoryRef{}, err
		}
		owner, name = ref.Owner, ref.Name
	}
	return types.RepositoryRef{ID: repo.GetID(), Owner: owner, Name: name}, nil
}
