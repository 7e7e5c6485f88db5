package webhook

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v62/github"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/types"
)

var installationKinds = map[string]events.Kind{
	"created":                  events.InstallationCreated,
	"deleted":                  events.InstallationDeleted,
	"suspend":                  events.InstallationSuspended,
	"unsuspend":                events.InstallationUnsuspended,
	"new_permissions_accepted": events.InstallationPermissionsAccepted,
}

// handleInstallation tracks the tenant's access grant. Scopes are
// provisioned elsewhere; an installation nobody owns is ignored.
func (h *Handlers) handleInstallation(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.InstallationEvent)
	if !ok || e.Installation == nil {
		return apperrors.NewValidationError("installation", "missing installation")
	}
	action := e.GetAction()
	kind, ok := installationKinds[action]
	if !ok {
		logging.FromContext(ctx).WithField("action", action).Debug("Ignoring installation action")
		return nil
	}

	scope, err := h.contexts.ScopeFor(ctx, e.Installation)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"installation": logging.RedactInt(e.Installation.GetID()),
		"action":       action,
	})
	if scope == nil {
		logger.Info("Installation has no tenant, ignoring")
		return nil
	}
	logger = logger.WithScope(scope.ID)

	switch action {
	case "created", "unsuspend":
		err = h.tokens.SetScopeState(ctx, scope.ID, true, false)
	case "suspend":
		err = h.tokens.SetScopeState(ctx, scope.ID, scope.Active, true)
		h.forget(scope.ID)
	case "deleted":
		err = h.tokens.SetScopeState(ctx, scope.ID, false, false)
		h.forget(scope.ID)
	case "new_permissions_accepted":
		h.forget(scope.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update scope state: %w", err)
	}

	var names []string
	if action == "created" {
		names = h.addTargets(ctx, scope.ID, e.Repositories)
	}

	pctx := types.NewWebhookContext(scope.ID, nil, action, d.ID)
	h.publish(ctx, events.New(kind, pctx, events.InstallationPayload{
		InstallationID: e.Installation.GetID(),
		Account:        e.Installation.GetAccount().GetLogin(),
		Repositories:   names,
	}))
	logger.Info("Installation state updated")
	return nil
}

func (h *Handlers) handleInstallationRepositories(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.InstallationRepositoriesEvent)
	if !ok || e.Installation == nil {
		return apperrors.NewValidationError("installation", "missing installation")
	}
	scope, err := h.contexts.ScopeFor(ctx, e.Installation)
	if err != nil || scope == nil {
		return err
	}

	action := e.GetAction()
	var kind events.Kind
	var names []string
	switch action {
	case "added":
		kind = events.InstallationRepositoriesAdded
		names = h.addTargets(ctx, scope.ID, e.RepositoriesAdded)
	case "removed":
		kind = events.InstallationRepositoriesRemoved
		names = h.removeTargets(ctx, scope.ID, e.RepositoriesRemoved)
	default:
		return nil
	}

	pctx := types.NewWebhookContext(scope.ID, nil, action, d.ID)
	h.publish(ctx, events.New(kind, pctx, events.InstallationPayload{
		InstallationID: e.Installation.GetID(),
		Account:        e.Installation.GetAccount().GetLogin(),
		Repositories:   names,
	}))
	return nil
}

// addTargets starts monitoring every admitted repository and returns their names
func (h *Handlers) addTargets(ctx context.Context, scopeID int64, repos []*gh.Repository) []string {
	logger := logging.FromContext(ctx).WithScope(scopeID)
	var names []string
	for _, r := range repos {
		ref, err := repositoryRef(r)
		if err != nil {
			logger.WithError(err).Warn("Skipping malformed repository")
			continue
		}
		if !h.contexts.Allowed(ref.Owner, ref.Name) {
			continue
		}
		if _, err := h.targets.AddSyncTarget(ctx, scopeID, ref.Owner, ref.Name); err != nil {
			logger.WithError(err).WithField("repository", ref.FullName()).Warn("Failed to add sync target")
			continue
		}
		names = append(names, ref.FullName())
	}
	return names
}

func (h *Handlers) removeTargets(ctx context.Context, scopeID int64, repos []*gh.Repository) []string {
	logger := logging.FromContext(ctx).WithScope(scopeID)
	var names []string
	for _, r := range repos {
		ref, err := repositoryRef(r)
		if err != nil {
			logger.WithError(err).Warn("Skipping malformed repository")
			continue
		}
		removed, err := h.targets.RemoveSyncTarget(ctx, scopeID, ref.Owner, ref.Name)
		if err != nil {
			logger.WithError(err).WithField("repository", ref.FullName()).Warn("Failed to remove sync target")
			continue
		}
		if removed {
			names = append(names, ref.FullName())
		}
	}
	return names
}

var repositoryKinds = map[string]events.Kind{
	"deleted":    events.RepositoryDeleted,
	"archived":   events.RepositoryArchived,
	"unarchived": events.RepositoryUnarchived,
	"renamed":    events.RepositoryRenamed,
	"privatized": events.RepositoryPrivatized,
	"publicized": events.RepositoryPublicized,
}

func (h *Handlers) handleRepository(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.RepositoryEvent)
	if !ok || e.Repo == nil {
		return apperrors.NewValidationError("repository", "missing repository")
	}
	action := e.GetAction()
	kind, ok := repositoryKinds[action]
	if !ok {
		return nil
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}

	// a renamed repository is still monitored under its old name
	lookup := repo
	previous := previousName(e)
	if action == "renamed" && previous != "" {
		lookup.Name = previous
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, lookup, action)
	if err != nil || res == nil {
		return err
	}

	switch action {
	case "deleted":
		if _, err := h.targets.RemoveSyncTarget(ctx, res.Scope.ID, res.Target.Owner, res.Target.Name); err != nil {
			return fmt.Errorf("failed to remove sync target: %w", err)
		}
	case "renamed":
		if err := h.targets.RenameSyncTarget(ctx, res.Target.ID, repo.Owner, repo.Name); err != nil {
			return fmt.Errorf("failed to rename sync target: %w", err)
		}
		res.Context.Repository = &types.RepositoryRef{ID: repo.ID, Owner: repo.Owner, Name: repo.Name}
	}

	h.publish(ctx, events.New(kind, res.Context, events.RepositoryPayload{
		Repository:   repo.FullName(),
		PreviousName: previous,
		Private:      e.Repo.GetPrivate(),
		Archived:     e.Repo.GetArchived(),
	}))
	return nil
}

func previousName(e *gh.RepositoryEvent) string {
	if e.Changes == nil || e.Changes.Repo == nil || e.Changes.Repo.Name == nil {
		return ""
	}
	return e.Changes.Repo.Name.GetFrom()
}

func (h *Handlers) handleMember(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.MemberEvent)
	if !ok || e.Member == nil {
		return apperrors.NewValidationError("member", "missing member")
	}
	var kind events.Kind
	switch e.GetAction() {
	case "added":
		kind = events.MemberAdded
	case "removed":
		kind = events.MemberRemoved
	default:
		return nil
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, repo, e.GetAction())
	if err != nil || res == nil {
		return err
	}

	h.publish(ctx, events.New(kind, res.Context, events.MemberPayload{
		Repository: repo.FullName(),
		Login:      e.Member.GetLogin(),
	}))
	logging.FromContext(ctx).WithScope(res.Scope.ID).WithFields(map[string]interface{}{
		"member": logging.Redact(e.Member.GetLogin()),
		"action": e.GetAction(),
	}).Debug("Collaborator change recorded")
	return nil
}

func (h *Handlers) forget(scopeID int64) {
	if h.cache != nil {
		h.cache.Forget(scopeID)
	}
}
