// Package webhook applies upstream webhook deliveries to the mirror. Each
// event type has one handler; deliveries are consumed per domain by a pool
// of workers, each message in its own transaction.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	gh "github.com/google/go-github/v62/github"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/tenant"
)

// ErrUnsupportedEvent is returned for event types without a handler
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// Delivery is one received webhook
type Delivery struct {
	ID         string
	Event      string
	Payload    []byte
	ReceivedAt time.Time
}

// HandlerFunc handles one parsed delivery
type HandlerFunc func(ctx context.Context, d Delivery, payload interface{}) error

// TokenCache drops cached installation tokens
type TokenCache interface {
	Forget(scopeID int64)
}

// Handlers routes deliveries to processors and lifecycle actions
type Handlers struct {
	contexts  *ContextFactory
	procs     *processor.Processors
	targets   tenant.SyncTargetProvider
	tokens    tenant.TokenProvider
	publisher events.Publisher
	cache     TokenCache
	routes    map[string]HandlerFunc
}

// NewHandlers wires handlers over the registry's providers. cache may be nil.
func NewHandlers(registry *tenant.Registry, procs *processor.Processors, publisher events.Publisher, cache TokenCache) *Handlers {
	h := &Handlers{
		contexts:  NewContextFactory(registry),
		procs:     procs,
		targets:   registry.SyncTargetProvider(),
		tokens:    registry.TokenProvider(),
		publisher: publisher,
		cache:     cache,
	}
	h.routes = map[string]HandlerFunc{
		"issues":                    h.handleIssue,
		"pull_request":              h.handlePullRequest,
		"issue_comment":             h.handleIssueComment,
		"pull_request_review":       h.handleReview,
		"installation":              h.handleInstallation,
		"installation_repositories": h.handleInstallationRepositories,
		"repository":                h.handleRepository,
		"member":                    h.handleMember,
	}
	return h
}

// Supports reports whether event has a handler
func (h *Handlers) Supports(event string) bool {
	_, ok := h.routes[event]
	return ok
}

// Handle parses and applies one delivery. Deliveries for unmonitored
// repositories and unknown tenants are dropped without error.
func (h *Handlers) Handle(ctx context.Context, d Delivery) error {
	route, ok := h.routes[d.Event]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, d.Event)
	}
	payload, err := gh.ParseWebHook(d.Event, d.Payload)
	if err != nil {
		return apperrors.NewValidationError("payload", err.Error())
	}
	return route(ctx, d, payload)
}

func (h *Handlers) handleIssue(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.IssuesEvent)
	if !ok || e.Issue == nil {
		return apperrors.NewValidationError("issue", "missing issue")
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, repo, e.GetAction())
	if err != nil || res == nil {
		return err
	}

	if e.GetAction() == "deleted" {
		return h.procs.Issues.Delete(ctx, e.Issue.GetID(), res.Context)
	}
	_, err = h.procs.Issues.Process(ctx, issueDTO(e.Issue), res.Context)
	return err
}

func (h *Handlers) handlePullRequest(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.PullRequestEvent)
	if !ok || e.PullRequest == nil {
		return apperrors.NewValidationError("pull_request", "missing pull request")
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, repo, e.GetAction())
	if err != nil || res == nil {
		return err
	}

	if e.GetAction() == "deleted" {
		return h.procs.PullRequests.Delete(ctx, e.PullRequest.GetID(), res.Context)
	}
	_, err = h.procs.PullRequests.Process(ctx, pullRequestDTO(e.PullRequest), res.Context)
	return err
}

// handleIssueComment never upserts the parent from the comment payload. A
// locally unknown parent becomes a stub holding its id and number only.
func (h *Handlers) handleIssueComment(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.IssueCommentEvent)
	if !ok || e.Comment == nil || e.Issue == nil {
		return apperrors.NewValidationError("comment", "missing comment or parent")
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, repo, e.GetAction())
	if err != nil || res == nil {
		return err
	}

	if e.GetAction() == "deleted" {
		return h.procs.Comments.Delete(ctx, e.Comment.GetID(), res.Context)
	}
	_, err = h.procs.Comments.Process(ctx, commentDTO(e.Comment), commentParent(e.Issue), res.Context)
	return err
}

func (h *Handlers) handleReview(ctx context.Context, d Delivery, payload interface{}) error {
	e, ok := payload.(*gh.PullRequestReviewEvent)
	if !ok || e.Review == nil || e.PullRequest == nil {
		return apperrors.NewValidationError("review", "missing review or pull request")
	}
	repo, err := repositoryRef(e.Repo)
	if err != nil {
		return apperrors.NewValidationError("repository", err.Error())
	}
	res, err := h.contexts.ForRepository(ctx, d, e.Installation, repo, e.GetAction())
	if err != nil || res == nil {
		return err
	}

	parent := models.ParentRef{
		Kind:   models.ParentPullRequest,
		Number: e.PullRequest.GetNumber(),
		ID:     e.PullRequest.GetID(),
	}
	if e.GetAction() == "deleted" {
		return h.procs.Reviews.Delete(ctx, e.Review.GetID(), res.Context)
	}
	_, err = h.procs.Reviews.Process(ctx, reviewDTO(e.Review), parent, res.Context)
	return err
}

func (h *Handlers) publish(ctx context.Context, evts ...events.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, evts...); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to publish webhook events")
	}
}
