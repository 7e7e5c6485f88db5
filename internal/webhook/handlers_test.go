package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gh "github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/ratelimit"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/types"
)

const (
	scopeID        = int64(1)
	installationID = int64(55)
)

type forgetCache struct{ forgotten []int64 }

func (c *forgetCache) Forget(scopeID int64) { c.forgotten = append(c.forgotten, scopeID) }

type fixture struct {
	store    *storage.MemoryStore
	rec      *events.Recorder
	procs    *processor.Processors
	cache    *forgetCache
	handlers *Handlers
}

func newFixture(t *testing.T, filter tenant.RepositoryScopeFilter) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	inst := installationID
	store.AddScope(&models.Scope{
		ID:             scopeID,
		Login:          "acme",
		AuthMode:       types.AuthModeInstallation,
		InstallationID: &inst,
		Active:         true,
	}, "")
	store.PutSyncTarget(&models.SyncTarget{ScopeID: scopeID, Owner: "acme", Name: "widgets"})

	tracker, err := ratelimit.NewTracker(ratelimit.NewConfig(), nil)
	require.NoError(t, err)
	registry := &tenant.Registry{
		SyncTargets: tenant.Provide[tenant.SyncTargetProvider](store),
		Tokens:      tenant.Provide[tenant.TokenProvider](store),
		RateLimits:  tenant.Provide[tenant.RateLimitProvider](tracker),
	}
	if filter != nil {
		registry.Filter = tenant.Provide(filter)
	}
	require.NoError(t, registry.Validate())

	rec := events.NewRecorder()
	procs := processor.New(store, rec)
	cache := &forgetCache{}
	return &fixture{
		store:    store,
		rec:      rec,
		procs:    procs,
		cache:    cache,
		handlers: NewHandlers(registry, procs, rec, cache),
	}
}

func (f *fixture) deliver(t *testing.T, event string, payload interface{}) error {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.handlers.Handle(context.Background(), Delivery{ID: "delivery-1", Event: event, Payload: body, ReceivedAt: time.Now()})
}

func repo(owner, name string) *gh.Repository {
	return &gh.Repository{
		ID:       gh.Int64(900),
		Name:     gh.String(name),
		FullName: gh.String(owner + "/" + name),
		Owner:    &gh.User{Login: gh.String(owner)},
	}
}

func installation() *gh.Installation {
	return &gh.Installation{ID: gh.Int64(installationID), Account: &gh.User{Login: gh.String("acme")}}
}

func openedIssue(number int) *gh.IssuesEvent {
	updated := gh.Timestamp{Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return &gh.IssuesEvent{
		Action: gh.String("opened"),
		Issue: &gh.Issue{
			ID:        gh.Int64(int64(5000 + number)),
			Number:    gh.Int(number),
			Title:     gh.String("Broken build"),
			Body:      gh.String("CI fails on main"),
			State:     gh.String("open"),
			User:      &gh.User{Login: gh.String("octocat")},
			Labels:    []*gh.Label{{Name: gh.String("bug")}},
			CreatedAt: &updated,
			UpdatedAt: &updated,
		},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	}
}

func TestHandle_CommentBeforeIssue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.deliver(t, "issue_comment", &gh.IssueCommentEvent{
		Action:       gh.String("created"),
		Issue:        &gh.Issue{ID: gh.Int64(5020), Number: gh.Int(20), Title: gh.String("ignored")},
		Comment:      &gh.IssueComment{ID: gh.Int64(77), Body: gh.String("me too")},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	})
	require.NoError(t, err)

	issues := f.store.Issues(scopeID)
	require.Len(t, issues, 1)
	assert.Equal(t, 20, issues[0].Number)
	assert.True(t, issues[0].IsStub)
	assert.Nil(t, issues[0].Title, "stub only carries id and number")
	assert.Nil(t, issues[0].Body)

	comments := f.store.Comments(scopeID)
	require.Len(t, comments, 1)
	assert.Equal(t, 20, comments[0].ParentNumber)
	assert.Equal(t, models.ParentIssue, comments[0].ParentKind)

	// a later bulk sync enriches the stub in place
	title := "Crash on start"
	_, err = f.procs.Issues.Process(ctx, models.IssueDTO{ID: 5020, Number: 20, Title: &title},
		types.NewBulkSyncContext(scopeID, types.RepositoryRef{Owner: "acme", Name: "widgets"}))
	require.NoError(t, err)

	issues = f.store.Issues(scopeID)
	require.Len(t, issues, 1)
	assert.False(t, issues[0].IsStub)
	assert.Equal(t, "Crash on start", *issues[0].Title)
}

func TestHandle_PullRequestCommentCreatesPullRequestStub(t *testing.T) {
	f := newFixture(t, nil)

	err := f.deliver(t, "issue_comment", &gh.IssueCommentEvent{
		Action: gh.String("created"),
		Issue: &gh.Issue{
			ID:               gh.Int64(6003),
			Number:           gh.Int(3),
			PullRequestLinks: &gh.PullRequestLinks{URL: gh.String("https://api.github.com/repos/acme/widgets/pulls/3")},
		},
		Comment:      &gh.IssueComment{ID: gh.Int64(78), Body: gh.String("LGTM")},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	})
	require.NoError(t, err)

	assert.Empty(t, f.store.Issues(scopeID))
	require.Len(t, f.store.PullRequests(scopeID), 1)
	assert.Equal(t, models.ParentPullRequest, f.store.Comments(scopeID)[0].ParentKind)
}

func TestHandle_ReviewBeforePullRequest(t *testing.T) {
	f := newFixture(t, nil)

	err := f.deliver(t, "pull_request_review", &gh.PullRequestReviewEvent{
		Action:       gh.String("submitted"),
		Review:       &gh.PullRequestReview{ID: gh.Int64(300), State: gh.String("approved")},
		PullRequest:  &gh.PullRequest{ID: gh.Int64(7009), Number: gh.Int(9)},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	})
	require.NoError(t, err)

	prs := f.store.PullRequests(scopeID)
	require.Len(t, prs, 1)
	assert.True(t, prs[0].IsStub)
	assert.Equal(t, 1, f.rec.Count(events.ReviewSubmitted))
}

func TestHandle_IdenticalDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.deliver(t, "issues", openedIssue(4)))
	require.NoError(t, f.deliver(t, "issues", openedIssue(4)))

	assert.Equal(t, 1, f.rec.Count(events.IssueCreated))
	assert.Zero(t, f.rec.Count(events.IssueUpdated))
	require.Len(t, f.store.Issues(scopeID), 1)
	assert.Equal(t, []string{"bug"}, f.store.Issues(scopeID)[0].Labels)
}

func TestHandle_EditedIssuePublishesUpdate(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.deliver(t, "issues", openedIssue(4)))

	edited := openedIssue(4)
	edited.Action = gh.String("closed")
	edited.Issue.State = gh.String("closed")
	later := gh.Timestamp{Time: edited.Issue.UpdatedAt.Add(time.Hour)}
	edited.Issue.UpdatedAt = &later
	require.NoError(t, f.deliver(t, "issues", edited))

	assert.Equal(t, 1, f.rec.Count(events.IssueUpdated))
	assert.Equal(t, 1, f.rec.Count(events.IssueClosed))
}

func TestHandle_DeleteAlwaysPublishes(t *testing.T) {
	f := newFixture(t, nil)
	deleted := &gh.IssuesEvent{
		Action:       gh.String("deleted"),
		Issue:        &gh.Issue{ID: gh.Int64(5999), Number: gh.Int(999)},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	}

	require.NoError(t, f.deliver(t, "issues", deleted))
	require.NoError(t, f.deliver(t, "issues", deleted))

	assert.Equal(t, 2, f.rec.Count(events.IssueDeleted))
	payload, ok := f.rec.Events()[0].Payload.(events.DeletedPayload)
	require.True(t, ok)
	assert.False(t, payload.Existed)

	require.NoError(t, f.deliver(t, "issue_comment", &gh.IssueCommentEvent{
		Action:       gh.String("deleted"),
		Issue:        &gh.Issue{ID: gh.Int64(5001), Number: gh.Int(1)},
		Comment:      &gh.IssueComment{ID: gh.Int64(12345)},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	}))
	assert.Equal(t, 1, f.rec.Count(events.CommentDeleted))
	assert.Empty(t, f.store.Issues(scopeID), "deletes never create stubs")
}

func TestHandle_DropsDeliveriesOutOfScope(t *testing.T) {
	tests := []struct {
		name    string
		filter  tenant.RepositoryScopeFilter
		mutate  func(e *gh.IssuesEvent)
		prepare func(f *fixture)
	}{
		{name: "unmonitored repository", mutate: func(e *gh.IssuesEvent) { e.Repo = repo("acme", "other") }},
		{name: "unknown installation", mutate: func(e *gh.IssuesEvent) { e.Installation.ID = gh.Int64(999) }},
		{name: "no installation", mutate: func(e *gh.IssuesEvent) { e.Installation = nil }},
		{
			name:   "filtered repository",
			filter: tenant.NewAllowListFilter([]string{"acme/gadgets"}),
			mutate: func(e *gh.IssuesEvent) {},
		},
		{
			name:    "suspended scope",
			mutate:  func(e *gh.IssuesEvent) {},
			prepare: func(f *fixture) { require.NoError(t, f.store.SetScopeState(context.Background(), scopeID, true, true)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.filter)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			e := openedIssue(4)
			tt.mutate(e)

			require.NoError(t, f.deliver(t, "issues", e))
			assert.Empty(t, f.store.Issues(scopeID))
			assert.Empty(t, f.rec.Events())
		})
	}
}

func TestHandle_InvalidDeliveries(t *testing.T) {
	f := newFixture(t, nil)

	err := f.handlers.Handle(context.Background(), Delivery{Event: "deployment", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	err = f.handlers.Handle(context.Background(), Delivery{Event: "issues", Payload: []byte(`{not json`)})
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

	err = f.deliver(t, "issues", &gh.IssuesEvent{Action: gh.String("opened"), Repo: repo("acme", "widgets")})
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestHandle_InstallationLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	send := func(action string) {
		require.NoError(t, f.deliver(t, "installation", &gh.InstallationEvent{
			Action:       gh.String(action),
			Installation: installation(),
		}))
	}

	send("suspend")
	assert.True(t, f.store.Scope(scopeID).Suspended)
	assert.Equal(t, 1, f.rec.Count(events.InstallationSuspended))

	send("unsuspend")
	assert.False(t, f.store.Scope(scopeID).Suspended)
	assert.True(t, f.store.Scope(scopeID).Active)

	send("new_permissions_accepted")
	assert.Equal(t, 1, f.rec.Count(events.InstallationPermissionsAccepted))

	send("deleted")
	assert.False(t, f.store.Scope(scopeID).Active)
	assert.Equal(t, 1, f.rec.Count(events.InstallationDeleted))
	assert.Equal(t, []int64{scopeID, scopeID, scopeID}, f.cache.forgotten)

	require.NoError(t, f.deliver(t, "installation", &gh.InstallationEvent{
		Action:       gh.String("created"),
		Installation: installation(),
		Repositories: []*gh.Repository{{FullName: gh.String("acme/gadgets"), Name: gh.String("gadgets")}},
	}))
	assert.True(t, f.store.Scope(scopeID).Active)
	target, err := f.store.FindSyncTarget(context.Background(), scopeID, "acme", "gadgets")
	require.NoError(t, err)
	assert.NotNil(t, target)
	assert.Equal(t, 1, f.rec.Count(events.InstallationCreated))
}

func TestHandle_InstallationWithoutTenant(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.deliver(t, "installation", &gh.InstallationEvent{
		Action:       gh.String("created"),
		Installation: &gh.Installation{ID: gh.Int64(404)},
	}))
	assert.Empty(t, f.rec.Events())
}

func TestHandle_InstallationRepositories(t *testing.T) {
	f := newFixture(t, tenant.NewAllowListFilter([]string{"acme/widgets", "acme/gadgets"}))
	ctx := context.Background()

	require.NoError(t, f.deliver(t, "installation_repositories", &gh.InstallationRepositoriesEvent{
		Action:       gh.String("added"),
		Installation: installation(),
		RepositoriesAdded: []*gh.Repository{
			{FullName: gh.String("acme/gadgets")},
			{FullName: gh.String("acme/secret")},
		},
	}))
	targets, err := f.store.ListSyncTargets(ctx, scopeID)
	require.NoError(t, err)
	assert.Len(t, targets, 2, "filtered repositories are not added")

	require.NoError(t, f.deliver(t, "installation_repositories", &gh.InstallationRepositoriesEvent{
		Action:              gh.String("removed"),
		Installation:        installation(),
		RepositoriesRemoved: []*gh.Repository{{FullName: gh.String("acme/widgets")}},
	}))
	targets, err = f.store.ListSyncTargets(ctx, scopeID)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "gadgets", targets[0].Name)

	assert.Equal(t, 1, f.rec.Count(events.InstallationRepositoriesAdded))
	assert.Equal(t, 1, f.rec.Count(events.InstallationRepositoriesRemoved))
	added := f.rec.Events()[0].Payload.(events.InstallationPayload)
	assert.Equal(t, []string{"acme/gadgets"}, added.Repositories)
}

func TestHandle_RepositoryRenamedAndDeleted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.deliver(t, "repository", &gh.RepositoryEvent{
		Action:       gh.String("renamed"),
		Repo:         repo("acme", "sprockets"),
		Changes:      &gh.EditChange{Repo: &gh.EditRepo{Name: &gh.RepoName{From: gh.String("widgets")}}},
		Installation: installation(),
	}))
	renamed, err := f.store.FindSyncTarget(ctx, scopeID, "acme", "sprockets")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	old, err := f.store.FindSyncTarget(ctx, scopeID, "acme", "widgets")
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, 1, f.rec.Count(events.RepositoryRenamed))

	require.NoError(t, f.deliver(t, "repository", &gh.RepositoryEvent{
		Action:       gh.String("archived"),
		Repo:         repo("acme", "sprockets"),
		Installation: installation(),
	}))
	assert.Equal(t, 1, f.rec.Count(events.RepositoryArchived))

	require.NoError(t, f.deliver(t, "repository", &gh.RepositoryEvent{
		Action:       gh.String("deleted"),
		Repo:         repo("acme", "sprockets"),
		Installation: installation(),
	}))
	gone, err := f.store.FindSyncTarget(ctx, scopeID, "acme", "sprockets")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, 1, f.rec.Count(events.RepositoryDeleted))
}

func TestHandle_Member(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.deliver(t, "member", &gh.MemberEvent{
		Action:       gh.String("added"),
		Member:       &gh.User{Login: gh.String("hubot")},
		Repo:         repo("acme", "widgets"),
		Installation: installation(),
	}))

	require.Equal(t, 1, f.rec.Count(events.MemberAdded))
	payload := f.rec.Events()[0].Payload.(events.MemberPayload)
	assert.Equal(t, "hubot", payload.Login)
	assert.Equal(t, "acme/widgets", payload.Repository)
}
