package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

const scopeID = int64(1)

var repo = types.RepositoryRef{Owner: "acme", Name: "widgets"}

func ptr[T any](v T) *T { return &v }

func setup(t *testing.T) (*storage.MemoryStore, *events.Recorder, *Processors) {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := events.NewRecorder()
	return store, rec, New(store, rec)
}

func webhookCtx(action string) types.ProcessingContext {
	return types.NewWebhookContext(scopeID, &repo, action, "delivery")
}

func issueDTO() models.IssueDTO {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.IssueDTO{
		ID:          900,
		Number:      42,
		Title:       ptr("Crash on start"),
		Body:        ptr("Stack trace attached"),
		State:       ptr("open"),
		AuthorLogin: ptr("octocat"),
		Labels:      []string{"bug"},
		UpdatedAt:   &updated,
	}
}

func TestIssueProcessor_IdenticalDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	_, err = p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Count(events.IssueCreated))
	assert.Equal(t, 0, rec.Count(events.IssueUpdated))
	require.Len(t, store.Issues(scopeID), 1)
	assert.Equal(t, "OPEN", store.Issues(scopeID)[0].State)
	assert.Equal(t, types.SourceWebhook, store.Issues(scopeID)[0].LastSource)
}

func TestIssueProcessor_FieldChanges(t *testing.T) {
	ctx := context.Background()
	_, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	rec.Reset()

	dto := issueDTO()
	dto.Title = ptr("Crash on start (macOS)")
	dto.State = ptr("closed")
	dto.Labels = []string{"macos"}
	dto.IssueType = ptr("Bug")
	later := dto.UpdatedAt.Add(time.Hour)
	dto.UpdatedAt = &later

	issue, err := p.Issues.Process(ctx, dto, webhookCtx("edited"))
	require.NoError(t, err)
	assert.Equal(t, "Crash on start (macOS)", *issue.Title)
	assert.Equal(t, "Stack trace attached", *issue.Body, "absent fields are left alone")

	assert.Equal(t, []events.Kind{
		events.IssueUpdated,
		events.IssueClosed,
		events.IssueLabeled,
		events.IssueUnlabeled,
		events.IssueTyped,
	}, rec.Kinds())

	updated := rec.Events()[0].Payload.(events.IssuePayload)
	assert.ElementsMatch(t, []string{"title", "state", "labels", "issueType", "updatedAt"}, updated.ChangedFields)
	assert.Equal(t, "macos", rec.Events()[2].Payload.(events.IssuePayload).Label)

	rec.Reset()
	dto.ClearIssueType = true
	dto.IssueType = nil
	dto.State = ptr("open")
	_, err = p.Issues.Process(ctx, dto, webhookCtx("reopened"))
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.IssueUpdated, events.IssueReopened, events.IssueUntyped}, rec.Kinds())
}

func TestIssueProcessor_StaleRevisionIgnored(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	rec.Reset()

	old := issueDTO()
	old.Title = ptr("older title")
	earlier := old.UpdatedAt.Add(-time.Hour)
	old.UpdatedAt = &earlier

	_, err = p.Issues.Process(ctx, old, types.NewBulkSyncContext(scopeID, repo))
	require.NoError(t, err)
	assert.Empty(t, rec.Kinds())
	assert.Equal(t, "Crash on start", *store.Issues(scopeID)[0].Title)
}

func TestCommentBeforeIssueCreatesStub(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	comment := models.CommentDTO{ID: 5001, Body: ptr("me too"), AuthorLogin: ptr("hubot")}
	parent := models.ParentRef{Kind: models.ParentIssue, Number: 42, ID: 900}
	_, err := p.Comments.Process(ctx, comment, parent, webhookCtx("created"))
	require.NoError(t, err)

	issues := store.Issues(scopeID)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].IsStub)
	assert.Nil(t, issues[0].Title)
	assert.Equal(t, []events.Kind{events.IssueCreated, events.CommentCreated}, rec.Kinds())

	rec.Reset()
	_, err = p.Issues.Process(ctx, issueDTO(), types.NewBulkSyncContext(scopeID, repo))
	require.NoError(t, err)

	issues = store.Issues(scopeID)
	require.Len(t, issues, 1, "enrichment must not duplicate the stub")
	assert.False(t, issues[0].IsStub)
	assert.Equal(t, "Crash on start", *issues[0].Title)
	assert.Equal(t, types.SourceBulkSync, issues[0].LastSource)
	assert.Equal(t, []events.Kind{events.IssueUpdated, events.IssueLabeled}, rec.Kinds())
	assert.Contains(t, rec.Events()[0].Payload.(events.IssuePayload).ChangedFields, "stub")

	comments := store.Comments(scopeID)
	require.Len(t, comments, 1)
	assert.Equal(t, 42, comments[0].ParentNumber)
}

func TestCommentWithoutParentIDFails(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Comments.Process(ctx, models.CommentDTO{ID: 1, Body: ptr("x")},
		models.ParentRef{Kind: models.ParentIssue, Number: 3}, webhookCtx("created"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryMissingParent))
	assert.Empty(t, store.Comments(scopeID))
	assert.Empty(t, rec.Kinds())
}

func TestPullRequestStubRekeyedByNumber(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	// issue_comment payloads carry the issue id of a pull request
	_, err := p.Comments.Process(ctx, models.CommentDTO{ID: 1, Body: ptr("lgtm")},
		models.ParentRef{Kind: models.ParentPullRequest, Number: 7, ID: 111}, webhookCtx("created"))
	require.NoError(t, err)
	rec.Reset()

	pr, err := p.PullRequests.Process(ctx, models.PullRequestDTO{
		ID: 222, Number: 7, Title: ptr("Add widget"), State: ptr("OPEN"), Draft: ptr(true),
	}, types.NewBulkSyncContext(scopeID, repo))
	require.NoError(t, err)
	assert.Equal(t, int64(222), pr.ID)

	prs := store.PullRequests(scopeID)
	require.Len(t, prs, 1)
	assert.Equal(t, int64(222), prs[0].ID)
	assert.False(t, prs[0].IsStub)
	assert.Equal(t, 1, rec.Count(events.PullRequestUpdated))
	assert.Equal(t, 0, rec.Count(events.PullRequestCreated))
}

func TestPullRequestTransitions(t *testing.T) {
	ctx := context.Background()
	_, rec, p := setup(t)
	pctx := webhookCtx("opened")

	base := models.PullRequestDTO{ID: 10, Number: 3, Title: ptr("Feature"), State: ptr("open"), Draft: ptr(true)}
	_, err := p.PullRequests.Process(ctx, base, pctx)
	require.NoError(t, err)

	rec.Reset()
	ready := base
	ready.Draft = ptr(false)
	_, err = p.PullRequests.Process(ctx, ready, pctx)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.PullRequestUpdated, events.PullRequestReadyForReview}, rec.Kinds())

	rec.Reset()
	merged := ready
	merged.State = ptr("closed")
	merged.Merged = ptr(true)
	_, err = p.PullRequests.Process(ctx, merged, pctx)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.PullRequestUpdated, events.PullRequestMerged}, rec.Kinds())
}

func TestReviewProcessor(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)
	parent := models.ParentRef{Number: 3, ID: 10}

	_, err := p.Reviews.Process(ctx, models.ReviewDTO{ID: 77, State: ptr("approved")}, parent, webhookCtx("submitted"))
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.PullRequestCreated, events.ReviewSubmitted}, rec.Kinds())
	require.Len(t, store.PullRequests(scopeID), 1)
	assert.True(t, store.PullRequests(scopeID)[0].IsStub)

	rec.Reset()
	_, err = p.Reviews.Process(ctx, models.ReviewDTO{ID: 77, State: ptr("approved")}, parent, webhookCtx("submitted"))
	require.NoError(t, err)
	assert.Empty(t, rec.Kinds())

	_, err = p.Reviews.Process(ctx, models.ReviewDTO{ID: 77, State: ptr("dismissed")}, parent, webhookCtx("dismissed"))
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.ReviewDismissed}, rec.Kinds())
}

func TestDeleteAlwaysPublishes(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	rec.Reset()

	require.NoError(t, p.Issues.Delete(ctx, 900, webhookCtx("deleted")))
	require.NoError(t, p.Issues.Delete(ctx, 900, webhookCtx("deleted")))
	require.NoError(t, p.Comments.Delete(ctx, 404, webhookCtx("deleted")))

	assert.Equal(t, []events.Kind{events.IssueDeleted, events.IssueDeleted, events.CommentDeleted}, rec.Kinds())
	assert.True(t, rec.Events()[0].Payload.(events.DeletedPayload).Existed)
	assert.False(t, rec.Events()[1].Payload.(events.DeletedPayload).Existed)
	assert.Empty(t, store.Issues(scopeID))
}

func TestEventsNotPublishedOnRollback(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	rec.Reset()

	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch := events.NewBatch()
		dto := issueDTO()
		dto.Title = ptr("changed")
		if _, err := p.Issues.Apply(ctx, tx, batch, dto, webhookCtx("edited")); err != nil {
			return err
		}
		require.Equal(t, 1, batch.Len())
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, rec.Kinds())
	assert.Equal(t, "Crash on start", *store.Issues(scopeID)[0].Title)
}

func TestProcessRequiresRepository(t *testing.T) {
	_, _, p := setup(t)
	_, err := p.Issues.Process(context.Background(), issueDTO(), types.ProcessingContext{ScopeID: scopeID})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

// laggingStore hands each transaction a view whose first issue lookups miss,
// as a READ COMMITTED snapshot taken before a concurrent commit would.
type laggingStore struct {
	storage.Store
}

func (s laggingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &laggingTx{Tx: tx})
	})
}

type laggingTx struct {
	storage.Tx
	missedGet, missedFind bool
}

func (tx *laggingTx) GetIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error) {
	if !tx.missedGet {
		tx.missedGet = true
		return nil, nil
	}
	return tx.Tx.GetIssue(ctx, scopeID, id)
}

func (tx *laggingTx) FindIssueByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.Issue, error) {
	if !tx.missedFind {
		tx.missedFind = true
		return nil, nil
	}
	return tx.Tx.FindIssueByNumber(ctx, scopeID, repository, number)
}

func TestStubNeverOverwritesConcurrentlyStoredIssue(t *testing.T) {
	ctx := context.Background()
	store, rec, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)
	rec.Reset()

	comments := NewCommentProcessor(laggingStore{store}, rec)
	comment := models.CommentDTO{ID: 5001, Body: ptr("me too"), AuthorLogin: ptr("hubot")}
	parent := models.ParentRef{Kind: models.ParentIssue, Number: 42, ID: 900}
	_, err = comments.Process(ctx, comment, parent, webhookCtx("created"))
	require.NoError(t, err)

	issues := store.Issues(scopeID)
	require.Len(t, issues, 1)
	assert.False(t, issues[0].IsStub)
	require.NotNil(t, issues[0].Title)
	assert.Equal(t, "Crash on start", *issues[0].Title)
	assert.Equal(t, []events.Kind{events.CommentCreated}, rec.Kinds())

	stored := store.Comments(scopeID)
	require.Len(t, stored, 1)
	assert.Equal(t, 42, stored[0].ParentNumber)
}

func TestCreateIssueStubSkipsExistingNumber(t *testing.T) {
	ctx := context.Background()
	store, _, p := setup(t)

	_, err := p.Issues.Process(ctx, issueDTO(), webhookCtx("opened"))
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		created, err := tx.CreateIssueStub(ctx, &models.Issue{ScopeID: scopeID, ID: 901, Repository: "acme/widgets", Number: 42, IsStub: true})
		require.NoError(t, err)
		assert.False(t, created)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, store.Issues(scopeID), 1)
	assert.Equal(t, int64(900), store.Issues(scopeID)[0].ID)
}
