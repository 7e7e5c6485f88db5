// Package processor applies inbound issue, pull request, comment and review
// records to the store idempotently and emits domain events after commit.
package processor

import (
	"context"
	"time"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// base holds what every processor shares
type base struct {
	store     storage.Store
	publisher events.Publisher
	now       func() time.Time
}

func newBase(store storage.Store, publisher events.Publisher) base {
	return base{store: store, publisher: publisher, now: func() time.Time { return time.Now().UTC() }}
}

// transact runs fn in one transaction and publishes its events only after commit
func (b *base) transact(ctx context.Context, fn func(ctx context.Context, tx storage.Tx, batch *events.Batch) error) error {
	batch := events.NewBatch()
	err := b.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, tx, batch)
	})
	if err != nil {
		return err
	}
	publishBatch(ctx, batch, b.publisher)
	return nil
}

// publishBatch flushes committed events. Data is already durable, so a
// delivery failure is logged rather than returned.
func publishBatch(ctx context.Context, batch *events.Batch, publisher events.Publisher) {
	n := batch.Len()
	if err := batch.Flush(ctx, publisher); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("events", n).Warn("Failed to publish committed events")
	}
}

func requireRepository(pctx types.ProcessingContext) (string, error) {
	if pctx.Repository == nil {
		return "", apperrors.NewValidationError("repository", "processing context has no repository")
	}
	return pctx.Repository.FullName(), nil
}

// Processors bundles the four entity processors over one store and publisher
type Processors struct {
	Issues       *IssueProcessor
	PullRequests *PullRequestProcessor
	Comments     *CommentProcessor
	Reviews      *ReviewProcessor
}

// New creates all processors
func New(store storage.Store, publisher events.Publisher) *Processors {
	return &Processors{
		Issues:       NewIssueProcessor(store, publisher),
		PullRequests: NewPullRequestProcessor(store, publisher),
		Comments:     NewCommentProcessor(store, publisher),
		Reviews:      NewReviewProcessor(store, publisher),
	}
}

// EnsureIssueStub returns the issue ref points at, creating a stub holding
// only the id and number when it is not stored yet
func EnsureIssueStub(ctx context.Context, tx storage.Tx, batch *events.Batch, ref models.ParentRef, pctx types.ProcessingContext, now time.Time) (*models.Issue, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if ref.ID != 0 {
		existing, err := tx.GetIssue(ctx, pctx.ScopeID, ref.ID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if ref.Number > 0 {
		existing, err := tx.FindIssueByNumber(ctx, pctx.ScopeID, repo, ref.Number)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if ref.ID == 0 || ref.Number <= 0 {
		return nil, apperrors.NewMissingParentError(string(models.ParentIssue), ref.Number)
	}

	stub := &models.Issue{
		ScopeID:    pctx.ScopeID,
		ID:         ref.ID,
		Repository: repo,
		Number:     ref.Number,
		IsStub:     true,
	}
	stub.Stamp(pctx, now)
	created, err := tx.CreateIssueStub(ctx, stub)
	if err != nil {
		return nil, err
	}
	if !created {
		// a concurrent delivery stored the issue after the lookups above
		return rereadIssue(ctx, tx, pctx.ScopeID, repo, ref)
	}
	batch.Add(events.New(events.IssueCreated, pctx, events.NewIssuePayload(stub, nil)))
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"repository": repo,
		"number":     ref.Number,
	}).Debug("Created stub issue for out-of-order child")
	return stub, nil
}

// EnsurePullRequestStub is EnsureIssueStub for pull request parents
func EnsurePullRequestStub(ctx context.Context, tx storage.Tx, batch *events.Batch, ref models.ParentRef, pctx types.ProcessingContext, now time.Time) (*models.PullRequest, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if ref.ID != 0 {
		existing, err := tx.GetPullRequest(ctx, pctx.ScopeID, ref.ID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if ref.Number > 0 {
		existing, err := tx.FindPullRequestByNumber(ctx, pctx.ScopeID, repo, ref.Number)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if ref.ID == 0 || ref.Number <= 0 {
		return nil, apperrors.NewMissingParentError(string(models.ParentPullRequest), ref.Number)
	}

	stub := &models.PullRequest{
		ScopeID:    pctx.ScopeID,
		ID:         ref.ID,
		Repository: repo,
		Number:     ref.Number,
		IsStub:     true,
	}
	stub.Stamp(pctx, now)
	created, err := tx.CreatePullRequestStub(ctx, stub)
	if err != nil {
		return nil, err
	}
	if !created {
		return rereadPullRequest(ctx, tx, pctx.ScopeID, repo, ref)
	}
	batch.Add(events.New(events.PullRequestCreated, pctx, events.NewPullRequestPayload(stub, nil)))
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"repository": repo,
		"number":     ref.Number,
	}).Debug("Created stub pull request for out-of-order child")
	return stub, nil
}

func rereadIssue(ctx context.Context, tx storage.Tx, scopeID int64, repo string, ref models.ParentRef) (*models.Issue, error) {
	existing, err := tx.GetIssue(ctx, scopeID, ref.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	existing, err = tx.FindIssueByNumber(ctx, scopeID, repo, ref.Number)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.NewMissingParentError(string(models.ParentIssue), ref.Number)
	}
	return existing, nil
}

func rereadPullRequest(ctx context.Context, tx storage.Tx, scopeID int64, repo string, ref models.ParentRef) (*models.PullRequest, error) {
	existing, err := tx.GetPullRequest(ctx, scopeID, ref.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	existing, err = tx.FindPullRequestByNumber(ctx, scopeID, repo, ref.Number)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.NewMissingParentError(string(models.ParentPullRequest), ref.Number)
	}
	return existing, nil
}
