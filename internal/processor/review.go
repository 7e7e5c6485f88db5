package processor

import (
	"context"
	"strings"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

const reviewStateDismissed = "DISMISSED"

// ReviewProcessor upserts and deletes pull request reviews
type ReviewProcessor struct {
	base
}

// NewReviewProcessor creates a review processor
func NewReviewProcessor(store storage.Store, publisher events.Publisher) *ReviewProcessor {
	return &ReviewProcessor{base: newBase(store, publisher)}
}

// Process applies dto in its own transaction, creating a stub pull request if needed
func (p *ReviewProcessor) Process(ctx context.Context, dto models.ReviewDTO, pullRequest models.ParentRef, pctx types.ProcessingContext) (*models.Review, error) {
	var out *models.Review
	err := p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		var err error
		out, err = p.Apply(ctx, tx, batch, dto, pullRequest, pctx)
		return err
	})
	return out, err
}

// Apply upserts dto inside an open transaction, adding events to batch
func (p *ReviewProcessor) Apply(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.ReviewDTO, pullRequest models.ParentRef, pctx types.ProcessingContext) (*models.Review, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if dto.ID == 0 {
		return nil, apperrors.NewValidationError("review.id", "missing upstream id")
	}

	pullRequest.Kind = models.ParentPullRequest
	pr, err := EnsurePullRequestStub(ctx, tx, batch, pullRequest, pctx, p.now())
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetReview(ctx, pctx.ScopeID, dto.ID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		review := &models.Review{
			ScopeID:           pctx.ScopeID,
			ID:                dto.ID,
			Repository:        repo,
			PullRequestNumber: pr.Number,
		}
		var c changes
		applyReviewFields(&c, review, dto)
		review.Stamp(pctx, p.now())
		if err := tx.SaveReview(ctx, review); err != nil {
			return nil, err
		}
		batch.Add(events.New(events.ReviewSubmitted, pctx, events.NewReviewPayload(review, nil)))
		return review, nil
	}

	review := existing
	wasDismissed := review.State != nil && *review.State == reviewStateDismissed
	var c changes
	if review.PullRequestNumber != pr.Number {
		review.PullRequestNumber = pr.Number
		c.mark("pullRequestNumber")
	}
	applyReviewFields(&c, review, dto)
	if c.empty() {
		return review, nil
	}
	review.Stamp(pctx, p.now())
	if err := tx.SaveReview(ctx, review); err != nil {
		return nil, err
	}

	payload := events.NewReviewPayload(review, c.fields)
	if !wasDismissed && review.State != nil && *review.State == reviewStateDismissed {
		batch.Add(events.New(events.ReviewDismissed, pctx, payload))
	} else {
		batch.Add(events.New(events.ReviewUpdated, pctx, payload))
	}
	return review, nil
}

// Delete removes the review and always publishes ReviewDeleted
func (p *ReviewProcessor) Delete(ctx context.Context, id int64, pctx types.ProcessingContext) error {
	return p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		deleted, err := tx.DeleteReview(ctx, pctx.ScopeID, id)
		if err != nil {
			return err
		}
		payload := events.DeletedPayload{ID: id, Repository: pctx.RepositoryFullName(), Existed: deleted != nil}
		if deleted != nil {
			payload.Number = deleted.PullRequestNumber
		}
		batch.Add(events.New(events.ReviewDeleted, pctx, payload))
		return nil
	})
}

func applyReviewFields(c *changes, review *models.Review, dto models.ReviewDTO) {
	var state *string
	if dto.State != nil {
		s := strings.ToUpper(*dto.State)
		state = &s
	}
	setOptional(c, "state", &review.State, state)
	setOptional(c, "body", &review.Body, dto.Body)
	setOptional(c, "authorLogin", &review.AuthorLogin, dto.AuthorLogin)
	setTime(c, "submittedAt", &review.SubmittedAt, dto.SubmittedAt)
}
