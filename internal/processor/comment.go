package processor

import (
	"context"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// CommentProcessor upserts and deletes conversation comments
type CommentProcessor struct {
	base
}

// NewCommentProcessor creates a comment processor
func NewCommentProcessor(store storage.Store, publisher events.Publisher) *CommentProcessor {
	return &CommentProcessor{base: newBase(store, publisher)}
}

// Process applies dto in its own transaction, creating a stub parent if needed
func (p *CommentProcessor) Process(ctx context.Context, dto models.CommentDTO, parent models.ParentRef, pctx types.ProcessingContext) (*models.Comment, error) {
	var out *models.Comment
	err := p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		var err error
		out, err = p.Apply(ctx, tx, batch, dto, parent, pctx)
		return err
	})
	return out, err
}

// Apply upserts dto inside an open transaction, adding events to batch
func (p *CommentProcessor) Apply(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.CommentDTO, parent models.ParentRef, pctx types.ProcessingContext) (*models.Comment, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if dto.ID == 0 {
		return nil, apperrors.NewValidationError("comment.id", "missing upstream id")
	}

	parentNumber, err := p.resolveParent(ctx, tx, batch, parent, pctx)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetComment(ctx, pctx.ScopeID, dto.ID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		comment := &models.Comment{
			ScopeID:      pctx.ScopeID,
			ID:           dto.ID,
			Repository:   repo,
			ParentKind:   parent.Kind,
			ParentNumber: parentNumber,
		}
		var c changes
		applyCommentFields(&c, comment, dto)
		comment.Stamp(pctx, p.now())
		if err := tx.SaveComment(ctx, comment); err != nil {
			return nil, err
		}
		batch.Add(events.New(events.CommentCreated, pctx, events.NewCommentPayload(comment, nil)))
		return comment, nil
	}

	if stale(existing.UpdatedAt, dto.UpdatedAt) {
		return existing, nil
	}

	comment := existing
	var c changes
	if comment.ParentKind != parent.Kind || comment.ParentNumber != parentNumber {
		comment.ParentKind = parent.Kind
		comment.ParentNumber = parentNumber
		c.mark("parent")
	}
	applyCommentFields(&c, comment, dto)
	if c.empty() {
		return comment, nil
	}
	comment.Stamp(pctx, p.now())
	if err := tx.SaveComment(ctx, comment); err != nil {
		return nil, err
	}
	batch.Add(events.New(events.CommentUpdated, pctx, events.NewCommentPayload(comment, c.fields)))
	return comment, nil
}

func (p *CommentProcessor) resolveParent(ctx context.Context, tx storage.Tx, batch *events.Batch, parent models.ParentRef, pctx types.ProcessingContext) (int, error) {
	switch parent.Kind {
	case models.ParentIssue:
		issue, err := EnsureIssueStub(ctx, tx, batch, parent, pctx, p.now())
		if err != nil {
			return 0, err
		}
		return issue.Number, nil
	case models.ParentPullRequest:
		pr, err := EnsurePullRequestStub(ctx, tx, batch, parent, pctx, p.now())
		if err != nil {
			return 0, err
		}
		return pr.Number, nil
	}
	return 0, apperrors.NewValidationError("comment.parent", "unknown parent kind "+string(parent.Kind))
}

// Delete removes the comment and always publishes CommentDeleted
func (p *CommentProcessor) Delete(ctx context.Context, id int64, pctx types.ProcessingContext) error {
	return p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		deleted, err := tx.DeleteComment(ctx, pctx.ScopeID, id)
		if err != nil {
			return err
		}
		payload := events.DeletedPayload{ID: id, Repository: pctx.RepositoryFullName(), Existed: deleted != nil}
		if deleted != nil {
			payload.Number = deleted.ParentNumber
		}
		batch.Add(events.New(events.CommentDeleted, pctx, payload))
		return nil
	})
}

func applyCommentFields(c *changes, comment *models.Comment, dto models.CommentDTO) {
	setOptional(c, "body", &comment.Body, dto.Body)
	setOptional(c, "authorLogin", &comment.AuthorLogin, dto.AuthorLogin)
	setTime(c, "createdAt", &comment.CreatedAt, dto.CreatedAt)
	setTime(c, "updatedAt", &comment.UpdatedAt, dto.UpdatedAt)
}
