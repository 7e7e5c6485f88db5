package processor

import (
	"context"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// PullRequestProcessor upserts and deletes pull requests
type PullRequestProcessor struct {
	base
}

// NewPullRequestProcessor creates a pull request processor
func NewPullRequestProcessor(store storage.Store, publisher events.Publisher) *PullRequestProcessor {
	return &PullRequestProcessor{base: newBase(store, publisher)}
}

// Process applies dto in its own transaction
func (p *PullRequestProcessor) Process(ctx context.Context, dto models.PullRequestDTO, pctx types.ProcessingContext) (*models.PullRequest, error) {
	var out *models.PullRequest
	err := p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		var err error
		out, err = p.Apply(ctx, tx, batch, dto, pctx)
		return err
	})
	return out, err
}

// Apply upserts dto inside an open transaction, adding events to batch
func (p *PullRequestProcessor) Apply(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.PullRequestDTO, pctx types.ProcessingContext) (*models.PullRequest, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if dto.ID == 0 {
		return nil, apperrors.NewValidationError("pull_request.id", "missing upstream id")
	}

	existing, err := tx.GetPullRequest(ctx, pctx.ScopeID, dto.ID)
	if err == nil && existing == nil && dto.Number > 0 {
		existing, err = tx.FindPullRequestByNumber(ctx, pctx.ScopeID, repo, dto.Number)
	}
	if err != nil {
		return nil, err
	}

	if existing == nil {
		pr := &models.PullRequest{ScopeID: pctx.ScopeID, ID: dto.ID, Repository: repo, Number: dto.Number}
		var c changes
		applyPullRequestFields(&c, pr, dto)
		pr.Stamp(pctx, p.now())
		if err := tx.SavePullRequest(ctx, pr); err != nil {
			return nil, err
		}
		batch.Add(events.New(events.PullRequestCreated, pctx, events.NewPullRequestPayload(pr, nil)))
		return pr, nil
	}

	if stale(existing.UpdatedAt, dto.UpdatedAt) {
		return existing, nil
	}

	pr := existing
	var c changes
	if pr.ID != dto.ID {
		// Comment webhooks only reveal the issue id of a pull request, so
		// stubs created from them are re-keyed here
		if _, err := tx.DeletePullRequest(ctx, pr.ScopeID, pr.ID); err != nil {
			return nil, err
		}
		pr.ID = dto.ID
		c.mark("id")
	}
	prevState := pr.State
	wasMerged := pr.Merged
	wasDraft := pr.Draft
	added, removed := applyPullRequestFields(&c, pr, dto)
	if c.empty() {
		return pr, nil
	}

	pr.Stamp(pctx, p.now())
	if err := tx.SavePullRequest(ctx, pr); err != nil {
		return nil, err
	}

	payload := events.NewPullRequestPayload(pr, c.fields)
	batch.Add(events.New(events.PullRequestUpdated, pctx, payload))
	switch {
	case !wasMerged && pr.Merged:
		batch.Add(events.New(events.PullRequestMerged, pctx, payload))
	case c.has("state") && prevState != "" && isOpen(prevState) && !isOpen(pr.State):
		batch.Add(events.New(events.PullRequestClosed, pctx, payload))
	case c.has("state") && prevState != "" && !isOpen(prevState) && isOpen(pr.State):
		batch.Add(events.New(events.PullRequestReopened, pctx, payload))
	}
	if c.has("draft") {
		if wasDraft && !pr.Draft {
			batch.Add(events.New(events.PullRequestReadyForReview, pctx, payload))
		} else if !wasDraft && pr.Draft {
			batch.Add(events.New(events.PullRequestConvertedToDraft, pctx, payload))
		}
	}
	for _, label := range added {
		batch.Add(events.New(events.PullRequestLabeled, pctx, payload.WithLabel(label)))
	}
	for _, label := range removed {
		batch.Add(events.New(events.PullRequestUnlabeled, pctx, payload.WithLabel(label)))
	}
	return pr, nil
}

// Delete removes the pull request and always publishes PullRequestDeleted
func (p *PullRequestProcessor) Delete(ctx context.Context, id int64, pctx types.ProcessingContext) error {
	return p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		deleted, err := tx.DeletePullRequest(ctx, pctx.ScopeID, id)
		if err != nil {
			return err
		}
		payload := events.DeletedPayload{ID: id, Repository: pctx.RepositoryFullName(), Existed: deleted != nil}
		if deleted != nil {
			payload.Number = deleted.Number
		}
		batch.Add(events.New(events.PullRequestDeleted, pctx, payload))
		return nil
	})
}

func applyPullRequestFields(c *changes, pr *models.PullRequest, dto models.PullRequestDTO) (added, removed []string) {
	if pr.Number != dto.Number && dto.Number > 0 {
		pr.Number = dto.Number
		c.mark("number")
	}
	setOptional(c, "title", &pr.Title, dto.Title)
	setOptional(c, "body", &pr.Body, dto.Body)
	setValue(c, "state", &pr.State, normalizeState(dto.State))
	setOptional(c, "authorLogin", &pr.AuthorLogin, dto.AuthorLogin)
	added, removed = setLabels(c, &pr.Labels, dto.Labels)
	setValue(c, "draft", &pr.Draft, dto.Draft)
	setValue(c, "merged", &pr.Merged, dto.Merged)
	setTime(c, "mergedAt", &pr.MergedAt, dto.MergedAt)
	setOptional(c, "headRef", &pr.HeadRef, dto.HeadRef)
	setOptional(c, "baseRef", &pr.BaseRef, dto.BaseRef)
	setTime(c, "createdAt", &pr.CreatedAt, dto.CreatedAt)
	setTime(c, "updatedAt", &pr.UpdatedAt, dto.UpdatedAt)
	setTime(c, "closedAt", &pr.ClosedAt, dto.ClosedAt)
	if dto.State != nil && isOpen(pr.State) && pr.ClosedAt != nil {
		pr.ClosedAt = nil
		c.mark("closedAt")
	}
	if pr.IsStub && dto.Title != nil {
		pr.IsStub = false
		c.mark("stub")
	}
	return added, removed
}
