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

// IssueProcessor upserts and deletes issues
type IssueProcessor struct {
	base
}

// NewIssueProcessor creates an issue processor
func NewIssueProcessor(store storage.Store, publisher events.Publisher) *IssueProcessor {
	return &IssueProcessor{base: newBase(store, publisher)}
}

// Process applies dto in its own transaction
func (p *IssueProcessor) Process(ctx context.Context, dto models.IssueDTO, pctx types.ProcessingContext) (*models.Issue, error) {
	var out *models.Issue
	err := p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		var err error
		out, err = p.Apply(ctx, tx, batch, dto, pctx)
		return err
	})
	return out, err
}

// Apply upserts dto inside an open transaction, adding events to batch
func (p *IssueProcessor) Apply(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.IssueDTO, pctx types.ProcessingContext) (*models.Issue, error) {
	repo, err := requireRepository(pctx)
	if err != nil {
		return nil, err
	}
	if dto.ID == 0 {
		return nil, apperrors.NewValidationError("issue.id", "missing upstream id")
	}

	existing, err := p.lookup(ctx, tx, pctx.ScopeID, repo, dto)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		issue := &models.Issue{ScopeID: pctx.ScopeID, ID: dto.ID, Repository: repo, Number: dto.Number}
		var c changes
		applyIssueFields(&c, issue, dto)
		issue.Stamp(pctx, p.now())
		if err := tx.SaveIssue(ctx, issue); err != nil {
			return nil, err
		}
		batch.Add(events.New(events.IssueCreated, pctx, events.NewIssuePayload(issue, nil)))
		return issue, nil
	}

	if stale(existing.UpdatedAt, dto.UpdatedAt) {
		return existing, nil
	}

	issue := existing
	var c changes
	if issue.ID != dto.ID {
		// A stub stored under a different id for the same number is adopted
		if _, err := tx.DeleteIssue(ctx, issue.ScopeID, issue.ID); err != nil {
			return nil, err
		}
		issue.ID = dto.ID
		c.mark("id")
	}
	prevState := issue.State
	hadType := issue.IssueType != nil
	added, removed := applyIssueFields(&c, issue, dto)
	if c.empty() {
		return issue, nil
	}

	issue.Stamp(pctx, p.now())
	if err := tx.SaveIssue(ctx, issue); err != nil {
		return nil, err
	}

	payload := events.NewIssuePayload(issue, c.fields)
	batch.Add(events.New(events.IssueUpdated, pctx, payload))
	if c.has("state") && prevState != "" {
		switch {
		case isOpen(prevState) && !isOpen(issue.State):
			batch.Add(events.New(events.IssueClosed, pctx, payload))
		case !isOpen(prevState) && isOpen(issue.State):
			batch.Add(events.New(events.IssueReopened, pctx, payload))
		}
	}
	for _, label := range added {
		batch.Add(events.New(events.IssueLabeled, pctx, payload.WithLabel(label)))
	}
	for _, label := range removed {
		batch.Add(events.New(events.IssueUnlabeled, pctx, payload.WithLabel(label)))
	}
	if c.has("issueType") {
		if issue.IssueType != nil {
			batch.Add(events.New(events.IssueTyped, pctx, payload))
		} else if hadType {
			batch.Add(events.New(events.IssueUntyped, pctx, payload))
		}
	}
	return issue, nil
}

func (p *IssueProcessor) lookup(ctx context.Context, tx storage.Tx, scopeID int64, repo string, dto models.IssueDTO) (*models.Issue, error) {
	existing, err := tx.GetIssue(ctx, scopeID, dto.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	if dto.Number <= 0 {
		return nil, nil
	}
	return tx.FindIssueByNumber(ctx, scopeID, repo, dto.Number)
}

// Delete removes the issue and always publishes IssueDeleted
func (p *IssueProcessor) Delete(ctx context.Context, id int64, pctx types.ProcessingContext) error {
	return p.transact(ctx, func(ctx context.Context, tx storage.Tx, batch *events.Batch) error {
		deleted, err := tx.DeleteIssue(ctx, pctx.ScopeID, id)
		if err != nil {
			return err
		}
		payload := events.DeletedPayload{ID: id, Repository: pctx.RepositoryFullName(), Existed: deleted != nil}
		if deleted != nil {
			payload.Number = deleted.Number
		}
		batch.Add(events.New(events.IssueDeleted, pctx, payload))
		return nil
	})
}

func applyIssueFields(c *changes, issue *models.Issue, dto models.IssueDTO) (added, removed []string) {
	if issue.Number != dto.Number && dto.Number > 0 {
		issue.Number = dto.Number
		c.mark("number")
	}
	setOptional(c, "title", &issue.Title, dto.Title)
	setOptional(c, "body", &issue.Body, dto.Body)
	setValue(c, "state", &issue.State, normalizeState(dto.State))
	setOptional(c, "authorLogin", &issue.AuthorLogin, dto.AuthorLogin)
	added, removed = setLabels(c, &issue.Labels, dto.Labels)
	if dto.ClearIssueType {
		if issue.IssueType != nil {
			issue.IssueType = nil
			c.mark("issueType")
		}
	} else {
		setOptional(c, "issueType", &issue.IssueType, dto.IssueType)
	}
	setTime(c, "createdAt", &issue.CreatedAt, dto.CreatedAt)
	setTime(c, "updatedAt", &issue.UpdatedAt, dto.UpdatedAt)
	setTime(c, "closedAt", &issue.ClosedAt, dto.ClosedAt)
	if dto.State != nil && isOpen(issue.State) && issue.ClosedAt != nil {
		issue.ClosedAt = nil
		c.mark("closedAt")
	}
	if issue.IsStub && dto.Title != nil {
		issue.IsStub = false
		c.mark("stub")
	}
	return added, removed
}

// normalizeState folds webhook ("open") and query ("OPEN") spellings together
func normalizeState(state *string) *string {
	if state == nil {
		return nil
	}
	s := strings.ToUpper(*state)
	return &s
}

func isOpen(state string) bool {
	return state == "OPEN"
}
