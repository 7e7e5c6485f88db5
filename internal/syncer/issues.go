package syncer

import (
	"context"
	"time"

	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// IssueSync mirrors a repository's recently updated issues
type IssueSync struct {
	engine    *Engine
	clients   Clients
	processor *processor.IssueProcessor
	cfg       Config
}

// NewIssueSync creates an issue sync service
func NewIssueSync(engine *Engine, clients Clients, p *processor.IssueProcessor, cfg Config) *IssueSync {
	return &IssueSync{engine: engine, clients: clients, processor: p, cfg: cfg}
}

// Sync walks issues by last update, newest first, until it meets one older than
// the target's last completed sync. The resume cursor is written with each page
// and copied onto target once committed.
func (s *IssueSync) Sync(ctx context.Context, scopeID int64, target *models.SyncTarget) (Result, error) {
	api, err := s.clients.APIFor(ctx, scopeID)
	if err != nil {
		return clientFailure(ctx, scopeID, err)
	}

	unit := "issues " + target.FullName()
	pctx := types.NewBulkSyncContext(scopeID, target.Ref())
	watermark := target.LastIssuesAndPullRequestsSyncedAt
	var acc Result

	res, err := Paginate(ctx, s.engine, Walk[models.IssueDTO]{
		ScopeID:  scopeID,
		Unit:     unit,
		Start:    target.IssueSyncCursor,
		MaxPages: pageCap(s.cfg, watermark),
		Fetch: func(ctx context.Context, after *string) (*gateway.Page[models.IssueDTO], error) {
			return api.Issues(ctx, gateway.ListQuery{
				Repository: target.Ref(),
				First:      s.cfg.PageSize,
				After:      after,
				Order:      gateway.OrderUpdatedDesc,
			})
		},
		Apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []models.IssueDTO) (bool, error) {
			for _, dto := range nodes {
				if olderThan(dto.UpdatedAt, watermark) {
					return true, nil
				}
				issue, err := s.processor.Apply(ctx, tx, batch, dto, pctx)
				if err := Tolerate(ctx, unit, err); err != nil {
					return false, err
				}
				if issue != nil {
					acc.touch(models.ParentIssue, issue.ID, issue.Number)
				}
			}
			return false, nil
		},
		Persist: func(ctx context.Context, tx storage.Tx, _ *gateway.Page[models.IssueDTO], resume *string) error {
			next := target.Clone()
			next.IssueSyncCursor = resume
			return tx.SaveSyncTarget(ctx, next)
		},
	})
	target.IssueSyncCursor = res.Cursor
	res.MaxNumber, res.Touched = acc.MaxNumber, acc.Touched
	return res, err
}

func pageCap(cfg Config, watermark *time.Time) int {
	if watermark == nil && cfg.InitialMaxPages > 0 {
		return cfg.InitialMaxPages
	}
	return cfg.MaxPages
}

func olderThan(updatedAt, watermark *time.Time) bool {
	return watermark != nil && updatedAt != nil && updatedAt.Before(*watermark)
}
