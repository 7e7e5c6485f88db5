package syncer

import (
	"context"

	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// PullRequestSync mirrors a repository's recently updated pull requests
type PullRequestSync struct {
	engine    *Engine
	clients   Clients
	processor *processor.PullRequestProcessor
	cfg       Config
}

// NewPullRequestSync creates a pull request sync service
func NewPullRequestSync(engine *Engine, clients Clients, p *processor.PullRequestProcessor, cfg Config) *PullRequestSync {
	return &PullRequestSync{engine: engine, clients: clients, processor: p, cfg: cfg}
}

// Sync is IssueSync.Sync for pull requests
func (s *PullRequestSync) Sync(ctx context.Context, scopeID int64, target *models.SyncTarget) (Result, error) {
	api, err := s.clients.APIFor(ctx, scopeID)
	if err != nil {
		return clientFailure(ctx, scopeID, err)
	}

	unit := "pull requests " + target.FullName()
	pctx := types.NewBulkSyncContext(scopeID, target.Ref())
	watermark := target.LastIssuesAndPullRequestsSyncedAt
	var acc Result

	res, err := Paginate(ctx, s.engine, Walk[models.PullRequestDTO]{
		ScopeID:  scopeID,
		Unit:     unit,
		Start:    target.PullRequestSyncCursor,
		MaxPages: pageCap(s.cfg, watermark),
		Fetch: func(ctx context.Context, after *string) (*gateway.Page[models.PullRequestDTO], error) {
			return api.PullRequests(ctx, gateway.ListQuery{
				Repository: target.Ref(),
				First:      s.cfg.PageSize,
				After:      after,
				Order:      gateway.OrderUpdatedDesc,
			})
		},
		Apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []models.PullRequestDTO) (bool, error) {
			for _, dto := range nodes {
				if olderThan(dto.UpdatedAt, watermark) {
					return true, nil
				}
				pr, err := s.processor.Apply(ctx, tx, batch, dto, pctx)
				if err := Tolerate(ctx, unit, err); err != nil {
					return false, err
				}
				if pr != nil {
					acc.touch(models.ParentPullRequest, pr.ID, pr.Number)
				}
			}
			return false, nil
		},
		Persist: func(ctx context.Context, tx storage.Tx, _ *gateway.Page[models.PullRequestDTO], resume *string) error {
			next := target.Clone()
			next.PullRequestSyncCursor = resume
			return tx.SaveSyncTarget(ctx, next)
		},
	})
	target.PullRequestSyncCursor = res.Cursor
	res.MaxNumber, res.Touched = acc.MaxNumber, acc.Touched
	return res, err
}
