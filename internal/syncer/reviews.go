package syncer

import (
	"context"
	"fmt"

	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/types"
)

// ReviewSync mirrors the reviews of one pull request
type ReviewSync struct {
	engine    *Engine
	clients   Clients
	processor *processor.ReviewProcessor
	cfg       Config
}

// NewReviewSync creates a review sync service
func NewReviewSync(engine *Engine, clients Clients, p *processor.ReviewProcessor, cfg Config) *ReviewSync {
	return &ReviewSync{engine: engine, clients: clients, processor: p, cfg: cfg}
}

// Sync walks every review of the pull request. A pull request deleted upstream ends the walk quietly.
func (s *ReviewSync) Sync(ctx context.Context, scopeID int64, target *models.SyncTarget, pullRequest models.ParentRef) (Result, error) {
	api, err := s.clients.APIFor(ctx, scopeID)
	if err != nil {
		return clientFailure(ctx, scopeID, err)
	}

	unit := fmt.Sprintf("reviews %s#%d", target.FullName(), pullRequest.Number)
	pctx := types.NewBulkSyncContext(scopeID, target.Ref())

	return Paginate(ctx, s.engine, Walk[gateway.ReviewNode]{
		ScopeID:  scopeID,
		Unit:     unit,
		MaxPages: s.cfg.MaxPages,
		Fetch: func(ctx context.Context, after *string) (*gateway.Page[gateway.ReviewNode], error) {
			return api.Reviews(ctx, pullRequest.Number, gateway.ListQuery{
				Repository: target.Ref(),
				First:      s.cfg.PageSize,
				After:      after,
			})
		},
		Apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []gateway.ReviewNode) (bool, error) {
			for _, node := range nodes {
				ref := node.PullRequest
				if ref.ID == 0 {
					ref.ID = pullRequest.ID
				}
				_, err := s.processor.Apply(ctx, tx, batch, node.Review, ref, pctx)
				if err := Tolerate(ctx, unit, err); err != nil {
					return false, err
				}
			}
			return false, nil
		},
	})
}
