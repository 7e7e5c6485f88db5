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

// CommentSync mirrors the conversation of one issue or pull request
type CommentSync struct {
	engine    *Engine
	clients   Clients
	processor *processor.CommentProcessor
	cfg       Config
}

// NewCommentSync creates a comment sync service
func NewCommentSync(engine *Engine, clients Clients, p *processor.CommentProcessor, cfg Config) *CommentSync {
	return &CommentSync{engine: engine, clients: clients, processor: p, cfg: cfg}
}

// Sync walks every comment of parent. A parent deleted upstream ends the walk quietly.
func (s *CommentSync) Sync(ctx context.Context, scopeID int64, target *models.SyncTarget, parent models.ParentRef) (Result, error) {
	api, err := s.clients.APIFor(ctx, scopeID)
	if err != nil {
		return clientFailure(ctx, scopeID, err)
	}

	unit := fmt.Sprintf("comments %s#%d", target.FullName(), parent.Number)
	pctx := types.NewBulkSyncContext(scopeID, target.Ref())

	return Paginate(ctx, s.engine, Walk[gateway.CommentNode]{
		ScopeID:  scopeID,
		Unit:     unit,
		MaxPages: s.cfg.MaxPages,
		Fetch: func(ctx context.Context, after *string) (*gateway.Page[gateway.CommentNode], error) {
			return api.Comments(ctx, parent, gateway.ListQuery{
				Repository: target.Ref(),
				First:      s.cfg.PageSize,
				After:      after,
			})
		},
		Apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []gateway.CommentNode) (bool, error) {
			for _, node := range nodes {
				ref := node.Parent
				if ref.ID == 0 {
					ref.ID = parent.ID
				}
				_, err := s.processor.Apply(ctx, tx, batch, node.Comment, ref, pctx)
				if err := Tolerate(ctx, unit, err); err != nil {
					return false, err
				}
			}
			return false, nil
		},
	})
}
