// Package syncer runs the forward (most recently updated first) sync of issues,
// pull requests, comments and reviews through paginated bulk queries.
package syncer

import (
	"context"
	"fmt"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/storage"
)

// Clients hands out an authenticated API per scope
type Clients interface {
	APIFor(ctx context.Context, scopeID int64) (gateway.API, error)
}

// QuotaGauge reports whether a scope's quota is nearly gone
type QuotaGauge interface {
	IsCritical(scopeID int64) bool
}

// Config bounds the forward sync
type Config struct {
	PageSize int
	// MaxPages caps one walk once the target was synced before
	MaxPages int
	// InitialMaxPages caps the first walk of a target; older history is backfilled
	InitialMaxPages int
}

// DefaultConfig returns the default page bounds
func DefaultConfig() Config {
	return Config{PageSize: 50, MaxPages: 20, InitialMaxPages: 5}
}

// StopReason tells why a paginated walk ended
type StopReason string

const (
	StopExhausted  StopReason = "exhausted"
	StopWatermark  StopReason = "watermark"
	StopPageCap    StopReason = "page_cap"
	StopCritical   StopReason = "rate_limit_critical"
	StopParentGone StopReason = "parent_not_found"
	StopSkipped    StopReason = "skipped"
	StopAborted    StopReason = "aborted"
	StopFailed     StopReason = "failed"
	StopCanceled   StopReason = "canceled"
)

// Result summarizes one walk
type Result struct {
	Pages   int
	Nodes   int
	Stop    StopReason
	Resumed bool
	// Cursor is the committed resume cursor, nil when the walk finished
	Cursor *string
	// MaxNumber is the highest issue or pull request number applied
	MaxNumber int
	// Touched lists parents whose children should be synced next
	Touched []models.ParentRef
}

// Complete reports whether the walk reached its intended end
func (r Result) Complete() bool {
	switch r.Stop {
	case StopExhausted, StopWatermark, StopPageCap:
		return true
	}
	return false
}

func (r *Result) touch(kind models.ParentKind, id int64, number int) {
	if number > r.MaxNumber {
		r.MaxNumber = number
	}
	r.Touched = append(r.Touched, models.ParentRef{Kind: kind, ID: id, Number: number})
}

// Engine carries what every paginated walk needs
type Engine struct {
	store     storage.Store
	publisher events.Publisher
	policy    *retry.Policy
	limits    QuotaGauge
}

// NewEngine creates an engine. limits may be nil to never stop on quota.
func NewEngine(store storage.Store, publisher events.Publisher, policy *retry.Policy, limits QuotaGauge) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	return &Engine{store: store, publisher: publisher, policy: policy, limits: limits}, nil
}

// Walk describes one paginated unit of work
type Walk[T any] struct {
	ScopeID  int64
	Unit     string
	Start    *string
	MaxPages int
	// ResumeOnPageCap keeps the cursor when the page cap ends the walk
	ResumeOnPageCap bool
	// Approach marks pages that only lead up to where the walk's work starts.
	// They are applied and persisted but do not count toward MaxPages.
	Approach func(nodes []T) bool
	Fetch    func(ctx context.Context, after *string) (*gateway.Page[T], error)
	// Apply stores a page's nodes inside the page transaction. It returns true
	// when a node showed the rest of the listing is already known.
	Apply func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []T) (bool, error)
	// Persist records progress in the same transaction; resume is nil once the walk is over
	Persist func(ctx context.Context, tx storage.Tx, page *gateway.Page[T], resume *string) error
}

// Paginate fetches pages until the listing ends, a node is already known,
// the page cap is hit, the quota turns critical or the classifier gives up.
// Every page is applied in its own transaction and its events are published
// after commit. Only abort-class failures and store failures are returned.
func Paginate[T any](ctx context.Context, e *Engine, w Walk[T]) (Result, error) {
	logger := logging.FromContext(ctx).WithScope(w.ScopeID).WithField("unit", w.Unit)
	res := Result{Resumed: w.Start != nil, Cursor: w.Start}
	maxPages := w.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	cursor := w.Start
	counted := 0

	for {
		if err := ctx.Err(); err != nil {
			res.Stop = StopCanceled
			return res, err
		}

		var page *gateway.Page[T]
		outcome := e.policy.Do(ctx, w.ScopeID, w.Unit, func(ctx context.Context, _ int) error {
			var err error
			page, err = w.Fetch(ctx, cursor)
			return err
		})
		if outcome.Aborted() {
			res.Stop = StopAborted
			return res, outcome.Err
		}
		if !outcome.Succeeded() {
			if outcome.Classification.Category == apperrors.CategoryNotFound {
				res.Stop = StopParentGone
				logger.Debug("Listing parent no longer exists, ending walk")
			} else {
				res.Stop = StopSkipped
			}
			return res, nil
		}

		res.Pages++
		if w.Approach == nil || !w.Approach(page.Nodes) {
			counted++
		}
		critical := e.limits != nil && e.limits.IsCritical(w.ScopeID)
		capped := counted >= maxPages
		var known bool
		var resume *string

		batch := events.NewBatch()
		err := e.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			if known, err = w.Apply(ctx, tx, batch, page.Nodes); err != nil {
				return err
			}
			more := page.HasNextPage && page.EndCursor != nil && !known
			if more && (!capped || critical || w.ResumeOnPageCap) {
				resume = page.EndCursor
			}
			if w.Persist == nil {
				return nil
			}
			return w.Persist(ctx, tx, page, resume)
		})
		if err != nil {
			res.Stop = StopFailed
			return res, fmt.Errorf("failed to apply page %d of %s: %w", res.Pages, w.Unit, err)
		}
		if n := batch.Len(); n > 0 {
			if err := batch.Flush(ctx, e.publisher); err != nil {
				logger.WithError(err).WithField("events", n).Warn("Failed to publish committed events")
			}
		}
		res.Nodes += len(page.Nodes)
		res.Cursor = resume

		switch {
		case known:
			res.Stop = StopWatermark
		case !page.HasNextPage || page.EndCursor == nil:
			res.Stop = StopExhausted
		case critical:
			res.Stop = StopCritical
			logger.Info("Rate limit critical, pausing walk")
		case capped:
			res.Stop = StopPageCap
		default:
			cursor = page.EndCursor
			continue
		}
		logger.WithFields(map[string]interface{}{
			"pages": res.Pages,
			"nodes": res.Nodes,
			"stop":  string(res.Stop),
		}).Debug("Walk finished")
		return res, nil
	}
}

// clientFailure stops a walk that could not get a client. Only abort-class
// failures are returned.
func clientFailure(ctx context.Context, scopeID int64, err error) (Result, error) {
	if apperrors.IsAbort(err) {
		return Result{Stop: StopAborted}, err
	}
	logging.FromContext(ctx).WithScope(scopeID).WithError(err).Warn("No client for scope, skipping walk")
	return Result{Stop: StopSkipped}, nil
}

// Tolerate logs and swallows per-node domain failures so siblings still apply
func Tolerate(ctx context.Context, unit string, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsCategory(err, apperrors.CategoryValidation) || apperrors.IsCategory(err, apperrors.CategoryMissingParent) {
		logging.FromContext(ctx).WithError(err).WithField("unit", unit).Warn("Skipping malformed node")
		return nil
	}
	return err
}
