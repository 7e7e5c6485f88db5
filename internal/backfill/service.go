// Package backfill walks repository history backward from the point forward
// sync began, one bounded batch per target per cycle.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/syncer"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/types"
)

// Skip reasons reported by RunBackfillCycle
const (
	SkipDisabled      = "backfill disabled"
	SkipNoScopes      = "no eligible scopes"
	SkipNoWork        = "nothing to backfill"
	SkipRateLimited   = "rate limit below threshold"
	SkipScopesAborted = "scope cycle aborted"
)

// Config bounds backfill work
type Config struct {
	Enabled bool
	// RateLimitThreshold is the remaining quota a scope needs to start a target
	RateLimitThreshold int
	PagesPerBatch      int
	PageSize           int
	// Workers caps how many scopes are backfilled concurrently
	Workers int
}

// DefaultConfig returns the default backfill bounds
func DefaultConfig() Config {
	return Config{Enabled: true, RateLimitThreshold: 100, PagesPerBatch: 1, PageSize: 50, Workers: 4}
}

// CycleResult summarizes one backfill cycle
type CycleResult struct {
	RepositoriesProcessed int    `json:"repositoriesProcessed"`
	PendingRepositories   int    `json:"pendingRepositories"`
	SkipReason            string `json:"skipReason,omitempty"`
	// AbortedScopes lists scopes whose cycle was cut short by an abort-class failure
	AbortedScopes []int64 `json:"abortedScopes,omitempty"`
}

// Service runs backfill cycles
type Service struct {
	cfg     Config
	targets tenant.SyncTargetProvider
	limits  tenant.RateLimitProvider
	engine  *syncer.Engine
	clients syncer.Clients
	issues  *processor.IssueProcessor
	pulls   *processor.PullRequestProcessor
	now     func() time.Time
}

// NewService creates a backfill service over the registry's providers
func NewService(cfg Config, registry *tenant.Registry, engine *syncer.Engine, clients syncer.Clients, procs *processor.Processors) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("tenant registry is required")
	}
	if engine == nil || clients == nil || procs == nil {
		return nil, fmt.Errorf("sync engine, clients and processors are required")
	}
	targets := registry.SyncTargetProvider()
	limits := registry.RateLimitProvider()
	if targets == nil || limits == nil {
		return nil, fmt.Errorf("sync target and rate limit providers are required")
	}
	if cfg.PagesPerBatch < 1 {
		cfg.PagesPerBatch = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 50
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		cfg:     cfg,
		targets: targets,
		limits:  limits,
		engine:  engine,
		clients: clients,
		issues:  procs.Issues,
		pulls:   procs.PullRequests,
		now:     time.Now,
	}, nil
}

// scopeResult is one scope's share of a cycle
type scopeResult struct {
	processed   int
	pending     int
	rateLimited bool
	aborted     bool
}

// RunBackfillCycle gives every eligible scope one pass over its targets.
// Scopes run concurrently; targets within a scope run in order.
func (s *Service) RunBackfillCycle(ctx context.Context) (CycleResult, error) {
	if !s.cfg.Enabled {
		return CycleResult{SkipReason: SkipDisabled}, nil
	}

	scopes, err := s.targets.ListEligibleScopes(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to list eligible scopes: %w", err)
	}
	if len(scopes) == 0 {
		return CycleResult{SkipReason: SkipNoScopes}, nil
	}

	var (
		mu      sync.Mutex
		result  CycleResult
		limited int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			r := s.runScope(gctx, scope)
			mu.Lock()
			defer mu.Unlock()
			result.RepositoriesProcessed += r.processed
			result.PendingRepositories += r.pending
			if r.rateLimited {
				limited++
			}
			if r.aborted {
				result.AbortedScopes = append(result.AbortedScopes, scope.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if result.RepositoriesProcessed == 0 {
		switch {
		case len(result.AbortedScopes) > 0:
			result.SkipReason = SkipScopesAborted
		case limited == len(scopes):
			result.SkipReason = SkipRateLimited
		default:
			result.SkipReason = SkipNoWork
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scopes":    len(scopes),
		"processed": result.RepositoriesProcessed,
		"pending":   result.PendingRepositories,
		"aborted":   len(result.AbortedScopes),
	}).Info("Backfill cycle finished")
	return result, nil
}

func (s *Service) runScope(ctx context.Context, scope *models.Scope) scopeResult {
	logger := logging.FromContext(ctx).WithScope(scope.ID)
	var r scopeResult

	targets, err := s.targets.ListSyncTargets(ctx, scope.ID)
	if err != nil {
		logger.WithError(err).Warn("Failed to list sync targets")
		return r
	}

	for i, target := range targets {
		if ctx.Err() != nil {
			r.pending += incomplete(targets[i:])
			return r
		}
		if target.BackfillComplete() {
			continue
		}
		if remaining := s.limits.Remaining(scope.ID); remaining < s.cfg.RateLimitThreshold {
			r.pending += incomplete(targets[i:])
			r.rateLimited = true
			logger.WithFields(map[string]interface{}{
				"remaining": remaining,
				"threshold": s.cfg.RateLimitThreshold,
			}).Info("Quota below backfill threshold, deferring scope")
			return r
		}
		if !target.IncrementalSyncCompleted() || !target.IssueBackfill.Initialized() || !target.PullRequestBackfill.Initialized() {
			r.pending++
			continue
		}

		outcome, err := s.backfillTarget(ctx, scope.ID, target)
		abort := err != nil && apperrors.IsAbort(err)
		switch {
		case outcome == outcomeProcessed:
			r.processed++
		case outcome == outcomePending && !abort:
			r.pending++
		}
		if abort {
			r.aborted = true
			logger.WithError(err).WithField("processed", r.processed).Warn("Backfill aborted for scope")
			return r
		}
		if err != nil {
			logger.WithError(err).WithField("repository", target.FullName()).Warn("Backfill batch failed")
		}
	}
	return r
}

type targetOutcome int

const (
	outcomeProcessed targetOutcome = iota
	outcomePending
	outcomeGone
)

// backfillTarget runs one batch for each kind that still has history left
func (s *Service) backfillTarget(ctx context.Context, scopeID int64, target *models.SyncTarget) (targetOutcome, error) {
	api, err := s.clients.APIFor(ctx, scopeID)
	if err != nil {
		if apperrors.IsAbort(err) {
			return outcomePending, err
		}
		logging.FromContext(ctx).WithScope(scopeID).WithError(err).Warn("No client for scope, deferring backfill")
		return outcomePending, nil
	}

	// pages counts committed pages; a batch that fails after earlier pages
	// committed still leaves the target processed
	var pages, gone, kinds int
	settle := func(res syncer.Result, err error) (targetOutcome, error) {
		pages += res.Pages
		if res.Stop == syncer.StopFailed {
			pages--
		}
		if res.Stop == syncer.StopParentGone {
			gone++
		}
		if err != nil && pages > 0 {
			return outcomeProcessed, err
		}
		return outcomePending, err
	}
	if !target.IssueBackfill.Complete() {
		kinds++
		if outcome, err := settle(s.issueBatch(ctx, api, scopeID, target)); err != nil {
			return outcome, err
		}
	}
	if !target.PullRequestBackfill.Complete() && ctx.Err() == nil {
		kinds++
		if outcome, err := settle(s.pullRequestBatch(ctx, api, scopeID, target)); err != nil {
			return outcome, err
		}
	}

	switch {
	case pages > 0:
		return outcomeProcessed, nil
	case kinds > 0 && gone == kinds:
		logging.FromContext(ctx).WithScope(scopeID).WithField("repository", target.FullName()).
			Info("Repository no longer exists upstream, skipping backfill")
		return outcomeGone, nil
	default:
		return outcomePending, nil
	}
}

// kindWalk holds the per-kind hooks of a batch
type kindWalk[T any] struct {
	unit   string
	state  func(*models.SyncTarget) *models.BackfillState
	fetch  func(ctx context.Context, q gateway.ListQuery) (*gateway.Page[T], error)
	number func(T) int
	apply  func(ctx context.Context, tx storage.Tx, batch *events.Batch, node T, pctx types.ProcessingContext) error
}

func runBatch[T any](ctx context.Context, s *Service, scopeID int64, target *models.SyncTarget, k kindWalk[T]) (syncer.Result, error) {
	unit := k.unit + " backfill " + target.FullName()
	pctx := types.NewBulkSyncContext(scopeID, target.Ref())
	committed := target.Clone()

	res, err := syncer.Paginate(ctx, s.engine, syncer.Walk[T]{
		ScopeID:         scopeID,
		Unit:            unit,
		Start:           k.state(target).Cursor,
		MaxPages:        s.cfg.PagesPerBatch,
		ResumeOnPageCap: true,
		// newest-first listings start above the checkpoint until the cursor catches up
		Approach: func(nodes []T) bool {
			return len(nodes) > 0 && lowest(nodes, k.number) > k.state(committed).Position()
		},
		Fetch: func(ctx context.Context, after *string) (*gateway.Page[T], error) {
			return k.fetch(ctx, gateway.ListQuery{
				Repository: target.Ref(),
				First:      s.cfg.PageSize,
				After:      after,
				Order:      gateway.OrderCreatedDesc,
			})
		},
		Apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, nodes []T) (bool, error) {
			for _, node := range nodes {
				if err := syncer.Tolerate(ctx, unit, k.apply(ctx, tx, batch, node, pctx)); err != nil {
					return false, err
				}
			}
			return false, nil
		},
		Persist: func(ctx context.Context, tx storage.Tx, page *gateway.Page[T], resume *string) error {
			next := committed.Clone()
			exhausted := !page.HasNextPage || page.EndCursor == nil
			*k.state(next) = advance(*k.state(next), lowest(page.Nodes, k.number), exhausted, resume)
			now := s.now().UTC()
			next.BackfillLastRunAt = &now
			if err := tx.SaveSyncTarget(ctx, next); err != nil {
				return err
			}
			committed = next
			return nil
		},
	})
	if res.Pages > 0 && res.Stop != syncer.StopFailed {
		*k.state(target) = k.state(committed).Clone()
		target.BackfillLastRunAt = committed.BackfillLastRunAt
	}
	return res, err
}

func (s *Service) issueBatch(ctx context.Context, api gateway.API, scopeID int64, target *models.SyncTarget) (syncer.Result, error) {
	return runBatch(ctx, s, scopeID, target, kindWalk[models.IssueDTO]{
		unit:   "issues",
		state:  func(t *models.SyncTarget) *models.BackfillState { return &t.IssueBackfill },
		fetch:  api.Issues,
		number: func(dto models.IssueDTO) int { return dto.Number },
		apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.IssueDTO, pctx types.ProcessingContext) error {
			_, err := s.issues.Apply(ctx, tx, batch, dto, pctx)
			return err
		},
	})
}

func (s *Service) pullRequestBatch(ctx context.Context, api gateway.API, scopeID int64, target *models.SyncTarget) (syncer.Result, error) {
	return runBatch(ctx, s, scopeID, target, kindWalk[models.PullRequestDTO]{
		unit:   "pull requests",
		state:  func(t *models.SyncTarget) *models.BackfillState { return &t.PullRequestBackfill },
		fetch:  api.PullRequests,
		number: func(dto models.PullRequestDTO) int { return dto.Number },
		apply: func(ctx context.Context, tx storage.Tx, batch *events.Batch, dto models.PullRequestDTO, pctx types.ProcessingContext) error {
			_, err := s.pulls.Apply(ctx, tx, batch, dto, pctx)
			return err
		},
	})
}

// lowest returns the smallest positive number among nodes, 0 if none
func lowest[T any](nodes []T, number func(T) int) int {
	low := 0
	for _, n := range nodes {
		if v := number(n); v > 0 && (low == 0 || v < low) {
			low = v
		}
	}
	return low
}

func incomplete(targets []*models.SyncTarget) int {
	n := 0
	for _, t := range targets {
		if !t.BackfillComplete() {
			n++
		}
	}
	return n
}
