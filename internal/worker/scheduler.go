// Package worker drives the periodic sync cycle: forward sync of every
// monitored repository followed by one bounded round of backfill.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scm-mirror/internal/backfill"
	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/syncer"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/webhook"
)

// Syncers groups the forward sync units
type Syncers struct {
	Issues       *syncer.IssueSync
	PullRequests *syncer.PullRequestSync
	Comments     *syncer.CommentSync
	Reviews      *syncer.ReviewSync
}

// Backfiller runs one backfill round
type Backfiller interface {
	RunBackfillCycle(ctx context.Context) (backfill.CycleResult, error)
}

// WebhookStats reports webhook consumer counters
type WebhookStats interface {
	Stats() webhook.DispatcherStats
}

// snapshotLoader restores a scope's shared quota snapshot
type snapshotLoader interface {
	Load(ctx context.Context, scopeID int64) error
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Registry *tenant.Registry
	Syncers  Syncers
	// Backfill may be nil to run forward sync only
	Backfill Backfiller
	// RetryStats and Webhooks feed Status and may be nil
	RetryStats *retry.RetryStatsTracker
	Webhooks   WebhookStats
	Interval   time.Duration
	// ScopeWorkers caps how many scopes sync concurrently
	ScopeWorkers int
}

// CycleReport summarizes one scheduler cycle
type CycleReport struct {
	StartedAt       time.Time            `json:"startedAt"`
	DurationMs      int64                `json:"durationMs"`
	Scopes          int                  `json:"scopes"`
	TargetsSynced   int                  `json:"targetsSynced"`
	TargetsDeferred int                  `json:"targetsDeferred"`
	AbortedScopes   []int64              `json:"abortedScopes,omitempty"`
	Backfill        backfill.CycleResult `json:"backfill"`
	Error           string               `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler
type Status struct {
	Running         bool                     `json:"running"`
	IntervalSeconds int                      `json:"intervalSeconds"`
	Cycles          int64                    `json:"cycles"`
	LastCycle       *CycleReport             `json:"lastCycle,omitempty"`
	Retry           retry.RetryStats         `json:"retry"`
	Webhooks        *webhook.DispatcherStats `json:"webhooks,omitempty"`
}

// Scheduler runs sync cycles on a fixed interval
type Scheduler struct {
	targets  tenant.SyncTargetProvider
	limits   tenant.RateLimitProvider
	syncers  Syncers
	backfill Backfiller
	stats    *retry.RetryStatsTracker
	webhooks WebhookStats
	interval time.Duration
	workers  int
	now      func() time.Time

	mu        sync.RWMutex
	running   bool
	cycles    int64
	lastCycle *CycleReport
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler creates a scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("tenant registry is required")
	}
	if cfg.Syncers.Issues == nil || cfg.Syncers.PullRequests == nil || cfg.Syncers.Comments == nil || cfg.Syncers.Reviews == nil {
		return nil, fmt.Errorf("all sync units are required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	workers := cfg.ScopeWorkers
	if workers <= 0 {
		workers = 4
	}

	return &Scheduler{
		targets:  cfg.Registry.SyncTargetProvider(),
		limits:   cfg.Registry.RateLimitProvider(),
		syncers:  cfg.Syncers,
		backfill: cfg.Backfill,
		stats:    cfg.RetryStats,
		webhooks: cfg.Webhooks,
		interval: interval,
		workers:  workers,
		now:      time.Now,
	}, nil
}

// Start runs one cycle immediately, then one per interval
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", s.interval.String()).Info("Starting sync scheduler")
	go s.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for the current cycle to wind down
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		logging.FromContext(ctx).Info("Sync scheduler stopped gracefully")
	case <-ctx.Done():
		logging.FromContext(ctx).Warn("Sync scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	// a stop signal cancels the in-flight cycle so blocking waits return
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunCycle(cycleCtx)

		select {
		case <-cycleCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle forward-syncs every eligible scope, then runs one backfill round
func (s *Scheduler) RunCycle(ctx context.Context) (report CycleReport) {
	logger := logging.FromContext(ctx)
	report.StartedAt = s.now().UTC()
	defer func() {
		report.DurationMs = s.now().Sub(report.StartedAt).Milliseconds()
		s.mu.Lock()
		s.cycles++
		r := report
		s.lastCycle = &r
		s.mu.Unlock()
	}()

	scopes, err := s.targets.ListEligibleScopes(ctx)
	if err != nil {
		report.Error = err.Error()
		logger.WithError(err).Error("Failed to list scopes")
		return report
	}
	report.Scopes = len(scopes)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			res := s.syncScope(gctx, scope)
			mu.Lock()
			defer mu.Unlock()
			report.TargetsSynced += res.synced
			report.TargetsDeferred += res.deferred
			if res.aborted {
				report.AbortedScopes = append(report.AbortedScopes, scope.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.backfill != nil && ctx.Err() == nil {
		res, err := s.backfill.RunBackfillCycle(ctx)
		if err != nil {
			report.Error = err.Error()
			logger.WithError(err).Error("Backfill cycle failed")
		}
		report.Backfill = res
	}

	logger.WithFields(map[string]interface{}{
		"scopes":         report.Scopes,
		"synced":         report.TargetsSynced,
		"deferred":       report.TargetsDeferred,
		"aborted_scopes": len(report.AbortedScopes),
	}).Info("Sync cycle finished")
	return report
}

type scopeReport struct {
	synced   int
	deferred int
	aborted  bool
}

// syncScope walks the scope's targets one at a time
func (s *Scheduler) syncScope(ctx context.Context, scope *models.Scope) scopeReport {
	logger := logging.FromContext(ctx).WithScope(scope.ID)
	var res scopeReport

	if loader, ok := s.limits.(snapshotLoader); ok {
		if err := loader.Load(ctx, scope.ID); err != nil {
			logger.WithError(err).Debug("No shared quota snapshot")
		}
	}

	targets, err := s.targets.ListSyncTargets(ctx, scope.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to list sync targets")
		return res
	}

	ordered := prioritize(targets)
	for i, target := range ordered {
		if ctx.Err() != nil || (s.limits != nil && s.limits.IsCritical(scope.ID)) {
			res.deferred += len(ordered) - i
			logger.WithField("deferred", len(ordered)-i).Info("Deferring remaining targets")
			return res
		}
		err := s.SyncTarget(ctx, scope.ID, target)
		if err != nil {
			if apperrors.IsAbort(err) {
				res.aborted = true
				logger.WithError(err).Warn("Scope cycle aborted")
				return res
			}
			res.deferred++
			logger.WithError(err).WithField("repository", target.FullName()).Error("Failed to sync target")
			continue
		}
		res.synced++
	}
	return res
}

// SyncTarget runs the forward sync of one repository: issues, pull requests,
// then the comments and reviews of every parent the walks touched. The
// watermark only moves once both top-level walks covered the newest items.
func (s *Scheduler) SyncTarget(ctx context.Context, scopeID int64, target *models.SyncTarget) error {
	started := s.now().UTC()

	issues, err := s.syncers.Issues.Sync(ctx, scopeID, target)
	if err != nil {
		return err
	}
	pulls, err := s.syncers.PullRequests.Sync(ctx, scopeID, target)
	if err != nil {
		return err
	}

	for _, parent := range issues.Touched {
		if _, err := s.syncers.Comments.Sync(ctx, scopeID, target, parent); err != nil {
			return err
		}
	}
	for _, parent := range pulls.Touched {
		if _, err := s.syncers.Comments.Sync(ctx, scopeID, target, parent); err != nil {
			return err
		}
		if _, err := s.syncers.Reviews.Sync(ctx, scopeID, target, parent); err != nil {
			return err
		}
	}

	if !covered(issues) || !covered(pulls) {
		return nil
	}
	next := target.Clone()
	first := next.LastIssuesAndPullRequestsSyncedAt == nil
	next.LastIssuesAndPullRequestsSyncedAt = &started
	if first {
		backfill.InitializeBackfill(next, issues.MaxNumber, pulls.MaxNumber)
	}
	if err := s.targets.SaveSyncTarget(ctx, next); err != nil {
		return fmt.Errorf("failed to record sync of %s: %w", target.FullName(), err)
	}
	*target = *next
	return nil
}

// covered reports whether a walk started from the newest item and reached its end
func covered(res syncer.Result) bool {
	return res.Complete() && !res.Resumed
}

// Status returns the scheduler state
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{
		Running:         s.running,
		IntervalSeconds: int(s.interval.Seconds()),
		Cycles:          s.cycles,
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	s.mu.RUnlock()

	if s.stats != nil {
		st.Retry = s.stats.GetStats()
	}
	if s.webhooks != nil {
		w := s.webhooks.Stats()
		st.Webhooks = &w
	}
	return st
}
