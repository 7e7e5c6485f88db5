package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/scm-mirror/internal/logging"
)

// Snapshot is the last authoritative quota reading for a scope.
type Snapshot struct {
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	ResetAt    time.Time `json:"resetAt"`
	ObservedAt time.Time `json:"observedAt"`
}

// Observation is quota information extracted from one API response.
type Observation struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Valid reports whether the observation carries usable quota data.
func (o Observation) Valid() bool {
	return o.Limit > 0 && o.Remaining >= 0 && !o.ResetAt.IsZero()
}

// ObservationFromHeaders reads the X-RateLimit-* response headers.
func ObservationFromHeaders(h http.Header) (Observation, bool) {
	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, err3 := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Observation{}, false
	}
	obs := Observation{Remaining: remaining, Limit: limit, ResetAt: time.Unix(reset, 0)}
	return obs, obs.Valid()
}

// supersedes reports whether next should replace cur. A later window always wins.
// Within the same window the quota only decreases, so a higher remaining is a stale
// response that arrived late.
func supersedes(cur *Snapshot, next Snapshot) bool {
	if cur == nil {
		return true
	}
	if next.ResetAt.After(cur.ResetAt) {
		return true
	}
	return next.ResetAt.Equal(cur.ResetAt) && next.Remaining <= cur.Remaining
}

// SnapshotStore shares snapshots between processes.
type SnapshotStore interface {
	// Merge atomically stores snap unless the stored snapshot supersedes it,
	// and returns whichever snapshot is kept.
	Merge(ctx context.Context, scopeID int64, snap Snapshot) (Snapshot, error)
	// Load returns the stored snapshot, if any.
	Load(ctx context.Context, scopeID int64) (*Snapshot, error)
}

type scopeState struct {
	mu   sync.Mutex
	snap *Snapshot
}

// Tracker keeps the latest quota snapshot per scope.
// Updates to one scope are serialized by that scope's lock; scopes never contend.
type Tracker struct {
	cfg    Config
	store  SnapshotStore
	now    func() time.Time
	mu     sync.Mutex
	scopes map[int64]*scopeState
}

// NewTracker creates a tracker. store may be nil for a process-local tracker.
func NewTracker(cfg *Config, store SnapshotStore) (*Tracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Tracker{
		cfg:    *cfg,
		store:  store,
		now:    time.Now,
		scopes: make(map[int64]*scopeState),
	}, nil
}

func (t *Tracker) state(scopeID int64) *scopeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.scopes[scopeID]
	if !ok {
		st = &scopeState{}
		t.scopes[scopeID] = st
	}
	return st
}

// Update records an observation for a scope and returns the snapshot now in effect.
// Invalid observations are ignored and return nil.
func (t *Tracker) Update(ctx context.Context, scopeID int64, obs Observation) *Snapshot {
	if !obs.Valid() {
		return nil
	}
	remaining := obs.Remaining
	if remaining > obs.Limit {
		remaining = obs.Limit
	}
	next := Snapshot{Remaining: remaining, Limit: obs.Limit, ResetAt: obs.ResetAt, ObservedAt: t.now()}

	st := t.state(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if supersedes(st.snap, next) {
		st.snap = &next
	}

	if t.store != nil {
		merged, err := t.store.Merge(ctx, scopeID, *st.snap)
		if err != nil {
			logging.FromContext(ctx).WithScope(scopeID).WithError(err).Warn("Failed to share rate limit snapshot")
		} else if supersedes(st.snap, merged) {
			st.snap = &merged
		}
	}

	current := *st.snap
	return &current
}

// Load pulls the shared snapshot for a scope into the local tracker.
func (t *Tracker) Load(ctx context.Context, scopeID int64) error {
	if t.store == nil {
		return nil
	}
	shared, err := t.store.Load(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("failed to load rate limit snapshot: %w", err)
	}
	if shared == nil {
		return nil
	}

	st := t.state(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if supersedes(st.snap, *shared) {
		copied := *shared
		st.snap = &copied
	}
	return nil
}

// Snapshot returns the current snapshot for a scope.
func (t *Tracker) Snapshot(scopeID int64) (Snapshot, bool) {
	st := t.state(scopeID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.snap == nil {
		return Snapshot{}, false
	}
	return *st.snap, true
}

// Remaining returns the calls left in the current window.
// Unknown scopes and expired windows report the full limit.
func (t *Tracker) Remaining(scopeID int64) int {
	snap, ok := t.Snapshot(scopeID)
	if !ok {
		return t.cfg.DefaultLimit
	}
	if !t.now().Before(snap.ResetAt) {
		return snap.Limit
	}
	return snap.Remaining
}

// Limit returns the window size for a scope.
func (t *Tracker) Limit(scopeID int64) int {
	snap, ok := t.Snapshot(scopeID)
	if !ok {
		return t.cfg.DefaultLimit
	}
	return snap.Limit
}

// ResetAt returns when the scope's window resets.
func (t *Tracker) ResetAt(scopeID int64) (time.Time, bool) {
	snap, ok := t.Snapshot(scopeID)
	if !ok {
		return time.Time{}, false
	}
	return snap.ResetAt, true
}

// IsCritical reports whether remaining is below the critical threshold.
func (t *Tracker) IsCritical(scopeID int64) bool {
	return t.Remaining(scopeID) < t.cfg.CriticalThreshold
}

// IsLow reports whether remaining is below the low threshold.
func (t *Tracker) IsLow(scopeID int64) bool {
	return t.Remaining(scopeID) < t.cfg.LowThreshold
}

// RecommendedDelay spreads the remaining calls evenly over the rest of the window.
// It is zero while the scope is not low.
func (t *Tracker) RecommendedDelay(scopeID int64) time.Duration {
	snap, ok := t.Snapshot(scopeID)
	if !ok {
		return 0
	}
	return recommendedDelay(snap, t.now(), t.cfg.LowThreshold)
}

func recommendedDelay(snap Snapshot, now time.Time, low int) time.Duration {
	untilReset := snap.ResetAt.Sub(now)
	if untilReset <= 0 || snap.Remaining >= low {
		return 0
	}
	remaining := snap.Remaining
	if remaining < 1 {
		remaining = 1
	}
	return untilReset / time.Duration(remaining)
}

// WaitIfNeeded blocks while the scope is critical, until the window resets or
// MaxWait elapses. It returns false only when ctx ended first.
func (t *Tracker) WaitIfNeeded(ctx context.Context, scopeID int64) bool {
	if !t.IsCritical(scopeID) {
		return ctx.Err() == nil
	}

	wait := t.cfg.MaxWait
	if resetAt, ok := t.ResetAt(scopeID); ok {
		if untilReset := resetAt.Sub(t.now()) + t.cfg.ResetBuffer; untilReset < wait {
			wait = untilReset
		}
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}

	logging.FromContext(ctx).WithScope(scopeID).WithFields(map[string]interface{}{
		"remaining": t.Remaining(scopeID),
		"wait":      wait.String(),
	}).Info("Rate limit critical, waiting for reset")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
