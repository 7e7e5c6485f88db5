package worker

import (
	"sort"

	"github.com/scm-mirror/internal/models"
)

// TargetPriority is a sync target with its place in the cycle
type TargetPriority struct {
	Target   *models.SyncTarget
	Priority int // Higher number = higher priority
}

// calculatePriority ranks a target. Targets never synced go first so a new
// repository becomes eligible for backfill quickly, then targets with an
// interrupted walk, then the rest.
func calculatePriority(t *models.SyncTarget) int {
	switch {
	case t.LastIssuesAndPullRequestsSyncedAt == nil:
		return 100
	case t.IssueSyncCursor != nil || t.PullRequestSyncCursor != nil:
		return 50
	default:
		return 10
	}
}

// prioritize orders targets by priority, then by the oldest watermark.
// The input slice is left untouched.
func prioritize(targets []*models.SyncTarget) []*models.SyncTarget {
	list := make([]TargetPriority, 0, len(targets))
	for _, t := range targets {
		list = append(list, TargetPriority{Target: t, Priority: calculatePriority(t)})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		a, b := list[i].Target.LastIssuesAndPullRequestsSyncedAt, list[j].Target.LastIssuesAndPullRequestsSyncedAt
		if a == nil || b == nil {
			return false
		}
		return a.Before(*b)
	})

	ordered := make([]*models.SyncTarget, len(list))
	for i, tp := range list {
		ordered[i] = tp.Target
	}
	return ordered
}
