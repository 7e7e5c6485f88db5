package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/scm-mirror/internal/models"
)

// KindProgress is the backfill position of one entity kind
type KindProgress struct {
	Status        models.BackfillStatus `json:"status"`
	HighWaterMark *int                  `json:"highWaterMark,omitempty"`
	Checkpoint    *int                  `json:"checkpoint,omitempty"`
	Remaining     int                   `json:"remaining"`
}

// Progress is a read-only view of a target's backfill
type Progress struct {
	TargetID     int64                 `json:"targetId"`
	Repository   string                `json:"repository"`
	Status       models.BackfillStatus `json:"status"`
	Remaining    int                   `json:"remaining"`
	Issues       KindProgress          `json:"issues"`
	PullRequests KindProgress          `json:"pullRequests"`
	LastRunAt    *time.Time            `json:"lastRunAt,omitempty"`
}

// GetProgress derives the backfill progress of a target without side effects
func (s *Service) GetProgress(ctx context.Context, targetID int64) (*Progress, error) {
	target, err := s.targets.GetSyncTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync target %d: %w", targetID, err)
	}
	p := ProgressOf(target)
	return &p, nil
}

// ProgressOf derives the progress of a loaded target
func ProgressOf(target *models.SyncTarget) Progress {
	issues := kindProgress(target.IssueBackfill)
	pulls := kindProgress(target.PullRequestBackfill)

	status := models.BackfillInProgress
	switch {
	case issues.Status == models.BackfillComplete && pulls.Status == models.BackfillComplete:
		status = models.BackfillComplete
	case issues.Status == models.BackfillNotStarted && pulls.Status == models.BackfillNotStarted:
		status = models.BackfillNotStarted
	}

	p := Progress{
		TargetID:     target.ID,
		Repository:   target.FullName(),
		Status:       status,
		Remaining:    issues.Remaining + pulls.Remaining,
		Issues:       issues,
		PullRequests: pulls,
	}
	if target.BackfillLastRunAt != nil {
		at := *target.BackfillLastRunAt
		p.LastRunAt = &at
	}
	return p
}

func kindProgress(state models.BackfillState) KindProgress {
	c := state.Clone()
	return KindProgress{
		Status:        c.Status(),
		HighWaterMark: c.HighWaterMark,
		Checkpoint:    c.Checkpoint,
		Remaining:     c.Remaining(),
	}
}
