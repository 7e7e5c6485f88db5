package backfill

import "github.com/scm-mirror/internal/models"

// advance folds one committed page into state. minNumber is the lowest number
// on the page (0 for an empty page), exhausted means no page follows it.
// The checkpoint only ever decreases and stays within [0, highWaterMark].
func advance(state models.BackfillState, minNumber int, exhausted bool, resume *string) models.BackfillState {
	next := state.Clone()
	if !next.Initialized() {
		return next
	}
	hwm := *next.HighWaterMark

	checkpoint := next.Position()
	if exhausted {
		checkpoint = 0
	} else if minNumber > 0 && minNumber-1 < checkpoint {
		checkpoint = minNumber - 1
	}
	if checkpoint < 0 {
		checkpoint = 0
	}
	if checkpoint > hwm {
		checkpoint = hwm
	}
	next.Checkpoint = &checkpoint

	if checkpoint == 0 {
		next.Cursor = nil
	} else if resume != nil {
		cursor := *resume
		next.Cursor = &cursor
	}
	return next
}

// InitializeBackfill sets each kind's high-water mark from the highest number
// forward sync has seen. Kinds already initialized are left alone. It reports
// whether target changed.
func InitializeBackfill(target *models.SyncTarget, maxIssueNumber, maxPullRequestNumber int) bool {
	changed := false
	if !target.IssueBackfill.Initialized() {
		target.IssueBackfill = newState(maxIssueNumber)
		changed = true
	}
	if !target.PullRequestBackfill.Initialized() {
		target.PullRequestBackfill = newState(maxPullRequestNumber)
		changed = true
	}
	return changed
}

func newState(hwm int) models.BackfillState {
	if hwm < 0 {
		hwm = 0
	}
	return models.BackfillState{HighWaterMark: &hwm}
}
