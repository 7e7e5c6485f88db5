package models

import (
	"time"

	"github.com/scm-mirror/internal/types"
)

// BackfillStatus is the derived lifecycle state of a backfill
type BackfillStatus string

const (
	BackfillNotStarted BackfillStatus = "not_started"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillComplete   BackfillStatus = "complete"
)

// BackfillState tracks one entity kind's walk from HighWaterMark down to zero.
// Numbers above Checkpoint are done.
type BackfillState struct {
	HighWaterMark *int    `json:"highWaterMark,omitempty"`
	Checkpoint    *int    `json:"checkpoint,omitempty"`
	Cursor        *string `json:"cursor,omitempty"`
}

// Initialized reports whether a high-water mark has been set
func (b BackfillState) Initialized() bool {
	return b.HighWaterMark != nil
}

// Complete reports whether nothing is left to backfill
func (b BackfillState) Complete() bool {
	if b.HighWaterMark == nil {
		return false
	}
	if *b.HighWaterMark == 0 {
		return true
	}
	return b.Checkpoint != nil && *b.Checkpoint == 0
}

// Status derives the lifecycle state
func (b BackfillState) Status() BackfillStatus {
	switch {
	case !b.Initialized():
		return BackfillNotStarted
	case b.Complete():
		return BackfillComplete
	default:
		return BackfillInProgress
	}
}

// Position returns the number the next batch starts below, inclusive
func (b BackfillState) Position() int {
	if b.Checkpoint != nil {
		return *b.Checkpoint
	}
	if b.HighWaterMark != nil {
		return *b.HighWaterMark
	}
	return 0
}

// Remaining estimates how many numbers are still to visit
func (b BackfillState) Remaining() int {
	if !b.Initialized() || b.Complete() {
		return 0
	}
	return b.Position()
}

// Clone returns a deep copy
func (b BackfillState) Clone() BackfillState {
	out := BackfillState{}
	if b.HighWaterMark != nil {
		v := *b.HighWaterMark
		out.HighWaterMark = &v
	}
	if b.Checkpoint != nil {
		v := *b.Checkpoint
		out.Checkpoint = &v
	}
	if b.Cursor != nil {
		v := *b.Cursor
		out.Cursor = &v
	}
	return out
}

// SyncTarget is one monitored repository inside a scope
type SyncTarget struct {
	ID      int64  `json:"id" db:"id"`
	ScopeID int64  `json:"scopeId" db:"scope_id"`
	Owner   string `json:"owner" db:"owner"`
	Name    string `json:"name" db:"name"`

	LastLabelsSyncedAt                *time.Time `json:"lastLabelsSyncedAt,omitempty" db:"last_labels_synced_at"`
	LastMilestonesSyncedAt            *time.Time `json:"lastMilestonesSyncedAt,omitempty" db:"last_milestones_synced_at"`
	LastIssuesAndPullRequestsSyncedAt *time.Time `json:"lastIssuesAndPullRequestsSyncedAt,omitempty" db:"last_issues_and_pull_requests_synced_at"`
	LastCollaboratorsSyncedAt         *time.Time `json:"lastCollaboratorsSyncedAt,omitempty" db:"last_collaborators_synced_at"`
	LastFullSyncAt                    *time.Time `json:"lastFullSyncAt,omitempty" db:"last_full_sync_at"`

	IssueSyncCursor       *string `json:"-" db:"issue_sync_cursor"`
	PullRequestSyncCursor *string `json:"-" db:"pull_request_sync_cursor"`

	IssueBackfill       BackfillState `json:"issueBackfill"`
	PullRequestBackfill BackfillState `json:"pullRequestBackfill"`
	BackfillLastRunAt   *time.Time    `json:"backfillLastRunAt,omitempty" db:"backfill_last_run_at"`
}

// Ref returns the repository reference of the target
func (t *SyncTarget) Ref() types.RepositoryRef {
	return types.RepositoryRef{Owner: t.Owner, Name: t.Name}
}

// FullName returns owner/name
func (t *SyncTarget) FullName() string {
	return t.Owner + "/" + t.Name
}

// IncrementalSyncCompleted reports whether issues and pull requests were synced at least once
func (t *SyncTarget) IncrementalSyncCompleted() bool {
	return t.LastIssuesAndPullRequestsSyncedAt != nil
}

// BackfillComplete reports whether both kinds are fully backfilled
func (t *SyncTarget) BackfillComplete() bool {
	return t.IssueBackfill.Complete() && t.PullRequestBackfill.Complete()
}

// Clone returns a deep copy so callers can stage changes
func (t *SyncTarget) Clone() *SyncTarget {
	out := *t
	out.IssueBackfill = t.IssueBackfill.Clone()
	out.PullRequestBackfill = t.PullRequestBackfill.Clone()
	out.LastLabelsSyncedAt = cloneTime(t.LastLabelsSyncedAt)
	out.LastMilestonesSyncedAt = cloneTime(t.LastMilestonesSyncedAt)
	out.LastIssuesAndPullRequestsSyncedAt = cloneTime(t.LastIssuesAndPullRequestsSyncedAt)
	out.LastCollaboratorsSyncedAt = cloneTime(t.LastCollaboratorsSyncedAt)
	out.LastFullSyncAt = cloneTime(t.LastFullSyncAt)
	out.BackfillLastRunAt = cloneTime(t.BackfillLastRunAt)
	out.IssueSyncCursor = cloneString(t.IssueSyncCursor)
	out.PullRequestSyncCursor = cloneString(t.PullRequestSyncCursor)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
