package models

import (
	"time"

	"github.com/scm-mirror/internal/types"
)

// ParentKind names the entity a comment hangs off
type ParentKind string

const (
	ParentIssue       ParentKind = "issue"
	ParentPullRequest ParentKind = "pull_request"
)

// Provenance records which update channel last wrote an entity
type Provenance struct {
	LastSource        types.Source `json:"lastSource" db:"last_source"`
	LastCorrelationID string       `json:"lastCorrelationId" db:"last_correlation_id"`
	SyncedAt          time.Time    `json:"syncedAt" db:"synced_at"`
}

// Stamp copies the processing context onto the entity
func (p *Provenance) Stamp(pctx types.ProcessingContext, now time.Time) {
	p.LastSource = pctx.Source
	p.LastCorrelationID = pctx.CorrelationID
	p.SyncedAt = now
}

// Issue is a mirrored issue. Stub issues carry only what a child payload revealed.
type Issue struct {
	ScopeID     int64      `json:"scopeId" db:"scope_id"`
	ID          int64      `json:"id" db:"id"`
	Repository  string     `json:"repository" db:"repository"`
	Number      int        `json:"number" db:"number"`
	Title       *string    `json:"title,omitempty" db:"title"`
	Body        *string    `json:"body,omitempty" db:"body"`
	State       string     `json:"state" db:"state"`
	AuthorLogin *string    `json:"authorLogin,omitempty" db:"author_login"`
	Labels      []string   `json:"labels" db:"labels"`
	IssueType   *string    `json:"issueType,omitempty" db:"issue_type"`
	CreatedAt   *time.Time `json:"createdAt,omitempty" db:"created_at"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty" db:"updated_at"`
	ClosedAt    *time.Time `json:"closedAt,omitempty" db:"closed_at"`
	IsStub      bool       `json:"isStub" db:"is_stub"`
	Provenance
}

// PullRequest is a mirrored pull request
type PullRequest struct {
	ScopeID     int64      `json:"scopeId" db:"scope_id"`
	ID          int64      `json:"id" db:"id"`
	Repository  string     `json:"repository" db:"repository"`
	Number      int        `json:"number" db:"number"`
	Title       *string    `json:"title,omitempty" db:"title"`
	Body        *string    `json:"body,omitempty" db:"body"`
	State       string     `json:"state" db:"state"`
	AuthorLogin *string    `json:"authorLogin,omitempty" db:"author_login"`
	Labels      []string   `json:"labels" db:"labels"`
	Draft       bool       `json:"draft" db:"draft"`
	Merged      bool       `json:"merged" db:"merged"`
	MergedAt    *time.Time `json:"mergedAt,omitempty" db:"merged_at"`
	HeadRef     *string    `json:"headRef,omitempty" db:"head_ref"`
	BaseRef     *string    `json:"baseRef,omitempty" db:"base_ref"`
	CreatedAt   *time.Time `json:"createdAt,omitempty" db:"created_at"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty" db:"updated_at"`
	ClosedAt    *time.Time `json:"closedAt,omitempty" db:"closed_at"`
	IsStub      bool       `json:"isStub" db:"is_stub"`
	Provenance
}

// Comment is a mirrored issue or pull request conversation comment
type Comment struct {
	ScopeID      int64      `json:"scopeId" db:"scope_id"`
	ID           int64      `json:"id" db:"id"`
	Repository   string     `json:"repository" db:"repository"`
	ParentKind   ParentKind `json:"parentKind" db:"parent_kind"`
	ParentNumber int        `json:"parentNumber" db:"parent_number"`
	Body         *string    `json:"body,omitempty" db:"body"`
	AuthorLogin  *string    `json:"authorLogin,omitempty" db:"author_login"`
	CreatedAt    *time.Time `json:"createdAt,omitempty" db:"created_at"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty" db:"updated_at"`
	Provenance
}

// Review is a mirrored pull request review
type Review struct {
	ScopeID           int64      `json:"scopeId" db:"scope_id"`
	ID                int64      `json:"id" db:"id"`
	Repository        string     `json:"repository" db:"repository"`
	PullRequestNumber int        `json:"pullRequestNumber" db:"pull_request_number"`
	State             *string    `json:"state,omitempty" db:"state"`
	Body              *string    `json:"body,omitempty" db:"body"`
	AuthorLogin       *string    `json:"authorLogin,omitempty" db:"author_login"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty" db:"submitted_at"`
	Provenance
}
