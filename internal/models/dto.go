package models

import "time"

// Inbound records produced by webhook payloads and bulk query pages.
// A nil pointer or nil slice means the field was absent from the source and
// must not overwrite stored data.

// IssueDTO is an inbound issue
type IssueDTO struct {
	ID          int64
	Number      int
	Title       *string
	Body        *string
	State       *string
	AuthorLogin *string
	Labels      []string
	IssueType   *string
	// ClearIssueType marks an explicit removal of the issue type
	ClearIssueType bool
	CreatedAt      *time.Time
	UpdatedAt      *time.Time
	ClosedAt       *time.Time
}

// PullRequestDTO is an inbound pull request
type PullRequestDTO struct {
	ID          int64
	Number      int
	Title       *string
	Body        *string
	State       *string
	AuthorLogin *string
	Labels      []string
	Draft       *bool
	Merged      *bool
	MergedAt    *time.Time
	HeadRef     *string
	BaseRef     *string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
	ClosedAt    *time.Time
}

// CommentDTO is an inbound comment
type CommentDTO struct {
	ID          int64
	Body        *string
	AuthorLogin *string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
}

// ReviewDTO is an inbound review
type ReviewDTO struct {
	ID          int64
	State       *string
	Body        *string
	AuthorLogin *string
	SubmittedAt *time.Time
}

// ParentRef resolves a child's parent by repository and number.
// ID is the upstream id when the child payload carried it.
type ParentRef struct {
	Kind   ParentKind
	Number int
	ID     int64
}
