package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

// Context is the delivery metadata attached to every event
type Context struct {
	EventID       string               `json:"eventId"`
	OccurredAt    time.Time            `json:"occurredAt"`
	ScopeID       int64                `json:"scopeId"`
	Repository    *types.RepositoryRef `json:"repository,omitempty"`
	Source        types.Source         `json:"source"`
	WebhookAction string               `json:"webhookAction,omitempty"`
	CorrelationID string               `json:"correlationId"`
}

// Event is an immutable (kind, payload, context) triple. Payload is one of the
// *Payload value types below, never a pointer into the store.
type Event struct {
	Kind    Kind    `json:"kind"`
	Payload any     `json:"payload"`
	Context Context `json:"context"`
}

// New stamps a fresh event id and time onto the processing context
func New(kind Kind, pctx types.ProcessingContext, payload any) Event {
	var repo *types.RepositoryRef
	if pctx.Repository != nil {
		r := *pctx.Repository
		repo = &r
	}
	return Event{
		Kind:    kind,
		Payload: payload,
		Context: Context{
			EventID:       uuid.NewString(),
			OccurredAt:    time.Now().UTC(),
			ScopeID:       pctx.ScopeID,
			Repository:    repo,
			Source:        pctx.Source,
			WebhookAction: pctx.WebhookAction,
			CorrelationID: pctx.CorrelationID,
		},
	}
}

// IssuePayload snapshots an issue
type IssuePayload struct {
	ID            int64     `json:"id"`
	Repository    string    `json:"repository"`
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	Labels        []string  `json:"labels"`
	IssueType     string    `json:"issueType,omitempty"`
	IsStub        bool      `json:"isStub"`
	ChangedFields []string  `json:"changedFields,omitempty"`
	Label         string    `json:"label,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewIssuePayload copies the issue into a payload
func NewIssuePayload(i *models.Issue, changed []string) IssuePayload {
	return IssuePayload{
		ID:            i.ID,
		Repository:    i.Repository,
		Number:        i.Number,
		Title:         deref(i.Title),
		State:         i.State,
		Labels:        clone(i.Labels),
		IssueType:     deref(i.IssueType),
		IsStub:        i.IsStub,
		ChangedFields: clone(changed),
		UpdatedAt:     derefTime(i.UpdatedAt),
	}
}

// WithLabel returns a copy naming the label a Labeled or Unlabeled event is about
func (p IssuePayload) WithLabel(label string) IssuePayload {
	p.Label = label
	return p
}

// PullRequestPayload snapshots a pull request
type PullRequestPayload struct {
	ID            int64     `json:"id"`
	Repository    string    `json:"repository"`
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	Labels        []string  `json:"labels"`
	Draft         bool      `json:"draft"`
	Merged        bool      `json:"merged"`
	IsStub        bool      `json:"isStub"`
	ChangedFields []string  `json:"changedFields,omitempty"`
	Label         string    `json:"label,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewPullRequestPayload copies the pull request into a payload
func NewPullRequestPayload(p *models.PullRequest, changed []string) PullRequestPayload {
	return PullRequestPayload{
		ID:            p.ID,
		Repository:    p.Repository,
		Number:        p.Number,
		Title:         deref(p.Title),
		State:         p.State,
		Labels:        clone(p.Labels),
		Draft:         p.Draft,
		Merged:        p.Merged,
		IsStub:        p.IsStub,
		ChangedFields: clone(changed),
		UpdatedAt:     derefTime(p.UpdatedAt),
	}
}

// WithLabel returns a copy naming the label a Labeled or Unlabeled event is about
func (p PullRequestPayload) WithLabel(label string) PullRequestPayload {
	p.Label = label
	return p
}

// CommentPayload snapshots a comment
type CommentPayload struct {
	ID            int64             `json:"id"`
	Repository    string            `json:"repository"`
	ParentKind    models.ParentKind `json:"parentKind"`
	ParentNumber  int               `json:"parentNumber"`
	Body          string            `json:"body"`
	AuthorLogin   string            `json:"authorLogin,omitempty"`
	ChangedFields []string          `json:"changedFields,omitempty"`
}

// NewCommentPayload copies the comment into a payload
func NewCommentPayload(c *models.Comment, changed []string) CommentPayload {
	return CommentPayload{
		ID:            c.ID,
		Repository:    c.Repository,
		ParentKind:    c.ParentKind,
		ParentNumber:  c.ParentNumber,
		Body:          deref(c.Body),
		AuthorLogin:   deref(c.AuthorLogin),
		ChangedFields: clone(changed),
	}
}

// ReviewPayload snapshots a review
type ReviewPayload struct {
	ID                int64    `json:"id"`
	Repository        string   `json:"repository"`
	PullRequestNumber int      `json:"pullRequestNumber"`
	State             string   `json:"state"`
	AuthorLogin       string   `json:"authorLogin,omitempty"`
	ChangedFields     []string `json:"changedFields,omitempty"`
}

// NewReviewPayload copies the review into a payload
func NewReviewPayload(r *models.Review, changed []string) ReviewPayload {
	return ReviewPayload{
		ID:                r.ID,
		Repository:        r.Repository,
		PullRequestNumber: r.PullRequestNumber,
		State:             deref(r.State),
		AuthorLogin:       deref(r.AuthorLogin),
		ChangedFields:     clone(changed),
	}
}

// DeletedPayload identifies a removed entity. The row may already have been gone.
type DeletedPayload struct {
	ID         int64  `json:"id"`
	Repository string `json:"repository,omitempty"`
	Number     int    `json:"number,omitempty"`
	Existed    bool   `json:"existed"`
}

// InstallationPayload describes an installation lifecycle change
type InstallationPayload struct {
	InstallationID int64    `json:"installationId"`
	Account        string   `json:"account"`
	Repositories   []string `json:"repositories,omitempty"`
}

// RepositoryPayload describes a repository lifecycle change
type RepositoryPayload struct {
	Repository   string `json:"repository"`
	PreviousName string `json:"previousName,omitempty"`
	Private      bool   `json:"private"`
	Archived     bool   `json:"archived"`
}

// MemberPayload describes a collaborator change
type MemberPayload struct {
	Repository string `json:"repository"`
	Login      string `json:"login"`
	Permission string `json:"permission,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
