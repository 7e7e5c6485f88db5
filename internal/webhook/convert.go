package webhook

import (
	"time"

	gh "github.com/google/go-github/v62/github"

	"github.com/scm-mirror/internal/models"
)

func issueDTO(i *gh.Issue) models.IssueDTO {
	return models.IssueDTO{
		ID:          i.GetID(),
		Number:      i.GetNumber(),
		Title:       i.Title,
		Body:        i.Body,
		State:       i.State,
		AuthorLogin: userLogin(i.User),
		Labels:      labelNames(i.Labels),
		CreatedAt:   timestamp(i.CreatedAt),
		UpdatedAt:   timestamp(i.UpdatedAt),
		ClosedAt:    timestamp(i.ClosedAt),
	}
}

func pullRequestDTO(pr *gh.PullRequest) models.PullRequestDTO {
	dto := models.PullRequestDTO{
		ID:          pr.GetID(),
		Number:      pr.GetNumber(),
		Title:       pr.Title,
		Body:        pr.Body,
		State:       pr.State,
		AuthorLogin: userLogin(pr.User),
		Labels:      labelNames(pr.Labels),
		Draft:       pr.Draft,
		Merged:      pr.Merged,
		MergedAt:    timestamp(pr.MergedAt),
		CreatedAt:   timestamp(pr.CreatedAt),
		UpdatedAt:   timestamp(pr.UpdatedAt),
		ClosedAt:    timestamp(pr.ClosedAt),
	}
	if pr.Head != nil {
		dto.HeadRef = pr.Head.Ref
	}
	if pr.Base != nil {
		dto.BaseRef = pr.Base.Ref
	}
	return dto
}

func commentDTO(c *gh.IssueComment) models.CommentDTO {
	return models.CommentDTO{
		ID:          c.GetID(),
		Body:        c.Body,
		AuthorLogin: userLogin(c.User),
		CreatedAt:   timestamp(c.CreatedAt),
		UpdatedAt:   timestamp(c.UpdatedAt),
	}
}

func reviewDTO(r *gh.PullRequestReview) models.ReviewDTO {
	return models.ReviewDTO{
		ID:          r.GetID(),
		State:       r.State,
		Body:        r.Body,
		AuthorLogin: userLogin(r.User),
		SubmittedAt: timestamp(r.SubmittedAt),
	}
}

// commentParent tells issue comments from pull request conversation comments
func commentParent(i *gh.Issue) models.ParentRef {
	kind := models.ParentIssue
	if i.IsPullRequest() {
		kind = models.ParentPullRequest
	}
	return models.ParentRef{Kind: kind, Number: i.GetNumber(), ID: i.GetID()}
}

func userLogin(u *gh.User) *string {
	if u == nil || u.Login == nil {
		return nil
	}
	login := u.GetLogin()
	return &login
}

// labelNames returns nil when the payload carried no label list
func labelNames(labels []*gh.Label) []string {
	if labels == nil {
		return nil
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l.GetName() != "" {
			out = append(out, l.GetName())
		}
	}
	return out
}

func timestamp(ts *gh.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
