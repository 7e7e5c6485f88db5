package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/scm-mirror/internal/models"
)

type rateLimit struct {
	Limit     githubv4.Int
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

type pageInfo struct {
	HasNextPage bool
	EndCursor   *githubv4.String
}

type actor struct {
	Login githubv4.String
}

type labelConnection struct {
	Nodes []struct {
		Name githubv4.String
	}
}

type issueNode struct {
	DatabaseID githubv4.Int
	Number     githubv4.Int
	Title      githubv4.String
	Body       githubv4.String
	State      githubv4.String
	Author     *actor
	Labels     labelConnection `graphql:"labels(first: 50)"`
	IssueType  *struct {
		Name githubv4.String
	}
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	ClosedAt  *githubv4.DateTime
}

type pullRequestNode struct {
	DatabaseID  githubv4.Int
	Number      githubv4.Int
	Title       githubv4.String
	Body        githubv4.String
	State       githubv4.String
	Author      *actor
	Labels      labelConnection `graphql:"labels(first: 50)"`
	IsDraft     bool
	Merged      bool
	MergedAt    *githubv4.DateTime
	HeadRefName githubv4.String
	BaseRefName githubv4.String
	CreatedAt   githubv4.DateTime
	UpdatedAt   githubv4.DateTime
	ClosedAt    *githubv4.DateTime
}

type commentNode struct {
	DatabaseID githubv4.Int
	Body       githubv4.String
	Author     *actor
	CreatedAt  githubv4.DateTime
	UpdatedAt  githubv4.DateTime
}

type reviewNode struct {
	DatabaseID  githubv4.Int
	State       githubv4.String
	Body        githubv4.String
	Author      *actor
	SubmittedAt *githubv4.DateTime
}

type commentConnection struct {
	PageInfo pageInfo
	Nodes    []commentNode
}

type issuesQuery struct {
	Repository struct {
		Issues struct {
			PageInfo pageInfo
			Nodes    []issueNode
		} `graphql:"issues(first: $first, after: $after, orderBy: $orderBy)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit
}

type pullRequestsQuery struct {
	Repository struct {
		PullRequests struct {
			PageInfo pageInfo
			Nodes    []pullRequestNode
		} `graphql:"pullRequests(first: $first, after: $after, orderBy: $orderBy)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit
}

type issueCommentsQuery struct {
	Repository struct {
		Issue *struct {
			DatabaseID githubv4.Int
			Comments   commentConnection `graphql:"comments(first: $first, after: $after)"`
		} `graphql:"issue(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit
}

type pullRequestCommentsQuery struct {
	Repository struct {
		PullRequest *struct {
			DatabaseID githubv4.Int
			Comments   commentConnection `graphql:"comments(first: $first, after: $after)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit
}

type reviewsQuery struct {
	Repository struct {
		PullRequest *struct {
			DatabaseID githubv4.Int
			Reviews    struct {
				PageInfo pageInfo
				Nodes    []reviewNode
			} `graphql:"reviews(first: $first, after: $after)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
	RateLimit rateLimit
}

func listVariables(q ListQuery) map[string]interface{} {
	first := q.First
	if first <= 0 || first > 100 {
		first = 50
	}
	vars := map[string]interface{}{
		"owner": githubv4.String(q.Repository.Owner),
		"name":  githubv4.String(q.Repository.Name),
		"first": githubv4.Int(first),
		"after": (*githubv4.String)(nil),
	}
	if q.After != nil {
		vars["after"] = githubv4.NewString(githubv4.String(*q.After))
	}
	return vars
}

func issueOrder(o Order) githubv4.IssueOrder {
	field := githubv4.IssueOrderFieldUpdatedAt
	if o == OrderCreatedDesc {
		field = githubv4.IssueOrderFieldCreatedAt
	}
	return githubv4.IssueOrder{Field: field, Direction: githubv4.OrderDirectionDesc}
}

// Issues lists one page of a repository's issues
func (c *Client) Issues(ctx context.Context, q ListQuery) (*Page[models.IssueDTO], error) {
	vars := listVariables(q)
	vars["orderBy"] = issueOrder(q.Order)

	var query issuesQuery
	if err := c.query(ctx, "list issues", &query, vars); err != nil {
		return nil, err
	}
	conn := query.Repository.Issues
	page := &Page[models.IssueDTO]{
		HasNextPage: conn.PageInfo.HasNextPage,
		EndCursor:   cursor(conn.PageInfo.EndCursor),
		RateLimit:   c.observe(ctx, query.RateLimit),
	}
	for _, n := range conn.Nodes {
		page.Nodes = append(page.Nodes, n.toDTO())
	}
	return page, nil
}

// PullRequests lists one page of a repository's pull requests
func (c *Client) PullRequests(ctx context.Context, q ListQuery) (*Page[models.PullRequestDTO], error) {
	vars := listVariables(q)
	vars["orderBy"] = issueOrder(q.Order)

	var query pullRequestsQuery
	if err := c.query(ctx, "list pull requests", &query, vars); err != nil {
		return nil, err
	}
	conn := query.Repository.PullRequests
	page := &Page[models.PullRequestDTO]{
		HasNextPage: conn.PageInfo.HasNextPage,
		EndCursor:   cursor(conn.PageInfo.EndCursor),
		RateLimit:   c.observe(ctx, query.RateLimit),
	}
	for _, n := range conn.Nodes {
		page.Nodes = append(page.Nodes, n.toDTO())
	}
	return page, nil
}

// Comments lists one page of the conversation comments of an issue or pull request
func (c *Client) Comments(ctx context.Context, parent models.ParentRef, q ListQuery) (*Page[CommentNode], error) {
	vars := listVariables(q)
	vars["number"] = githubv4.Int(parent.Number)

	var (
		conn     commentConnection
		parentID githubv4.Int
		obs      rateLimit
	)
	switch parent.Kind {
	case models.ParentPullRequest:
		var query pullRequestCommentsQuery
		if err := c.query(ctx, "list pull request comments", &query, vars); err != nil {
			return nil, err
		}
		obs = query.RateLimit
		if query.Repository.PullRequest == nil {
			c.observe(ctx, obs)
			return nil, notFound("pull request", q.Repository.FullName(), parent.Number)
		}
		conn, parentID = query.Repository.PullRequest.Comments, query.Repository.PullRequest.DatabaseID
	default:
		var query issueCommentsQuery
		if err := c.query(ctx, "list issue comments", &query, vars); err != nil {
			return nil, err
		}
		obs = query.RateLimit
		if query.Repository.Issue == nil {
			c.observe(ctx, obs)
			return nil, notFound("issue", q.Repository.FullName(), parent.Number)
		}
		conn, parentID = query.Repository.Issue.Comments, query.Repository.Issue.DatabaseID
	}

	ref := models.ParentRef{Kind: parent.Kind, Number: parent.Number, ID: int64(parentID)}
	if ref.Kind == "" {
		ref.Kind = models.ParentIssue
	}
	page := &Page[CommentNode]{
		HasNextPage: conn.PageInfo.HasNextPage,
		EndCursor:   cursor(conn.PageInfo.EndCursor),
		RateLimit:   c.observe(ctx, obs),
	}
	for _, n := range conn.Nodes {
		page.Nodes = append(page.Nodes, CommentNode{Comment: n.toDTO(), Parent: ref})
	}
	return page, nil
}

// Reviews lists one page of a pull request's reviews
func (c *Client) Reviews(ctx context.Context, pullRequestNumber int, q ListQuery) (*Page[ReviewNode], error) {
	vars := listVariables(q)
	vars["number"] = githubv4.Int(pullRequestNumber)

	var query reviewsQuery
	if err := c.query(ctx, "list reviews", &query, vars); err != nil {
		return nil, err
	}
	obs := c.observe(ctx, query.RateLimit)
	pr := query.Repository.PullRequest
	if pr == nil {
		return nil, notFound("pull request", q.Repository.FullName(), pullRequestNumber)
	}

	ref := models.ParentRef{Kind: models.ParentPullRequest, Number: pullRequestNumber, ID: int64(pr.DatabaseID)}
	page := &Page[ReviewNode]{
		HasNextPage: pr.Reviews.PageInfo.HasNextPage,
		EndCursor:   cursor(pr.Reviews.PageInfo.EndCursor),
		RateLimit:   obs,
	}
	for _, n := range pr.Reviews.Nodes {
		page.Nodes = append(page.Nodes, ReviewNode{Review: n.toDTO(), PullRequest: ref})
	}
	return page, nil
}

func (n issueNode) toDTO() models.IssueDTO {
	dto := models.IssueDTO{
		ID:          int64(n.DatabaseID),
		Number:      int(n.Number),
		Title:       str(n.Title),
		Body:        str(n.Body),
		State:       str(n.State),
		AuthorLogin: login(n.Author),
		Labels:      labels(n.Labels),
		CreatedAt:   timeOf(n.CreatedAt),
		UpdatedAt:   timeOf(n.UpdatedAt),
		ClosedAt:    optionalTime(n.ClosedAt),
	}
	if n.IssueType != nil {
		dto.IssueType = str(n.IssueType.Name)
	} else {
		dto.ClearIssueType = true
	}
	return dto
}

func (n pullRequestNode) toDTO() models.PullRequestDTO {
	draft, merged := n.IsDraft, n.Merged
	return models.PullRequestDTO{
		ID:          int64(n.DatabaseID),
		Number:      int(n.Number),
		Title:       str(n.Title),
		Body:        str(n.Body),
		State:       str(n.State),
		AuthorLogin: login(n.Author),
		Labels:      labels(n.Labels),
		Draft:       &draft,
		Merged:      &merged,
		MergedAt:    optionalTime(n.MergedAt),
		HeadRef:     str(n.HeadRefName),
		BaseRef:     str(n.BaseRefName),
		CreatedAt:   timeOf(n.CreatedAt),
		UpdatedAt:   timeOf(n.UpdatedAt),
		ClosedAt:    optionalTime(n.ClosedAt),
	}
}

func (n commentNode) toDTO() models.CommentDTO {
	return models.CommentDTO{
		ID:          int64(n.DatabaseID),
		Body:        str(n.Body),
		AuthorLogin: login(n.Author),
		CreatedAt:   timeOf(n.CreatedAt),
		UpdatedAt:   timeOf(n.UpdatedAt),
	}
}

func (n reviewNode) toDTO() models.ReviewDTO {
	return models.ReviewDTO{
		ID:          int64(n.DatabaseID),
		State:       str(n.State),
		Body:        str(n.Body),
		AuthorLogin: login(n.Author),
		SubmittedAt: optionalTime(n.SubmittedAt),
	}
}

func str(s githubv4.String) *string {
	v := string(s)
	return &v
}

func login(a *actor) *string {
	if a == nil {
		return nil
	}
	return str(a.Login)
}

func labels(conn labelConnection) []string {
	out := make([]string, 0, len(conn.Nodes))
	for _, l := range conn.Nodes {
		out = append(out, string(l.Name))
	}
	return out
}

func timeOf(dt githubv4.DateTime) *time.Time {
	if dt.IsZero() {
		return nil
	}
	t := dt.UTC()
	return &t
}

func optionalTime(dt *githubv4.DateTime) *time.Time {
	if dt == nil {
		return nil
	}
	return timeOf(*dt)
}

func cursor(c *githubv4.String) *string {
	if c == nil || strings.TrimSpace(string(*c)) == "" {
		return nil
	}
	v := string(*c)
	return &v
}
