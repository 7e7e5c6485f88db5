// Package gatewaytest provides an in-memory gateway.API for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/ratelimit"
)

// API serves fixed data with offset cursors
type API struct {
	ScopeID  int64
	Observer gateway.RateObserver

	mu           sync.Mutex
	issues       []models.IssueDTO
	pullRequests []models.PullRequestDTO
	comments     map[int][]models.CommentDTO
	reviews      map[int][]models.ReviewDTO
	quota        ratelimit.Observation
	failures     []error
	calls        map[string]int
}

// NewAPI creates an empty fake with a comfortable quota
func NewAPI(scopeID int64) *API {
	return &API{
		ScopeID:  scopeID,
		comments: map[int][]models.CommentDTO{},
		reviews:  map[int][]models.ReviewDTO{},
		quota:    ratelimit.Observation{Remaining: 5000, Limit: 5000, ResetAt: time.Now().Add(time.Hour)},
		calls:    map[string]int{},
	}
}

// AddIssues appends issues
func (a *API) AddIssues(issues ...models.IssueDTO) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issues = append(a.issues, issues...)
}

// AddPullRequests appends pull requests
func (a *API) AddPullRequests(prs ...models.PullRequestDTO) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pullRequests = append(a.pullRequests, prs...)
}

// AddComments attaches comments to the issue or pull request number
func (a *API) AddComments(number int, comments ...models.CommentDTO) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.comments[number] = append(a.comments[number], comments...)
}

// AddReviews attaches reviews to the pull request number
func (a *API) AddReviews(number int, reviews ...models.ReviewDTO) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reviews[number] = append(a.reviews[number], reviews...)
}

// SetQuota changes the quota reported with every page. Raising it starts a
// new window, as only a reset can refill the quota.
func (a *API) SetQuota(remaining int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if remaining > a.quota.Remaining {
		a.quota.ResetAt = a.quota.ResetAt.Add(time.Hour)
	}
	a.quota.Remaining = remaining
}

// FailNext queues errors returned by the next calls, one per call
func (a *API) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

// Calls returns how often op was called: issues, pull_requests, comments or reviews
func (a *API) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// TotalCalls returns the number of calls of any kind
func (a *API) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

func (a *API) begin(op string) (ratelimit.Observation, error) {
	a.mu.Lock()
	a.calls[op]++
	quota := a.quota
	var err error
	if len(a.failures) > 0 {
		err, a.failures = a.failures[0], a.failures[1:]
	}
	a.mu.Unlock()
	if err != nil {
		return quota, err
	}
	if a.Observer != nil {
		a.Observer.Update(context.Background(), a.ScopeID, quota)
	}
	return quota, nil
}

// Issues implements gateway.API
func (a *API) Issues(ctx context.Context, q gateway.ListQuery) (*gateway.Page[models.IssueDTO], error) {
	quota, err := a.begin("issues")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	items := append([]models.IssueDTO(nil), a.issues...)
	a.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool {
		if q.Order == gateway.OrderCreatedDesc {
			return items[i].Number > items[j].Number
		}
		return later(items[i].UpdatedAt, items[j].UpdatedAt)
	})
	return paginate(items, q, quota)
}

// PullRequests implements gateway.API
func (a *API) PullRequests(ctx context.Context, q gateway.ListQuery) (*gateway.Page[models.PullRequestDTO], error) {
	quota, err := a.begin("pull_requests")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	items := append([]models.PullRequestDTO(nil), a.pullRequests...)
	a.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool {
		if q.Order == gateway.OrderCreatedDesc {
			return items[i].Number > items[j].Number
		}
		return later(items[i].UpdatedAt, items[j].UpdatedAt)
	})
	return paginate(items, q, quota)
}

// Comments implements gateway.API. An unknown parent is NOT_FOUND.
func (a *API) Comments(ctx context.Context, parent models.ParentRef, q gateway.ListQuery) (*gateway.Page[gateway.CommentNode], error) {
	quota, err := a.begin("comments")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	id, ok := a.parentID(parent)
	comments := append([]models.CommentDTO(nil), a.comments[parent.Number]...)
	a.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError(string(parent.Kind), strconv.Itoa(parent.Number))
	}
	ref := models.ParentRef{Kind: parent.Kind, Number: parent.Number, ID: id}
	nodes := make([]gateway.CommentNode, 0, len(comments))
	for _, c := range comments {
		nodes = append(nodes, gateway.CommentNode{Comment: c, Parent: ref})
	}
	return paginate(nodes, q, quota)
}

// Reviews implements gateway.API. An unknown pull request is NOT_FOUND.
func (a *API) Reviews(ctx context.Context, number int, q gateway.ListQuery) (*gateway.Page[gateway.ReviewNode], error) {
	quota, err := a.begin("reviews")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	id, ok := a.parentID(models.ParentRef{Kind: models.ParentPullRequest, Number: number})
	reviews := append([]models.ReviewDTO(nil), a.reviews[number]...)
	a.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("pull request", strconv.Itoa(number))
	}
	ref := models.ParentRef{Kind: models.ParentPullRequest, Number: number, ID: id}
	nodes := make([]gateway.ReviewNode, 0, len(reviews))
	for _, r := range reviews {
		nodes = append(nodes, gateway.ReviewNode{Review: r, PullRequest: ref})
	}
	return paginate(nodes, q, quota)
}

func (a *API) parentID(ref models.ParentRef) (int64, bool) {
	if ref.Kind == models.ParentPullRequest {
		for _, pr := range a.pullRequests {
			if pr.Number == ref.Number {
				return pr.ID, true
			}
		}
		return 0, false
	}
	for _, issue := range a.issues {
		if issue.Number == ref.Number {
			return issue.ID, true
		}
	}
	return 0, false
}

func paginate[T any](items []T, q gateway.ListQuery, quota ratelimit.Observation) (*gateway.Page[T], error) {
	offset := 0
	if q.After != nil {
		n, err := strconv.Atoi(*q.After)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", *q.After)
		}
		offset = n
	}
	first := q.First
	if first <= 0 {
		first = 50
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + first
	if end > len(items) {
		end = len(items)
	}
	page := &gateway.Page[T]{Nodes: items[offset:end], RateLimit: quota}
	if end < len(items) {
		cursor := strconv.Itoa(end)
		page.HasNextPage = true
		page.EndCursor = &cursor
	}
	return page, nil
}

func later(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// Clients maps scopes to fakes and implements the per-scope client lookup
type Clients struct {
	mu   sync.Mutex
	apis map[int64]*API
	errs map[int64]error
}

// NewClients creates an empty lookup
func NewClients() *Clients {
	return &Clients{apis: map[int64]*API{}, errs: map[int64]error{}}
}

// Add registers api under its scope
func (c *Clients) Add(api *API) *API {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apis[api.ScopeID] = api
	return api
}

// Fail makes client lookups for scopeID fail with err
func (c *Clients) Fail(scopeID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[scopeID] = err
}

// APIFor returns the fake registered for scopeID
func (c *Clients) APIFor(ctx context.Context, scopeID int64) (gateway.API, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[scopeID]; err != nil {
		return nil, err
	}
	api, ok := c.apis[scopeID]
	if !ok {
		return nil, apperrors.NewAuthError(fmt.Sprintf("no credentials for scope %d", scopeID), nil)
	}
	return api, nil
}
