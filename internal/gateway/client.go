// Package gateway talks to the GitHub GraphQL and REST APIs on behalf of one
// scope, reporting every quota reading to the rate limit tracker and
// translating failures into categorized errors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	gh "github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/scm-mirror/internal/circuitbreaker"
	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/ratelimit"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/types"
)

// RateObserver receives authoritative quota readings
type RateObserver interface {
	Update(ctx context.Context, scopeID int64, obs ratelimit.Observation) *ratelimit.Snapshot
}

// API is what the sync services need from the provider
type API interface {
	Issues(ctx context.Context, q ListQuery) (*Page[models.IssueDTO], error)
	PullRequests(ctx context.Context, q ListQuery) (*Page[models.PullRequestDTO], error)
	Comments(ctx context.Context, parent models.ParentRef, q ListQuery) (*Page[CommentNode], error)
	Reviews(ctx context.Context, pullRequestNumber int, q ListQuery) (*Page[ReviewNode], error)
}

// Order selects the sort of a paginated listing
type Order int

const (
	// OrderUpdatedDesc lists the most recently updated first
	OrderUpdatedDesc Order = iota
	// OrderCreatedDesc lists the highest numbers first
	OrderCreatedDesc
)

// ListQuery addresses one page of a listing
type ListQuery struct {
	Repository types.RepositoryRef
	First      int
	After      *string
	Order      Order
}

// Page is one page of a listing
type Page[T any] struct {
	Nodes       []T
	HasNextPage bool
	EndCursor   *string
	RateLimit   ratelimit.Observation
}

// CommentNode is a comment together with the parent it hangs off
type CommentNode struct {
	Comment models.CommentDTO
	Parent  models.ParentRef
}

// ReviewNode is a review together with its pull request
type ReviewNode struct {
	Review      models.ReviewDTO
	PullRequest models.ParentRef
}

// Options configures clients built by a Factory
type Options struct {
	APIURL         string
	GraphQLURL     string
	RequestTimeout time.Duration
	// SecondaryLimitSleep caps a single sleep on a secondary rate limit
	SecondaryLimitSleep time.Duration
	// Transport overrides the base transport, mostly for tests
	Transport http.RoundTripper
	// Breakers, when set, guards each scope's calls with its own breaker
	Breakers *circuitbreaker.Manager
	// TokenRetry bounds installation token exchanges; nil uses DefaultTokenRetry
	TokenRetry *retry.RetryConfig
}

// Factory builds per-scope clients from tenant credentials
type Factory struct {
	tokens   tenant.TokenProvider
	observer RateObserver
	opts     Options
}

// NewFactory creates a client factory
func NewFactory(tokens tenant.TokenProvider, observer RateObserver, opts Options) *Factory {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.SecondaryLimitSleep <= 0 {
		opts.SecondaryLimitSleep = time.Minute
	}
	return &Factory{tokens: tokens, observer: observer, opts: opts}
}

// ForScope returns a client authenticated as the scope
func (f *Factory) ForScope(ctx context.Context, scopeID int64) (*Client, error) {
	creds, err := f.tokens.Credentials(ctx, scopeID)
	if err != nil {
		return nil, translateError("load credentials", scopeID, err)
	}
	if creds.Token == "" {
		return nil, translateError("load credentials", scopeID, fmt.Errorf("scope %d has no token: bad credentials", scopeID))
	}
	client, err := newClient(scopeID, creds, f.observer, f.opts)
	if err != nil {
		return nil, err
	}
	if f.opts.Breakers != nil {
		client.breaker = f.opts.Breakers.Get(fmt.Sprintf("scope-%d", scopeID))
	}
	return client, nil
}

// Client is a GitHub client bound to one scope
type Client struct {
	scopeID  int64
	graphql  *githubv4.Client
	rest     *gh.Client
	observer RateObserver
	breaker  *circuitbreaker.CircuitBreaker
}

func newClient(scopeID int64, creds *models.Credentials, observer RateObserver, opts Options) (*Client, error) {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	waiter, err := github_ratelimit.NewRateLimitWaiter(base, github_ratelimit.WithSingleSleepLimit(opts.SecondaryLimitSleep, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}

	httpClient := &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &oauth2.Transport{
			Base:   &headerObserver{base: waiter, scopeID: scopeID, observer: observer},
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token}),
		},
	}

	graphqlURL := opts.GraphQLURL
	rest := gh.NewClient(httpClient)
	if creds.ServerURL != nil && *creds.ServerURL != "" {
		server := strings.TrimSuffix(*creds.ServerURL, "/")
		graphqlURL = server + "/api/graphql"
		rest, err = rest.WithEnterpriseURLs(server+"/api/v3/", server+"/api/uploads/")
		if err != nil {
			return nil, fmt.Errorf("invalid server URL: %w", err)
		}
	} else if err := setBaseURL(rest, opts.APIURL); err != nil {
		return nil, err
	}

	var graphql *githubv4.Client
	if graphqlURL == "" || graphqlURL == "https://api.github.com/graphql" {
		graphql = githubv4.NewClient(httpClient)
	} else {
		graphql = githubv4.NewEnterpriseClient(graphqlURL, httpClient)
	}

	return &Client{scopeID: scopeID, graphql: graphql, rest: rest, observer: observer}, nil
}

// setBaseURL points rest at apiURL as given, without the enterprise path rewrite
func setBaseURL(rest *gh.Client, apiURL string) error {
	if apiURL == "" {
		return nil
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}
	rest.BaseURL = u
	return nil
}

// ScopeID returns the scope the client acts for
func (c *Client) ScopeID() int64 {
	return c.scopeID
}

// query runs a GraphQL query and translates its failure
func (c *Client) query(ctx context.Context, op string, q interface{}, vars map[string]interface{}) error {
	run := func(ctx context.Context) error {
		return translateError(op, c.scopeID, c.graphql.Query(ctx, q, vars))
	}
	if c.breaker == nil {
		return run(ctx)
	}
	err := c.breaker.Execute(ctx, run)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return apperrors.NewTransportError(op, err)
	}
	return err
}

func (c *Client) observe(ctx context.Context, rl rateLimit) ratelimit.Observation {
	obs := ratelimit.Observation{Remaining: int(rl.Remaining), Limit: int(rl.Limit), ResetAt: rl.ResetAt.Time}
	if c.observer != nil && obs.Valid() {
		c.observer.Update(ctx, c.scopeID, obs)
	}
	return obs
}

// headerObserver reports X-RateLimit headers of REST responses
type headerObserver struct {
	base     http.RoundTripper
	scopeID  int64
	observer RateObserver
}

func (t *headerObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || t.observer == nil {
		return resp, err
	}
	if obs, ok := ratelimit.ObservationFromHeaders(resp.Header); ok {
		t.observer.Update(req.Context(), t.scopeID, obs)
	}
	return resp, nil
}

// APIFor is ForScope narrowed to the API interface
func (f *Factory) APIFor(ctx context.Context, scopeID int64) (API, error) {
	client, err := f.ForScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return client, nil
}
