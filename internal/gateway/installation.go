package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/types"
)

// tokenRefreshMargin renews an installation token this long before it expires
const tokenRefreshMargin = 5 * time.Minute

// DefaultTokenRetry retries transient token exchange failures a few times
func DefaultTokenRetry() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		Retryable:    apperrors.IsRetryable,
	}
}

// InstallationTokens exchanges the app credential for short-lived installation
// tokens. Personal-token scopes pass through unchanged.
type InstallationTokens struct {
	tenant.TokenProvider

	appToken string
	apiURL   string
	base     http.RoundTripper
	retry    *retry.RetryConfig
	now      func() time.Time

	mu     sync.Mutex
	cache  map[int64]*models.Credentials
	flight singleflight.Group
}

// NewInstallationTokens wraps provider. appToken authenticates as the app.
func NewInstallationTokens(provider tenant.TokenProvider, appToken string, opts Options) *InstallationTokens {
	policy := opts.TokenRetry
	if policy == nil {
		policy = DefaultTokenRetry()
	}
	return &InstallationTokens{
		TokenProvider: provider,
		appToken:      appToken,
		apiURL:        opts.APIURL,
		base:          opts.Transport,
		retry:         policy,
		now:           time.Now,
		cache:         map[int64]*models.Credentials{},
	}
}

// Credentials returns a valid installation token for installation scopes
func (t *InstallationTokens) Credentials(ctx context.Context, scopeID int64) (*models.Credentials, error) {
	creds, err := t.TokenProvider.Credentials(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if creds.AuthMode != types.AuthModeInstallation || creds.InstallationID == nil || t.appToken == "" {
		return creds, nil
	}

	t.mu.Lock()
	cached, ok := t.cache[scopeID]
	t.mu.Unlock()
	if ok && cached.ExpiresAt != nil && t.now().Add(tokenRefreshMargin).Before(*cached.ExpiresAt) {
		return cached, nil
	}

	v, err, _ := t.flight.Do(fmt.Sprintf("%d", scopeID), func() (interface{}, error) {
		return t.refresh(ctx, creds)
	})
	if err != nil {
		return nil, err
	}
	fresh := v.(*models.Credentials)

	t.mu.Lock()
	t.cache[scopeID] = fresh
	t.mu.Unlock()
	return fresh, nil
}

// Forget drops a cached token, e.g. after the installation was deleted
func (t *InstallationTokens) Forget(scopeID int64) {
	t.mu.Lock()
	delete(t.cache, scopeID)
	t.mu.Unlock()
}

func (t *InstallationTokens) refresh(ctx context.Context, creds *models.Credentials) (*models.Credentials, error) {
	var fresh *models.Credentials
	res := retry.WithExponentialBackoff(ctx, t.retry, func(ctx context.Context, _ int) error {
		var err error
		fresh, err = t.exchange(ctx, creds)
		return err
	})
	if !res.Success {
		return nil, res.LastError
	}
	return fresh, nil
}

func (t *InstallationTokens) exchange(ctx context.Context, creds *models.Credentials) (*models.Credentials, error) {
	client, err := t.appClient(creds.ServerURL)
	if err != nil {
		return nil, err
	}

	token, resp, err := client.Apps.CreateInstallationToken(ctx, *creds.InstallationID, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &apperrors.InstallationRevokedError{ScopeID: creds.ScopeID}
		}
		return nil, translateError("create installation token", creds.ScopeID, err)
	}

	out := *creds
	out.Token = token.GetToken()
	if token.ExpiresAt != nil {
		expires := token.ExpiresAt.Time
		out.ExpiresAt = &expires
	}
	logging.FromContext(ctx).WithScope(creds.ScopeID).
		WithField("installation", logging.RedactInt(*creds.InstallationID)).
		Debug("Installation token refreshed")
	return &out, nil
}

func (t *InstallationTokens) appClient(serverURL *string) (*gh.Client, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &oauth2.Transport{
			Base:   base,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.appToken}),
		},
	}
	client := gh.NewClient(httpClient)

	if serverURL != nil && *serverURL != "" {
		server := strings.TrimSuffix(*serverURL, "/")
		return client.WithEnterpriseURLs(server+"/api/v3/", server+"/api/uploads/")
	}
	if err := setBaseURL(client, t.apiURL); err != nil {
		return nil, err
	}
	return client, nil
}

// InstallationRepositories lists every repository the scope's installation can see
func (c *Client) InstallationRepositories(ctx context.Context) ([]types.RepositoryRef, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var out []types.RepositoryRef
	for {
		page, resp, err := c.rest.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, translateError("list installation repositories", c.scopeID, err)
		}
		for _, r := range page.Repositories {
			out = append(out, types.RepositoryRef{
				ID:    r.GetID(),
				Owner: r.GetOwner().GetLogin(),
				Name:  r.GetName(),
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}
