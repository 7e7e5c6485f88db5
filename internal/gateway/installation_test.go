package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/types"
)

func installationScope(id int64) *models.Credentials {
	return &models.Credentials{ScopeID: 7, AuthMode: types.AuthModeInstallation, InstallationID: &id}
}

func TestInstallationTokens_ExchangeAndCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/installations/55/access_tokens", r.URL.Path)
		assert.Equal(t, "Bearer app-secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		_, _ = io.WriteString(w, fmt.Sprintf(`{"token":"ghs_installation","expires_at":%q}`, expires))
	}))
	defer server.Close()

	base := &staticTokens{creds: map[int64]*models.Credentials{7: installationScope(55)}}
	tokens := NewInstallationTokens(base, "app-secret", Options{APIURL: server.URL + "/"})

	creds, err := tokens.Credentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", creds.Token)
	require.NotNil(t, creds.ExpiresAt)

	_, err = tokens.Credentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "cached token must be reused")

	tokens.Forget(7)
	_, err = tokens.Credentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInstallationTokens_RevokedInstallation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	}))
	defer server.Close()

	base := &staticTokens{creds: map[int64]*models.Credentials{7: installationScope(55)}}
	tokens := NewInstallationTokens(base, "app-secret", Options{APIURL: server.URL + "/"})

	_, err := tokens.Credentials(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, apperrors.IsInstallationRevoked(err))
}

func TestInstallationTokens_PersonalTokenPassesThrough(t *testing.T) {
	base := &staticTokens{creds: map[int64]*models.Credentials{
		1: {ScopeID: 1, AuthMode: types.AuthModePersonalToken, Token: "pat"},
	}}
	tokens := NewInstallationTokens(base, "app-secret", Options{APIURL: "http://127.0.0.1:1/"})

	creds, err := tokens.Credentials(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "pat", creds.Token)
}

func TestClient_InstallationRepositories(t *testing.T) {
	client, observer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/installation/repositories", r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
		_, _ = io.WriteString(w, `{"total_count":2,"repositories":[
			{"id":1,"name":"widgets","owner":{"login":"acme"}},
			{"id":2,"name":"gadgets","owner":{"login":"acme"}}]}`)
	})

	repos, err := client.InstallationRepositories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.RepositoryRef{
		{ID: 1, Owner: "acme", Name: "widgets"},
		{ID: 2, Owner: "acme", Name: "gadgets"},
	}, repos)

	obs := observer.all()
	require.Len(t, obs, 1)
	assert.Equal(t, 4321, obs[0].Remaining)
}

func fastTokenRetry() *retry.RetryConfig {
	cfg := DefaultTokenRetry()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestInstallationTokens_TransientExchangeFailureRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"message":"Bad Gateway"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		_, _ = io.WriteString(w, fmt.Sprintf(`{"token":"ghs_second","expires_at":%q}`, expires))
	}))
	defer server.Close()

	base := &staticTokens{creds: map[int64]*models.Credentials{7: installationScope(55)}}
	tokens := NewInstallationTokens(base, "app-secret", Options{APIURL: server.URL + "/", TokenRetry: fastTokenRetry()})

	creds, err := tokens.Credentials(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "ghs_second", creds.Token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInstallationTokens_RejectedAppCredentialNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Bad credentials"}`)
	}))
	defer server.Close()

	base := &staticTokens{creds: map[int64]*models.Credentials{7: installationScope(55)}}
	tokens := NewInstallationTokens(base, "app-secret", Options{APIURL: server.URL + "/", TokenRetry: fastTokenRetry()})

	_, err := tokens.Credentials(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryAuth))
	assert.Equal(t, int32(1), calls.Load())
}
