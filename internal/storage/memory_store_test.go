package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

func ptr[T any](v T) *T { return &v }

func TestMemoryStore_CommitAndRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SaveIssue(ctx, &models.Issue{ScopeID: 1, ID: 10, Repository: "o/r", Number: 1, Title: ptr("a")}))
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Empty(t, store.Issues(1))
	assert.Equal(t, 0, store.Commits())

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveIssue(ctx, &models.Issue{ScopeID: 1, ID: 10, Repository: "o/r", Number: 1, Title: ptr("a")})
	})
	require.NoError(t, err)
	require.Len(t, store.Issues(1), 1)
	assert.Equal(t, 1, store.Commits())
}

func TestMemoryStore_ReadsSeeStagedWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SavePullRequest(ctx, &models.PullRequest{ScopeID: 1, ID: 7, Repository: "o/r", Number: 3}))

		found, err := tx.FindPullRequestByNumber(ctx, 1, "O/R", 3)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, int64(7), found.ID)

		deleted, err := tx.DeletePullRequest(ctx, 1, 7)
		require.NoError(t, err)
		require.NotNil(t, deleted)

		gone, err := tx.GetPullRequest(ctx, 1, 7)
		require.NoError(t, err)
		assert.Nil(t, gone)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, store.PullRequests(1))
}

func TestMemoryStore_ScopesAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SaveComment(ctx, &models.Comment{ScopeID: 1, ID: 5, Body: ptr("one")}))
		return tx.SaveComment(ctx, &models.Comment{ScopeID: 2, ID: 5, Body: ptr("two")})
	})
	require.NoError(t, err)

	require.Len(t, store.Comments(1), 1)
	require.Len(t, store.Comments(2), 1)
	assert.Equal(t, "one", *store.Comments(1)[0].Body)
	assert.Equal(t, "two", *store.Comments(2)[0].Body)
}

func TestMemoryStore_DuplicateIssueNumberRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SaveIssue(ctx, &models.Issue{ScopeID: 1, ID: 1, Repository: "o/r", Number: 9}))
		return tx.SaveIssue(ctx, &models.Issue{ScopeID: 1, ID: 2, Repository: "o/r", Number: 9})
	})
	assert.Error(t, err)
	assert.Empty(t, store.Issues(1))
}

func TestMemoryStore_SyncTargetCheckpointBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	target := store.PutSyncTarget(&models.SyncTarget{ScopeID: 1, Owner: "o", Name: "r"})

	tests := []struct {
		name    string
		state   models.BackfillState
		wantErr bool
	}{
		{"unset", models.BackfillState{}, false},
		{"within bounds", models.BackfillState{HighWaterMark: ptr(10), Checkpoint: ptr(4)}, false},
		{"at zero", models.BackfillState{HighWaterMark: ptr(10), Checkpoint: ptr(0)}, false},
		{"above high-water mark", models.BackfillState{HighWaterMark: ptr(10), Checkpoint: ptr(11)}, true},
		{"negative", models.BackfillState{HighWaterMark: ptr(10), Checkpoint: ptr(-1)}, true},
		{"checkpoint without mark", models.BackfillState{Checkpoint: ptr(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := target.Clone()
			candidate.PullRequestBackfill = tt.state
			err := store.SaveSyncTarget(ctx, candidate)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_SyncTargetSavedWithTx(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	target := store.PutSyncTarget(&models.SyncTarget{ScopeID: 1, Owner: "o", Name: "r"})

	staged := target.Clone()
	staged.IssueSyncCursor = ptr("abc")
	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SaveSyncTarget(ctx, staged))
		return errors.New("rollback")
	})
	require.Error(t, err)

	loaded, err := store.GetSyncTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.IssueSyncCursor)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSyncTarget(ctx, staged)
	})
	require.NoError(t, err)
	loaded, err = store.GetSyncTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", *loaded.IssueSyncCursor)
}

func TestMemoryStore_TenantProviders(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	installation := int64(77)

	active := store.AddScope(&models.Scope{Login: "a", AuthMode: types.AuthModeInstallation, InstallationID: &installation, Active: true}, "tok-a")
	store.AddScope(&models.Scope{Login: "b", AuthMode: types.AuthModePersonalToken, Active: true, Suspended: true}, "tok-b")

	scopes, err := store.ListEligibleScopes(ctx)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, active.ID, scopes[0].ID)

	creds, err := store.Credentials(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-a", creds.Token)

	found, err := store.ScopeForInstallation(ctx, installation)
	require.NoError(t, err)
	require.NotNil(t, found)
	missing, err := store.ScopeForInstallation(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SetScopeState(ctx, active.ID, true, true))
	scopes, err = store.ListEligibleScopes(ctx)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	_, err = store.Credentials(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)

	added, err := store.AddSyncTarget(ctx, active.ID, "o", "r")
	require.NoError(t, err)
	same, err := store.AddSyncTarget(ctx, active.ID, "O", "R")
	require.NoError(t, err)
	assert.Equal(t, added.ID, same.ID)

	removed, err := store.RemoveSyncTarget(ctx, active.ID, "o", "r")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.RemoveSyncTarget(ctx, active.ID, "o", "r")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryStore_ProgressSaveKeepsRename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	target := store.PutSyncTarget(&models.SyncTarget{ScopeID: 1, Owner: "acme", Name: "widgets"})

	stale, err := store.GetSyncTarget(ctx, target.ID)
	require.NoError(t, err)
	require.NoError(t, store.RenameSyncTarget(ctx, target.ID, "acme", "gizmos"))

	hwm := 10
	stale.IssueBackfill.HighWaterMark = &hwm
	require.NoError(t, store.SaveSyncTarget(ctx, stale))
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSyncTarget(ctx, stale)
	}))

	renamed, err := store.FindSyncTarget(ctx, 1, "acme", "gizmos")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, 10, *renamed.IssueBackfill.HighWaterMark)
	old, err := store.FindSyncTarget(ctx, 1, "acme", "widgets")
	require.NoError(t, err)
	assert.Nil(t, old)

	assert.ErrorIs(t, store.RenameSyncTarget(ctx, 999, "acme", "x"), ErrNotFound)
}
