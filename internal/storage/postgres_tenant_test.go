package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

type execCall struct {
	sql  string
	args []any
}

// capturingQuerier records Exec calls and reports one affected row
type capturingQuerier struct {
	calls []execCall
	tag   string
}

func (q *capturingQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.calls = append(q.calls, execCall{sql: sql, args: args})
	tag := q.tag
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (q *capturingQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (q *capturingQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestSaveSyncTarget_NeverWritesIdentity(t *testing.T) {
	q := &capturingQuerier{}
	target := &models.SyncTarget{ID: 7, ScopeID: 1, Owner: "acme", Name: "gizmos"}

	require.NoError(t, saveSyncTarget(context.Background(), q, target))
	require.Len(t, q.calls, 1)
	assert.NotContains(t, q.calls[0].sql, "owner")
	assert.NotContains(t, q.calls[0].sql, "name =")
	assert.NotContains(t, q.calls[0].args, "gizmos")
}

func TestRenameSyncTarget_BindsNewName(t *testing.T) {
	q := &capturingQuerier{}

	require.NoError(t, renameSyncTarget(context.Background(), q, 7, "acme", "gizmos"))
	require.Len(t, q.calls, 1)
	assert.True(t, strings.Contains(q.calls[0].sql, "name = $3"))
	assert.Equal(t, []any{int64(7), "acme", "gizmos"}, q.calls[0].args)

	missing := &capturingQuerier{tag: "UPDATE 0"}
	assert.ErrorIs(t, renameSyncTarget(context.Background(), missing, 8, "acme", "gizmos"), ErrNotFound)
}

func TestCreateIssueStub_InsertsWithoutUpdate(t *testing.T) {
	q := &capturingQuerier{tag: "INSERT 0 0"}
	tx := &postgresTx{q: q}

	created, err := tx.CreateIssueStub(context.Background(), &models.Issue{ScopeID: 1, ID: 900, Repository: "acme/widgets", Number: 42, IsStub: true})
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, q.calls, 1)
	assert.Contains(t, q.calls[0].sql, "ON CONFLICT DO NOTHING")
	assert.NotContains(t, q.calls[0].sql, "DO UPDATE")
}

func TestPostgresStore_RenameSyncTarget(t *testing.T) {
	db := integrationPostgres(t)
	store := NewPostgresStore(db)
	ctx := testContext(t)

	scope, err := store.CreateScope(ctx, &models.Scope{
		Login:         "acme",
		AuthMode:      types.AuthModePersonalToken,
		CredentialRef: "ghp_test",
		Active:        true,
	})
	require.NoError(t, err)
	target, err := store.AddSyncTarget(ctx, scope.ID, "acme", "widgets")
	require.NoError(t, err)

	require.NoError(t, store.RenameSyncTarget(ctx, target.ID, "acme", "gizmos"))

	// a progress save from a clone loaded before the rename
	hwm := 12
	target.IssueBackfill.HighWaterMark = &hwm
	require.NoError(t, store.SaveSyncTarget(ctx, target))

	renamed, err := store.FindSyncTarget(ctx, scope.ID, "acme", "gizmos")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, target.ID, renamed.ID)
	assert.Equal(t, 12, *renamed.IssueBackfill.HighWaterMark)

	old, err := store.FindSyncTarget(ctx, scope.ID, "acme", "widgets")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestPostgresStore_StubNeverOverwritesIssue(t *testing.T) {
	db := integrationPostgres(t)
	store := NewPostgresStore(db)
	ctx := testContext(t)

	scope, err := store.CreateScope(ctx, &models.Scope{
		Login:         "stubs",
		AuthMode:      types.AuthModePersonalToken,
		CredentialRef: "ghp_test",
		Active:        true,
	})
	require.NoError(t, err)

	title := "Crash on start"
	full := &models.Issue{ScopeID: scope.ID, ID: 900, Repository: "acme/widgets", Number: 42, Title: &title, State: "OPEN"}
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveIssue(ctx, full)
	}))

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		created, err := tx.CreateIssueStub(ctx, &models.Issue{ScopeID: scope.ID, ID: 900, Repository: "acme/widgets", Number: 42, IsStub: true})
		require.NoError(t, err)
		assert.False(t, created)

		// a late full save of stub data is ignored as well
		require.NoError(t, tx.SaveIssue(ctx, &models.Issue{ScopeID: scope.ID, ID: 900, Repository: "acme/widgets", Number: 42, IsStub: true}))

		got, err := tx.GetIssue(ctx, scope.ID, 900)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.IsStub)
		require.NotNil(t, got.Title)
		assert.Equal(t, "Crash on start", *got.Title)
		return nil
	})
	require.NoError(t, err)
}
