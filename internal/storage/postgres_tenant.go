package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

const scopeColumns = `id, login, auth_mode, installation_id, credential_ref, server_url, active, suspended, created_at, updated_at`

func scanScope(row pgx.Row) (*models.Scope, error) {
	var s models.Scope
	var mode string
	err := row.Scan(&s.ID, &s.Login, &mode, &s.InstallationID, &s.CredentialRef, &s.ServerURL,
		&s.Active, &s.Suspended, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.AuthMode = types.AuthMode(mode)
	return &s, nil
}

// CreateScope inserts a scope. For personal-token scopes the credential
// reference is the token itself.
func (s *PostgresStore) CreateScope(ctx context.Context, scope *models.Scope) (*models.Scope, error) {
	query := `
		INSERT INTO scopes (login, auth_mode, installation_id, credential_ref, server_url, active, suspended)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + scopeColumns
	created, err := scanScope(s.db.Pool().QueryRow(ctx, query,
		scope.Login, string(scope.AuthMode), scope.InstallationID, scope.CredentialRef,
		scope.ServerURL, scope.Active, scope.Suspended,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create scope: %w", err)
	}
	return created, nil
}

// ListEligibleScopes implements tenant.SyncTargetProvider
func (s *PostgresStore) ListEligibleScopes(ctx context.Context) ([]*models.Scope, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes WHERE active AND NOT suspended ORDER BY id`
	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*models.Scope
	for rows.Next() {
		scope, err := scanScope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Credentials implements tenant.TokenProvider
func (s *PostgresStore) Credentials(ctx context.Context, scopeID int64) (*models.Credentials, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes WHERE id = $1`
	scope, err := scanScope(s.db.Pool().QueryRow(ctx, query, scopeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scope %d: %w", scopeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scope credentials: %w", err)
	}
	return &models.Credentials{
		ScopeID:        scope.ID,
		AuthMode:       scope.AuthMode,
		Token:          scope.CredentialRef,
		InstallationID: scope.InstallationID,
		ServerURL:      scope.ServerURL,
	}, nil
}

// ScopeForInstallation implements tenant.TokenProvider
func (s *PostgresStore) ScopeForInstallation(ctx context.Context, installationID int64) (*models.Scope, error) {
	query := `SELECT ` + scopeColumns + ` FROM scopes WHERE installation_id = $1`
	scope, err := scanScope(s.db.Pool().QueryRow(ctx, query, installationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find scope for installation: %w", err)
	}
	return scope, nil
}

// SetScopeState implements tenant.TokenProvider
func (s *PostgresStore) SetScopeState(ctx context.Context, scopeID int64, active, suspended bool) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE scopes SET active = $2, suspended = $3, updated_at = NOW() WHERE id = $1`,
		scopeID, active, suspended,
	)
	if err != nil {
		return fmt.Errorf("failed to update scope state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scope %d: %w", scopeID, ErrNotFound)
	}
	return nil
}

const syncTargetColumns = `id, scope_id, owner, name,
	last_labels_synced_at, last_milestones_synced_at, last_issues_and_pull_requests_synced_at,
	last_collaborators_synced_at, last_full_sync_at,
	issue_sync_cursor, pull_request_sync_cursor,
	issue_backfill_high_water_mark, issue_backfill_checkpoint, issue_backfill_cursor,
	pr_backfill_high_water_mark, pr_backfill_checkpoint, pr_backfill_cursor,
	backfill_last_run_at`

func scanSyncTarget(row pgx.Row) (*models.SyncTarget, error) {
	var t models.SyncTarget
	err := row.Scan(&t.ID, &t.ScopeID, &t.Owner, &t.Name,
		&t.LastLabelsSyncedAt, &t.LastMilestonesSyncedAt, &t.LastIssuesAndPullRequestsSyncedAt,
		&t.LastCollaboratorsSyncedAt, &t.LastFullSyncAt,
		&t.IssueSyncCursor, &t.PullRequestSyncCursor,
		&t.IssueBackfill.HighWaterMark, &t.IssueBackfill.Checkpoint, &t.IssueBackfill.Cursor,
		&t.PullRequestBackfill.HighWaterMark, &t.PullRequestBackfill.Checkpoint, &t.PullRequestBackfill.Cursor,
		&t.BackfillLastRunAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListSyncTargets implements tenant.SyncTargetProvider
func (s *PostgresStore) ListSyncTargets(ctx context.Context, scopeID int64) ([]*models.SyncTarget, error) {
	query := `SELECT ` + syncTargetColumns + ` FROM sync_targets WHERE scope_id = $1 ORDER BY id`
	rows, err := s.db.Pool().Query(ctx, query, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.SyncTarget
	for rows.Next() {
		target, err := scanSyncTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync target: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// GetSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) GetSyncTarget(ctx context.Context, targetID int64) (*models.SyncTarget, error) {
	query := `SELECT ` + syncTargetColumns + ` FROM sync_targets WHERE id = $1`
	target, err := scanSyncTarget(s.db.Pool().QueryRow(ctx, query, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sync target %d: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync target: %w", err)
	}
	return target, nil
}

// FindSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) FindSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error) {
	query := `SELECT ` + syncTargetColumns + ` FROM sync_targets
		WHERE scope_id = $1 AND lower(owner) = lower($2) AND lower(name) = lower($3)`
	target, err := scanSyncTarget(s.db.Pool().QueryRow(ctx, query, scopeID, owner, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync target: %w", err)
	}
	return target, nil
}

// SaveSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error {
	return saveSyncTarget(ctx, s.db.Pool(), target)
}

func saveSyncTarget(ctx context.Context, q querier, t *models.SyncTarget) error {
	query := `
		UPDATE sync_targets SET
			last_labels_synced_at = $2,
			last_milestones_synced_at = $3,
			last_issues_and_pull_requests_synced_at = $4,
			last_collaborators_synced_at = $5,
			last_full_sync_at = $6,
			issue_sync_cursor = $7,
			pull_request_sync_cursor = $8,
			issue_backfill_high_water_mark = $9,
			issue_backfill_checkpoint = $10,
			issue_backfill_cursor = $11,
			pr_backfill_high_water_mark = $12,
			pr_backfill_checkpoint = $13,
			pr_backfill_cursor = $14,
			backfill_last_run_at = $15
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, t.ID,
		t.LastLabelsSyncedAt, t.LastMilestonesSyncedAt, t.LastIssuesAndPullRequestsSyncedAt,
		t.LastCollaboratorsSyncedAt, t.LastFullSyncAt,
		t.IssueSyncCursor, t.PullRequestSyncCursor,
		t.IssueBackfill.HighWaterMark, t.IssueBackfill.Checkpoint, t.IssueBackfill.Cursor,
		t.PullRequestBackfill.HighWaterMark, t.PullRequestBackfill.Checkpoint, t.PullRequestBackfill.Cursor,
		t.BackfillLastRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync target %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to save sync target %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

// RenameSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) RenameSyncTarget(ctx context.Context, targetID int64, owner, name string) error {
	return renameSyncTarget(ctx, s.db.Pool(), targetID, owner, name)
}

func renameSyncTarget(ctx context.Context, q querier, targetID int64, owner, name string) error {
	tag, err := q.Exec(ctx,
		`UPDATE sync_targets SET owner = $2, name = $3 WHERE id = $1`,
		targetID, owner, name,
	)
	if err != nil {
		return fmt.Errorf("failed to rename sync target %d: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to rename sync target %d: %w", targetID, ErrNotFound)
	}
	return nil
}

// AddSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) AddSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error) {
	query := `
		INSERT INTO sync_targets (scope_id, owner, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope_id, owner, name) DO UPDATE SET owner = EXCLUDED.owner
		RETURNING ` + syncTargetColumns
	target, err := scanSyncTarget(s.db.Pool().QueryRow(ctx, query, scopeID, owner, name))
	if err != nil {
		return nil, fmt.Errorf("failed to add sync target: %w", err)
	}
	return target, nil
}

// RemoveSyncTarget implements tenant.SyncTargetProvider
func (s *PostgresStore) RemoveSyncTarget(ctx context.Context, scopeID int64, owner, name string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM sync_targets WHERE scope_id = $1 AND lower(owner) = lower($2) AND lower(name) = lower($3)`,
		scopeID, owner, name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove sync target: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
