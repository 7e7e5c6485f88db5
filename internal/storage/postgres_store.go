package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scm-mirror/internal/models"
	"github.com/scm-mirror/internal/types"
)

// querier is satisfied by both the pool and an open transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store and tenant provider
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates a store on an open connection pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx implements Store
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.db.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = pgTx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(ctx, &postgresTx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	q querier
}

const issueColumns = `scope_id, id, repository, number, title, body, state, author_login, labels,
	issue_type, created_at, updated_at, closed_at, is_stub, last_source, last_correlation_id, synced_at`

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var i models.Issue
	var source string
	err := row.Scan(&i.ScopeID, &i.ID, &i.Repository, &i.Number, &i.Title, &i.Body, &i.State,
		&i.AuthorLogin, &i.Labels, &i.IssueType, &i.CreatedAt, &i.UpdatedAt, &i.ClosedAt, &i.IsStub,
		&source, &i.LastCorrelationID, &i.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	i.LastSource = types.Source(source)
	return &i, nil
}

func (tx *postgresTx) GetIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE scope_id = $1 AND id = $2`
	issue, err := scanIssue(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

func (tx *postgresTx) FindIssueByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE scope_id = $1 AND lower(repository) = lower($2) AND number = $3`
	issue, err := scanIssue(tx.q.QueryRow(ctx, query, scopeID, repository, number))
	if err != nil {
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	return issue, nil
}

func (tx *postgresTx) SaveIssue(ctx context.Context, i *models.Issue) error {
	query := `
		INSERT INTO issues (` + issueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (scope_id, id) DO UPDATE SET
			repository = EXCLUDED.repository,
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			state = EXCLUDED.state,
			author_login = EXCLUDED.author_login,
			labels = EXCLUDED.labels,
			issue_type = EXCLUDED.issue_type,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at,
			is_stub = EXCLUDED.is_stub,
			last_source = EXCLUDED.last_source,
			last_correlation_id = EXCLUDED.last_correlation_id,
			synced_at = EXCLUDED.synced_at
		WHERE NOT EXCLUDED.is_stub OR issues.is_stub
	`
	_, err := tx.q.Exec(ctx, query,
		i.ScopeID, i.ID, i.Repository, i.Number, i.Title, i.Body, i.State, i.AuthorLogin, i.Labels,
		i.IssueType, i.CreatedAt, i.UpdatedAt, i.ClosedAt, i.IsStub,
		string(i.LastSource), i.LastCorrelationID, i.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save issue: %w", err)
	}
	return nil
}

func (tx *postgresTx) CreateIssueStub(ctx context.Context, i *models.Issue) (bool, error) {
	query := `
		INSERT INTO issues (` + issueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING
	`
	tag, err := tx.q.Exec(ctx, query,
		i.ScopeID, i.ID, i.Repository, i.Number, i.Title, i.Body, i.State, i.AuthorLogin, i.Labels,
		i.IssueType, i.CreatedAt, i.UpdatedAt, i.ClosedAt, true,
		string(i.LastSource), i.LastCorrelationID, i.SyncedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create issue stub: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *postgresTx) DeleteIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error) {
	query := `DELETE FROM issues WHERE scope_id = $1 AND id = $2 RETURNING ` + issueColumns
	issue, err := scanIssue(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to delete issue: %w", err)
	}
	return issue, nil
}

const pullRequestColumns = `scope_id, id, repository, number, title, body, state, author_login, labels,
	draft, merged, merged_at, head_ref, base_ref, created_at, updated_at, closed_at, is_stub,
	last_source, last_correlation_id, synced_at`

func scanPullRequest(row pgx.Row) (*models.PullRequest, error) {
	var p models.PullRequest
	var source string
	err := row.Scan(&p.ScopeID, &p.ID, &p.Repository, &p.Number, &p.Title, &p.Body, &p.State,
		&p.AuthorLogin, &p.Labels, &p.Draft, &p.Merged, &p.MergedAt, &p.HeadRef, &p.BaseRef,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt, &p.IsStub, &source, &p.LastCorrelationID, &p.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.LastSource = types.Source(source)
	return &p, nil
}

func (tx *postgresTx) GetPullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error) {
	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE scope_id = $1 AND id = $2`
	pr, err := scanPullRequest(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request: %w", err)
	}
	return pr, nil
}

func (tx *postgresTx) FindPullRequestByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.PullRequest, error) {
	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE scope_id = $1 AND lower(repository) = lower($2) AND number = $3`
	pr, err := scanPullRequest(tx.q.QueryRow(ctx, query, scopeID, repository, number))
	if err != nil {
		return nil, fmt.Errorf("failed to find pull request: %w", err)
	}
	return pr, nil
}

func (tx *postgresTx) SavePullRequest(ctx context.Context, p *models.PullRequest) error {
	query := `
		INSERT INTO pull_requests (` + pullRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (scope_id, id) DO UPDATE SET
			repository = EXCLUDED.repository,
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			state = EXCLUDED.state,
			author_login = EXCLUDED.author_login,
			labels = EXCLUDED.labels,
			draft = EXCLUDED.draft,
			merged = EXCLUDED.merged,
			merged_at = EXCLUDED.merged_at,
			head_ref = EXCLUDED.head_ref,
			base_ref = EXCLUDED.base_ref,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at,
			is_stub = EXCLUDED.is_stub,
			last_source = EXCLUDED.last_source,
			last_correlation_id = EXCLUDED.last_correlation_id,
			synced_at = EXCLUDED.synced_at
		WHERE NOT EXCLUDED.is_stub OR pull_requests.is_stub
	`
	_, err := tx.q.Exec(ctx, query,
		p.ScopeID, p.ID, p.Repository, p.Number, p.Title, p.Body, p.State, p.AuthorLogin, p.Labels,
		p.Draft, p.Merged, p.MergedAt, p.HeadRef, p.BaseRef, p.CreatedAt, p.UpdatedAt, p.ClosedAt,
		p.IsStub, string(p.LastSource), p.LastCorrelationID, p.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pull request: %w", err)
	}
	return nil
}

func (tx *postgresTx) CreatePullRequestStub(ctx context.Context, p *models.PullRequest) (bool, error) {
	query := `
		INSERT INTO pull_requests (` + pullRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT DO NOTHING
	`
	tag, err := tx.q.Exec(ctx, query,
		p.ScopeID, p.ID, p.Repository, p.Number, p.Title, p.Body, p.State, p.AuthorLogin, p.Labels,
		p.Draft, p.Merged, p.MergedAt, p.HeadRef, p.BaseRef, p.CreatedAt, p.UpdatedAt, p.ClosedAt,
		true, string(p.LastSource), p.LastCorrelationID, p.SyncedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create pull request stub: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *postgresTx) DeletePullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error) {
	query := `DELETE FROM pull_requests WHERE scope_id = $1 AND id = $2 RETURNING ` + pullRequestColumns
	pr, err := scanPullRequest(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to delete pull request: %w", err)
	}
	return pr, nil
}

const commentColumns = `scope_id, id, repository, parent_kind, parent_number, body, author_login,
	created_at, updated_at, last_source, last_correlation_id, synced_at`

func scanComment(row pgx.Row) (*models.Comment, error) {
	var c models.Comment
	var kind, source string
	err := row.Scan(&c.ScopeID, &c.ID, &c.Repository, &kind, &c.ParentNumber, &c.Body, &c.AuthorLogin,
		&c.CreatedAt, &c.UpdatedAt, &source, &c.LastCorrelationID, &c.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ParentKind = models.ParentKind(kind)
	c.LastSource = types.Source(source)
	return &c, nil
}

func (tx *postgresTx) GetComment(ctx context.Context, scopeID, id int64) (*models.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE scope_id = $1 AND id = $2`
	c, err := scanComment(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return c, nil
}

func (tx *postgresTx) SaveComment(ctx context.Context, c *models.Comment) error {
	query := `
		INSERT INTO comments (` + commentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (scope_id, id) DO UPDATE SET
			repository = EXCLUDED.repository,
			parent_kind = EXCLUDED.parent_kind,
			parent_number = EXCLUDED.parent_number,
			body = EXCLUDED.body,
			author_login = EXCLUDED.author_login,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			last_source = EXCLUDED.last_source,
			last_correlation_id = EXCLUDED.last_correlation_id,
			synced_at = EXCLUDED.synced_at
	`
	_, err := tx.q.Exec(ctx, query,
		c.ScopeID, c.ID, c.Repository, string(c.ParentKind), c.ParentNumber, c.Body, c.AuthorLogin,
		c.CreatedAt, c.UpdatedAt, string(c.LastSource), c.LastCorrelationID, c.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save comment: %w", err)
	}
	return nil
}

func (tx *postgresTx) DeleteComment(ctx context.Context, scopeID, id int64) (*models.Comment, error) {
	query := `DELETE FROM comments WHERE scope_id = $1 AND id = $2 RETURNING ` + commentColumns
	c, err := scanComment(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to delete comment: %w", err)
	}
	return c, nil
}

const reviewColumns = `scope_id, id, repository, pull_request_number, state, body, author_login,
	submitted_at, last_source, last_correlation_id, synced_at`

func scanReview(row pgx.Row) (*models.Review, error) {
	var r models.Review
	var source string
	err := row.Scan(&r.ScopeID, &r.ID, &r.Repository, &r.PullRequestNumber, &r.State, &r.Body,
		&r.AuthorLogin, &r.SubmittedAt, &source, &r.LastCorrelationID, &r.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.LastSource = types.Source(source)
	return &r, nil
}

func (tx *postgresTx) GetReview(ctx context.Context, scopeID, id int64) (*models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE scope_id = $1 AND id = $2`
	r, err := scanReview(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

func (tx *postgresTx) SaveReview(ctx context.Context, r *models.Review) error {
	query := `
		INSERT INTO reviews (` + reviewColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (scope_id, id) DO UPDATE SET
			repository = EXCLUDED.repository,
			pull_request_number = EXCLUDED.pull_request_number,
			state = EXCLUDED.state,
			body = EXCLUDED.body,
			author_login = EXCLUDED.author_login,
			submitted_at = EXCLUDED.submitted_at,
			last_source = EXCLUDED.last_source,
			last_correlation_id = EXCLUDED.last_correlation_id,
			synced_at = EXCLUDED.synced_at
	`
	_, err := tx.q.Exec(ctx, query,
		r.ScopeID, r.ID, r.Repository, r.PullRequestNumber, r.State, r.Body, r.AuthorLogin,
		r.SubmittedAt, string(r.LastSource), r.LastCorrelationID, r.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}
	return nil
}

func (tx *postgresTx) DeleteReview(ctx context.Context, scopeID, id int64) (*models.Review, error) {
	query := `DELETE FROM reviews WHERE scope_id = $1 AND id = $2 RETURNING ` + reviewColumns
	r, err := scanReview(tx.q.QueryRow(ctx, query, scopeID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to delete review: %w", err)
	}
	return r, nil
}

func (tx *postgresTx) SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error {
	return saveSyncTarget(ctx, tx.q, target)
}
