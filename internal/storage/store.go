package storage

import (
	"context"
	"errors"

	"github.com/scm-mirror/internal/models"
)

// ErrNotFound is returned by lookups that require the row to exist
var ErrNotFound = errors.New("not found")

// Tx is the set of mutations that commit or roll back together.
// Getters return nil without error when the row does not exist.
type Tx interface {
	GetIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error)
	FindIssueByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.Issue, error)
	SaveIssue(ctx context.Context, issue *models.Issue) error
	// CreateIssueStub inserts stub unless a row with its id or number exists and
	// reports whether it inserted. It never overwrites a stored issue.
	CreateIssueStub(ctx context.Context, stub *models.Issue) (bool, error)
	DeleteIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error)

	GetPullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error)
	FindPullRequestByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.PullRequest, error)
	SavePullRequest(ctx context.Context, pr *models.PullRequest) error
	CreatePullRequestStub(ctx context.Context, stub *models.PullRequest) (bool, error)
	DeletePullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error)

	GetComment(ctx context.Context, scopeID, id int64) (*models.Comment, error)
	SaveComment(ctx context.Context, comment *models.Comment) error
	DeleteComment(ctx context.Context, scopeID, id int64) (*models.Comment, error)

	GetReview(ctx context.Context, scopeID, id int64) (*models.Review, error)
	SaveReview(ctx context.Context, review *models.Review) error
	DeleteReview(ctx context.Context, scopeID, id int64) (*models.Review, error)

	// SaveSyncTarget persists progress fields in the same transaction as entity writes
	SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error
}

// Store runs units of work transactionally
type Store interface {
	// WithinTx commits when fn returns nil and rolls back otherwise
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
