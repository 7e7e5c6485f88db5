// Package events defines the domain events emitted after mirror mutations
// commit and the plumbing that delivers them to consumers.
package events

import "strings"

// Category groups event kinds by the entity they describe
type Category string

const (
	CategoryIssue        Category = "issue"
	CategoryPullRequest  Category = "pull_request"
	CategoryComment      Category = "comment"
	CategoryReview       Category = "review"
	CategoryInstallation Category = "installation"
	CategoryRepository   Category = "repository"
	CategoryMember       Category = "member"
)

// Kind is one member of a category's closed set, formatted "<category>.<verb>"
type Kind string

const (
	IssueCreated   Kind = "issue.created"
	IssueUpdated   Kind = "issue.updated"
	IssueClosed    Kind = "issue.closed"
	IssueReopened  Kind = "issue.reopened"
	IssueDeleted   Kind = "issue.deleted"
	IssueLabeled   Kind = "issue.labeled"
	IssueUnlabeled Kind = "issue.unlabeled"
	IssueTyped     Kind = "issue.typed"
	IssueUntyped   Kind = "issue.untyped"

	PullRequestCreated          Kind = "pull_request.created"
	PullRequestUpdated          Kind = "pull_request.updated"
	PullRequestClosed           Kind = "pull_request.closed"
	PullRequestReopened         Kind = "pull_request.reopened"
	PullRequestMerged           Kind = "pull_request.merged"
	PullRequestDeleted          Kind = "pull_request.deleted"
	PullRequestLabeled          Kind = "pull_request.labeled"
	PullRequestUnlabeled        Kind = "pull_request.unlabeled"
	PullRequestReadyForReview   Kind = "pull_request.ready_for_review"
	PullRequestConvertedToDraft Kind = "pull_request.converted_to_draft"

	CommentCreated Kind = "comment.created"
	CommentUpdated Kind = "comment.updated"
	CommentDeleted Kind = "comment.deleted"

	ReviewSubmitted Kind = "review.submitted"
	ReviewUpdated   Kind = "review.updated"
	ReviewDismissed Kind = "review.dismissed"
	ReviewDeleted   Kind = "review.deleted"

	InstallationCreated             Kind = "installation.created"
	InstallationDeleted             Kind = "installation.deleted"
	InstallationSuspended           Kind = "installation.suspended"
	InstallationUnsuspended         Kind = "installation.unsuspended"
	InstallationPermissionsAccepted Kind = "installation.permissions_accepted"
	InstallationRepositoriesAdded   Kind = "installation.repositories_added"
	InstallationRepositoriesRemoved Kind = "installation.repositories_removed"

	RepositoryDeleted    Kind = "repository.deleted"
	RepositoryArchived   Kind = "repository.archived"
	RepositoryUnarchived Kind = "repository.unarchived"
	RepositoryRenamed    Kind = "repository.renamed"
	RepositoryPrivatized Kind = "repository.privatized"
	RepositoryPublicized Kind = "repository.publicized"

	MemberAdded   Kind = "member.added"
	MemberRemoved Kind = "member.removed"
)

var kindsByCategory = map[Category][]Kind{
	CategoryIssue: {
		IssueCreated, IssueUpdated, IssueClosed, IssueReopened, IssueDeleted,
		IssueLabeled, IssueUnlabeled, IssueTyped, IssueUntyped,
	},
	CategoryPullRequest: {
		PullRequestCreated, PullRequestUpdated, PullRequestClosed, PullRequestReopened,
		PullRequestMerged, PullRequestDeleted, PullRequestLabeled, PullRequestUnlabeled,
		PullRequestReadyForReview, PullRequestConvertedToDraft,
	},
	CategoryComment: {CommentCreated, CommentUpdated, CommentDeleted},
	CategoryReview:  {ReviewSubmitted, ReviewUpdated, ReviewDismissed, ReviewDeleted},
	CategoryInstallation: {
		InstallationCreated, InstallationDeleted, InstallationSuspended, InstallationUnsuspended,
		InstallationPermissionsAccepted, InstallationRepositoriesAdded, InstallationRepositoriesRemoved,
	},
	CategoryRepository: {
		RepositoryDeleted, RepositoryArchived, RepositoryUnarchived,
		RepositoryRenamed, RepositoryPrivatized, RepositoryPublicized,
	},
	CategoryMember: {MemberAdded, MemberRemoved},
}

// Categories returns every category in a stable order
func Categories() []Category {
	return []Category{
		CategoryIssue, CategoryPullRequest, CategoryComment, CategoryReview,
		CategoryInstallation, CategoryRepository, CategoryMember,
	}
}

// Kinds returns the closed set of kinds of one category
func Kinds(c Category) []Kind {
	return append([]Kind(nil), kindsByCategory[c]...)
}

// AllKinds returns every kind of every category
func AllKinds() []Kind {
	var out []Kind
	for _, c := range Categories() {
		out = append(out, kindsByCategory[c]...)
	}
	return out
}

// Category returns the category prefix of the kind
func (k Kind) Category() Category {
	c, _, _ := strings.Cut(string(k), ".")
	return Category(c)
}

// Valid reports whether the kind belongs to its category's closed set
func (k Kind) Valid() bool {
	for _, candidate := range kindsByCategory[k.Category()] {
		if candidate == k {
			return true
		}
	}
	return false
}
