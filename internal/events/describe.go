package events

import "fmt"

// Describe renders a one-line summary of the event for logs. Every kind has a
// case; a new kind without one is caught by TestDescribeCoversEveryKind.
func Describe(e Event) string {
	subject := subjectOf(e)
	switch e.Kind {
	case IssueCreated, PullRequestCreated, CommentCreated:
		return fmt.Sprintf("%s created", subject)
	case IssueUpdated, PullRequestUpdated, CommentUpdated, ReviewUpdated:
		return fmt.Sprintf("%s updated (%v)", subject, changedFields(e))
	case IssueClosed, PullRequestClosed:
		return fmt.Sprintf("%s closed", subject)
	case IssueReopened, PullRequestReopened:
		return fmt.Sprintf("%s reopened", subject)
	case IssueDeleted, PullRequestDeleted, CommentDeleted, ReviewDeleted:
		return fmt.Sprintf("%s deleted", subject)
	case IssueLabeled, PullRequestLabeled:
		return fmt.Sprintf("%s labeled %q", subject, labelOf(e))
	case IssueUnlabeled, PullRequestUnlabeled:
		return fmt.Sprintf("%s unlabeled %q", subject, labelOf(e))
	case IssueTyped:
		return fmt.Sprintf("%s typed", subject)
	case IssueUntyped:
		return fmt.Sprintf("%s untyped", subject)
	case PullRequestMerged:
		return fmt.Sprintf("%s merged", subject)
	case PullRequestReadyForReview:
		return fmt.Sprintf("%s ready for review", subject)
	case PullRequestConvertedToDraft:
		return fmt.Sprintf("%s converted to draft", subject)
	case ReviewSubmitted:
		return fmt.Sprintf("%s submitted", subject)
	case ReviewDismissed:
		return fmt.Sprintf("%s dismissed", subject)
	case InstallationCreated:
		return "installation created"
	case InstallationDeleted:
		return "installation deleted"
	case InstallationSuspended:
		return "installation suspended"
	case InstallationUnsuspended:
		return "installation unsuspended"
	case InstallationPermissionsAccepted:
		return "installation permissions accepted"
	case InstallationRepositoriesAdded:
		return "repositories added to installation"
	case InstallationRepositoriesRemoved:
		return "repositories removed from installation"
	case RepositoryDeleted:
		return fmt.Sprintf("%s deleted", subject)
	case RepositoryArchived:
		return fmt.Sprintf("%s archived", subject)
	case RepositoryUnarchived:
		return fmt.Sprintf("%s unarchived", subject)
	case RepositoryRenamed:
		return fmt.Sprintf("%s renamed", subject)
	case RepositoryPrivatized:
		return fmt.Sprintf("%s made private", subject)
	case RepositoryPublicized:
		return fmt.Sprintf("%s made public", subject)
	case MemberAdded:
		return fmt.Sprintf("%s member added", subject)
	case MemberRemoved:
		return fmt.Sprintf("%s member removed", subject)
	}
	return ""
}

func subjectOf(e Event) string {
	switch p := e.Payload.(type) {
	case IssuePayload:
		return fmt.Sprintf("issue %s#%d", p.Repository, p.Number)
	case PullRequestPayload:
		return fmt.Sprintf("pull request %s#%d", p.Repository, p.Number)
	case CommentPayload:
		return fmt.Sprintf("comment %d on %s#%d", p.ID, p.Repository, p.ParentNumber)
	case ReviewPayload:
		return fmt.Sprintf("review %d on %s#%d", p.ID, p.Repository, p.PullRequestNumber)
	case DeletedPayload:
		return fmt.Sprintf("%s %d", e.Kind.Category(), p.ID)
	case RepositoryPayload:
		return "repository " + p.Repository
	case MemberPayload:
		return "repository " + p.Repository
	}
	return string(e.Kind.Category())
}

func changedFields(e Event) []string {
	switch p := e.Payload.(type) {
	case IssuePayload:
		return p.ChangedFields
	case PullRequestPayload:
		return p.ChangedFields
	case CommentPayload:
		return p.ChangedFields
	case ReviewPayload:
		return p.ChangedFields
	}
	return nil
}

func labelOf(e Event) string {
	switch p := e.Payload.(type) {
	case IssuePayload:
		return p.Label
	case PullRequestPayload:
		return p.Label
	}
	return ""
}
