// Package types provides common type definitions for the mirror system.
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Source identifies which update channel produced a mutation
type Source string

const (
	// SourceWebhook marks mutations applied from a webhook delivery
	SourceWebhook Source = "WEBHOOK"
	// SourceBulkSync marks mutations applied from a paginated bulk query
	SourceBulkSync Source = "BULK_SYNC"
)

// AuthMode represents how a scope authenticates against the provider
type AuthMode string

const (
	// AuthModeInstallation uses a short-lived installation token
	AuthModeInstallation AuthMode = "installation"
	// AuthModePersonalToken uses a long-lived personal token
	AuthModePersonalToken AuthMode = "personal_token"
)

// RepositoryRef identifies an upstream repository
type RepositoryRef struct {
	ID    int64  `json:"id,omitempty"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns the owner/name form of the reference
func (r RepositoryRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepositoryFullName parses a repository string in the format "owner/name"
func ParseRepositoryFullName(fullName string) (RepositoryRef, error) {
	parts := strings.Split(strings.TrimSpace(fullName), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepositoryRef{}, fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", fullName)
	}
	return RepositoryRef{Owner: parts[0], Name: parts[1]}, nil
}

// ProcessingContext is the per-operation metadata carried through every store mutation.
// It is constructed per operation and never persisted.
type ProcessingContext struct {
	ScopeID       int64          `json:"scopeId"`
	Repository    *RepositoryRef `json:"repository,omitempty"`
	Source        Source         `json:"source"`
	WebhookAction string         `json:"webhookAction,omitempty"`
	CorrelationID string         `json:"correlationId"`
}

// NewBulkSyncContext creates a context for mutations applied by a sync cycle
func NewBulkSyncContext(scopeID int64, repo RepositoryRef) ProcessingContext {
	return ProcessingContext{
		ScopeID:       scopeID,
		Repository:    &repo,
		Source:        SourceBulkSync,
		CorrelationID: uuid.NewString(),
	}
}

// NewWebhookContext creates a context for mutations applied from a webhook delivery.
// The delivery id becomes the correlation id when present.
func NewWebhookContext(scopeID int64, repo *RepositoryRef, action, deliveryID string) ProcessingContext {
	correlationID := deliveryID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	var ref *RepositoryRef
	if repo != nil {
		copied := *repo
		ref = &copied
	}
	return ProcessingContext{
		ScopeID:       scopeID,
		Repository:    ref,
		Source:        SourceWebhook,
		WebhookAction: action,
		CorrelationID: correlationID,
	}
}

// RepositoryFullName returns the repository owner/name or an empty string
func (c ProcessingContext) RepositoryFullName() string {
	if c.Repository == nil {
		return ""
	}
	return c.Repository.FullName()
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
