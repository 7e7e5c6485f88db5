package models

import (
	"time"

	"github.com/scm-mirror/internal/types"
)

// Scope is an isolated tenant: one installation or one personal-token session
type Scope struct {
	ID             int64          `json:"id" db:"id"`
	Login          string         `json:"login" db:"login"`
	AuthMode       types.AuthMode `json:"authMode" db:"auth_mode"`
	InstallationID *int64         `json:"installationId,omitempty" db:"installation_id"`
	CredentialRef  string         `json:"-" db:"credential_ref"`
	ServerURL      *string        `json:"serverUrl,omitempty" db:"server_url"`
	Active         bool           `json:"active" db:"active"`
	Suspended      bool           `json:"suspended" db:"suspended"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// Eligible reports whether the scope takes part in sync cycles
func (s *Scope) Eligible() bool {
	return s.Active && !s.Suspended
}

// Credentials is what a token provider hands out for one scope
type Credentials struct {
	ScopeID        int64
	AuthMode       types.AuthMode
	Token          string
	InstallationID *int64
	ServerURL      *string
	ExpiresAt      *time.Time
}
