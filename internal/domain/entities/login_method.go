package entities

import (
	"strings"
	"time"
)

// LoginMethodKind identifies a credential mechanism
type LoginMethodKind string

const (
	LoginMethodPassword       LoginMethodKind = "password"
	LoginMethodOAuthGoogle    LoginMethodKind = "oauth-google"
	LoginMethodOAuthMicrosoft LoginMethodKind = "oauth-microsoft"
)

const oauthKindPrefix = "oauth-"

// IsOAuth returns true for provider-managed kinds
func (k LoginMethodKind) IsOAuth() bool {
	return strings.HasPrefix(string(k), oauthKindPrefix)
}

// ProviderName returns the provider part of an OAuth kind ("google" for
// oauth-google) and "" for password.
func (k LoginMethodKind) ProviderName() string {
	if !k.IsOAuth() {
		return ""
	}
	return strings.TrimPrefix(string(k), oauthKindPrefix)
}

// OAuthKind returns the login method kind for a provider name
func OAuthKind(provider string) LoginMethodKind {
	return LoginMethodKind(oauthKindPrefix + provider)
}

// LoginMethod is one credential bound to an Email. An Email holds at most
// one LoginMethod per kind.
type LoginMethod struct {
	ID              string          `json:"id" db:"id"`
	EmailID         string          `json:"email_id" db:"email_id"`
	Kind            LoginMethodKind `json:"kind" db:"kind"`
	PasswordHash    *string         `json:"-" db:"password_hash"` // kind=password only
	ProviderSubject *string         `json:"provider_subject,omitempty" db:"provider_subject"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	LastUsedAt      *time.Time      `json:"last_used_at,omitempty" db:"last_used_at"`
}

// HasPassword returns true if this is an active password method with a hash set
func (m *LoginMethod) HasPassword() bool {
	return m.Kind == LoginMethodPassword && m.IsActive && m.PasswordHash != nil && *m.PasswordHash != ""
}

// SetPasswordHash replaces the stored hash
func (m *LoginMethod) SetPasswordHash(hash string) {
	m.PasswordHash = &hash
}
