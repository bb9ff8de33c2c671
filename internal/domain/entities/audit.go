package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction names the identity event an AuditLog records.
type AuditAction string

const (
	ActionSignup               AuditAction = "person.signup"
	ActionLoginPassword        AuditAction = "login.password"
	ActionLoginOAuth           AuditAction = "login.oauth"
	ActionLoginMethodLinked    AuditAction = "login_method.linked"
	ActionPasswordResetRequest AuditAction = "password.reset_requested"
	ActionPasswordReset        AuditAction = "password.reset"
	ActionEmailVerified        AuditAction = "email.verified"
	ActionProfileUpdated       AuditAction = "person.updated"
)

type AuditResource string

const (
	ResourcePerson      AuditResource = "person"
	ResourceEmail       AuditResource = "email"
	ResourceLoginMethod AuditResource = "login_method"
)

// AuditMetadata is free-form context stored in a JSONB column. Failed
// logins are looked up by its "email" key.
type AuditMetadata map[string]any

// Value encodes the metadata as a JSON string; nil encodes as {}.
func (m AuditMetadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan decodes a JSON column. NULL and empty input yield an empty map.
func (m *AuditMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("audit metadata: unsupported source type %T", src)
	}

	out := AuditMetadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("audit metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// AuditLog is one append-only security event. PersonID is nil when the
// attempt never resolved to a person, e.g. a login for an unknown address.
type AuditLog struct {
	ID         string        `json:"id" db:"id"`
	PersonID   *string       `json:"person_id,omitempty" db:"person_id"`
	Action     AuditAction   `json:"action" db:"action"`
	Resource   AuditResource `json:"resource" db:"resource_type"`
	ResourceID *string       `json:"resource_id,omitempty" db:"resource_id"`
	Metadata   AuditMetadata `json:"metadata,omitempty" db:"metadata"`
	Success    bool          `json:"success" db:"success"`
	ErrorMsg   *string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt  time.Time     `json:"created_at" db:"timestamp"`
}

// NewAuditLog starts a successful entry; chain the With* setters to fill it in.
func NewAuditLog(personID *string, action AuditAction, resource AuditResource) *AuditLog {
	return &AuditLog{
		PersonID:  personID,
		Action:    action,
		Resource:  resource,
		Metadata:  AuditMetadata{},
		Success:   true,
		CreatedAt: time.Now(),
	}
}

func (a *AuditLog) WithResourceID(id string) *AuditLog {
	a.ResourceID = &id
	return a
}

func (a *AuditLog) WithMetadata(key string, value any) *AuditLog {
	if a.Metadata == nil {
		a.Metadata = AuditMetadata{}
	}
	a.Metadata[key] = value
	return a
}

// WithError flips the entry to failed and keeps err's message.
func (a *AuditLog) WithError(err error) *AuditLog {
	msg := err.Error()
	a.Success, a.ErrorMsg = false, &msg
	return a
}

func (a *AuditLog) IsLogin() bool {
	switch a.Action {
	case ActionLoginPassword, ActionLoginOAuth:
		return true
	}
	return false
}
