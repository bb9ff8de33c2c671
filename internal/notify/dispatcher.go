// Package notify defines the outbound email contract used by the auth
// service. Delivery is asynchronous and at-least-once downstream; callers
// get no confirmation beyond a successful enqueue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/pkg/idgen"
)

// Template identifies the email a downstream mailer renders
type Template string

const (
	TemplateWelcome       Template = "welcome"
	TemplateResetPassword Template = "reset-password"
	TemplateVerifyEmail   Template = "verify-email"
)

// Message is an email-send intent
type Message struct {
	Template  Template
	To        string
	Variables map[string]string
}

// Validate checks the fields every dispatcher needs
func (m Message) Validate() error {
	if m.Template == "" {
		return errors.New("notification template is required")
	}
	if m.To == "" {
		return errors.New("notification recipient is required")
	}
	return nil
}

// Dispatcher enqueues messages for asynchronous delivery
type Dispatcher interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Envelope is the JSON body placed on the queue
type Envelope struct {
	ID        string            `json:"id"`
	Event     Template          `json:"event"`
	ToEmails  []string          `json:"to_emails"`
	Variables map[string]string `json:"variables"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEnvelope wraps msg with a fresh message ID
func NewEnvelope(msg Message, now time.Time) Envelope {
	vars := msg.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	return Envelope{
		ID:        idgen.NewMessageID(),
		Event:     msg.Template,
		ToEmails:  []string{msg.To},
		Variables: vars,
		CreatedAt: now.UTC(),
	}
}

// Marshal encodes the envelope as JSON
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
