package entities

import (
	"strings"
	"time"
)

// Person represents a human identity. Emails and login methods hang off it.
type Person struct {
	ID        string    `json:"id" db:"id"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName joins first and last name
func (p *Person) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// SplitDisplayName splits a provider display name on the first space.
// "Ada King Lovelace" becomes ("Ada", "King Lovelace").
func SplitDisplayName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	first, last, _ = strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}
