package entities

import "time"

// Email is an address owned by exactly one Person. Address is stored
// normalized and is unique system-wide.
type Email struct {
	ID         string    `json:"id" db:"id"`
	PersonID   string    `json:"person_id" db:"person_id"`
	Address    string    `json:"address" db:"address"`
	IsVerified bool      `json:"is_verified" db:"is_verified"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
