package repositories

import "errors"

// Domain-specific repository errors
var (
	// ErrConflict is returned when a write violates a uniqueness constraint,
	// e.g. a second Email with the same address or a second LoginMethod of
	// the same kind for one Email
	ErrConflict = errors.New("unique constraint violation")

	// ErrPersonNotFound is returned when a person cannot be found by ID
	ErrPersonNotFound = errors.New("person not found")

	// ErrEmailNotFound is returned when an email cannot be found by ID
	ErrEmailNotFound = errors.New("email not found")

	// ErrLoginMethodNotFound is returned when an update targets a missing login method
	ErrLoginMethodNotFound = errors.New("login method not found")
)

// IsConflict reports whether err is a uniqueness conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is any of the not-found errors
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPersonNotFound) ||
		errors.Is(err, ErrEmailNotFound) ||
		errors.Is(err, ErrLoginMethodNotFound)
}
