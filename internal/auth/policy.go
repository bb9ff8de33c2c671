package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrWeakPassword is returned when a password fails the password policy
var ErrWeakPassword = errors.New("password does not meet policy")

const (
	MinPasswordLength = 8
	MaxPasswordLength = 100

	passwordSpecialChars = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"
)

// ValidatePassword checks a caller-chosen password against the policy:
// 8-100 characters with upper, lower, digit and special characters and
// nothing outside those classes.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	if n > MaxPasswordLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, MaxPasswordLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSpecialChars, r):
			hasSpecial = true
		default:
			return fmt.Errorf("%w: contains invalid character %q", ErrWeakPassword, r)
		}
	}

	switch {
	case !hasUpper:
		return fmt.Errorf("%w: must contain an uppercase letter", ErrWeakPassword)
	case !hasLower:
		return fmt.Errorf("%w: must contain a lowercase letter", ErrWeakPassword)
	case !hasDigit:
		return fmt.Errorf("%w: must contain a digit", ErrWeakPassword)
	case !hasSpecial:
		return fmt.Errorf("%w: must contain a special character", ErrWeakPassword)
	}
	return nil
}
