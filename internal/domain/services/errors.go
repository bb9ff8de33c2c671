package services

import (
	"errors"
	"fmt"

	"github.com/devilmonastery/gatekeeper/internal/auth"
	"github.com/devilmonastery/gatekeeper/internal/auth/oauth"
)

var (
	// ErrValidation marks malformed input such as an empty name or a bad address
	ErrValidation = errors.New("auth: validation failed")

	// ErrInvalidCredentials is deliberately non-specific about which factor failed
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrAlreadyRegistered       = errors.New("auth: already registered")
	ErrInvalidResetLink        = errors.New("auth: invalid or expired reset link")
	ErrInvalidVerificationLink = errors.New("auth: invalid or expired verification link")
	ErrNotFound                = errors.New("auth: not found")

	// ErrDependency wraps repository and storage failures
	ErrDependency = errors.New("auth: dependency unavailable")
)

// AlreadyRegisteredViaProviderError is returned by signup when the address
// already belongs to an account that only signs in through an OAuth provider.
type AlreadyRegisteredViaProviderError struct {
	Provider string
}

func (e *AlreadyRegisteredViaProviderError) Error() string {
	return fmt.Sprintf("auth: already registered via %s", e.Provider)
}

// Is lets errors.Is(err, ErrAlreadyRegistered) match the provider variant too.
func (e *AlreadyRegisteredViaProviderError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// IsAlreadyRegistered reports whether err is either registration conflict.
func IsAlreadyRegistered(err error) bool {
	return errors.Is(err, ErrAlreadyRegistered)
}

// RegisteredProvider returns the provider name when err is an
// AlreadyRegisteredViaProviderError.
func RegisteredProvider(err error) (string, bool) {
	var viaProvider *AlreadyRegisteredViaProviderError
	if errors.As(err, &viaProvider) {
		return viaProvider.Provider, true
	}
	return "", false
}

// IsInvalidCredentials checks if the error is a failed login.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsValidation checks if the error is an input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, auth.ErrWeakPassword)
}

// IsNotFound checks if the error indicates an unknown email.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDependency checks if the error comes from storage.
func IsDependency(err error) bool {
	return errors.Is(err, ErrDependency)
}

// IsTokenError reports whether err is a session token failure.
func IsTokenError(err error) bool {
	return errors.Is(err, auth.ErrTokenInvalid) || errors.Is(err, auth.ErrTokenExpired)
}

// IsProviderError reports whether err came from an OAuth provider call.
func IsProviderError(err error) bool {
	return errors.Is(err, oauth.ErrProviderExchange) || errors.Is(err, oauth.ErrProviderProfile)
}

// outcome returns the metrics label for an operation result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsValidation(err):
		return "validation"
	case IsInvalidCredentials(err):
		return "invalid_credentials"
	case IsAlreadyRegistered(err):
		return "already_registered"
	case errors.Is(err, ErrInvalidResetLink), errors.Is(err, ErrInvalidVerificationLink), IsTokenError(err):
		return "invalid_token"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, oauth.ErrUnsupportedProvider):
		return "unsupported_provider"
	case IsProviderError(err):
		return "provider_error"
	default:
		return "dependency"
	}
}
