package services

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxEmailLength = 254
	maxNameLength  = 100
)

// NormalizeEmail trims and lower-cases an address and checks its shape.
func NormalizeEmail(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	if len(normalized) > maxEmailLength {
		return "", fmt.Errorf("%w: email is longer than %d characters", ErrValidation, maxEmailLength)
	}

	local, domain, ok := strings.Cut(normalized, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: email is malformed", ErrValidation)
	}
	if strings.ContainsAny(normalized, " \t\r\n") {
		return "", fmt.Errorf("%w: email contains whitespace", ErrValidation)
	}

	dot := strings.LastIndex(domain, ".")
	if dot <= 0 || dot == len(domain)-1 || strings.Contains(domain, "..") {
		return "", fmt.Errorf("%w: email domain is malformed", ErrValidation)
	}

	return normalized, nil
}

func validateName(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if utf8.RuneCountInString(value) > maxNameLength {
		return "", fmt.Errorf("%w: %s is longer than %d characters", ErrValidation, field, maxNameLength)
	}
	return value, nil
}
