package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

const tokenIssuer = "gatekeeper"

// Purpose scopes a token to a single use. Tokens of one purpose are never
// accepted where another purpose is expected.
type Purpose string

const (
	PurposeSession           Purpose = "session"
	PurposePasswordReset     Purpose = "password-reset"
	PurposeEmailVerification Purpose = "email-verification"
)

// Claims represents the signed contents of an identity token
type Claims struct {
	Purpose       Purpose `json:"purpose"`
	PersonID      string  `json:"person_id"`
	EmailID       string  `json:"email_id"`
	LoginMethodID string  `json:"login_method_id"`
	jwt.RegisteredClaims
}

// RequirePurpose rejects claims whose purpose is missing or different from p.
func (c *Claims) RequirePurpose(p Purpose) error {
	if c.Purpose == "" {
		return fmt.Errorf("%w: missing purpose", ErrTokenInvalid)
	}
	if c.Purpose != p {
		return fmt.Errorf("%w: expected purpose %q, got %q", ErrTokenInvalid, p, c.Purpose)
	}
	return nil
}

// TokenCodec issues and validates HS256-signed identity tokens
type TokenCodec struct {
	secretKey []byte
	now       func() time.Time
}

// CodecOption configures a TokenCodec
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for iat, exp and validation.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// MinSecretLength is the shortest HS256 signing secret accepted, in bytes.
const MinSecretLength = 32

// NewTokenCodec creates a codec bound to the given signing secret
func NewTokenCodec(secretKey []byte, opts ...CodecOption) (*TokenCodec, error) {
	if len(secretKey) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if len(secretKey) < MinSecretLength {
		return nil, fmt.Errorf("token signing secret must be at least %d bytes, got %d", MinSecretLength, len(secretKey))
	}

	c := &TokenCodec{
		secretKey: append([]byte(nil), secretKey...),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs claims with an issued-at of now and an expiry of now+ttl.
// The returned time is the expiry exactly as encoded in the token.
func (c *TokenCodec) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Purpose == "" {
		return "", time.Time{}, errors.New("token purpose is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	now := c.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.Issuer = tokenIssuer
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(c.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, claims.ExpiresAt.Time, nil
}

// Validate verifies the signature and then the expiry of tokenString.
// It returns ErrTokenInvalid for tampered or malformed tokens and
// ErrTokenExpired for authentic tokens past their expiry.
func (c *TokenCodec) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		// jwt/v5 checks the signature before the registered claims, so an
		// expiry error implies an authentic token.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
