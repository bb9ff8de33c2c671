package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/auth"
	"github.com/devilmonastery/gatekeeper/internal/auth/oauth"
	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
	"github.com/devilmonastery/gatekeeper/internal/notify"
	"github.com/devilmonastery/gatekeeper/internal/pkg/metrics"
)

// generatedPasswordBytes sizes the random password given to accounts
// created without one.
const generatedPasswordBytes = 32

// SignupRequest carries the fields accepted by Signup
type SignupRequest struct {
	Email            string
	FirstName        string
	LastName         string
	Password         string // optional; a random secret is used when empty
	OrganizationName string // optional; defaults to "<First>'s Organization"
}

// OAuthLoginRequest carries an authorization-code callback
type OAuthLoginRequest struct {
	Provider     string
	Code         string
	RedirectURI  string
	CodeVerifier string // PKCE verifier, may be empty
}

// Session is the result of a successful login
type Session struct {
	Token     string
	ExpiresAt time.Time
	Person    *entities.Person
}

// Identity is what a valid session token resolves to
type Identity struct {
	Person *entities.Person
	Email  *entities.Email
	Claims *auth.Claims
}

// AuthServiceConfig holds the collaborators of an AuthService
type AuthServiceConfig struct {
	Identity   repositories.IdentityRepository
	Audit      repositories.AuditRepository // optional
	Hasher     *auth.PasswordHasher
	Codec      *auth.TokenCodec
	Providers  *oauth.Registry // optional; no providers means every OAuth login is unsupported
	Dispatcher notify.Dispatcher

	SessionTTL      time.Duration
	ResetTTL        time.Duration
	VerificationTTL time.Duration

	// BaseURL is the frontend origin used to build emailed links
	BaseURL string

	Logger *slog.Logger
	Now    func() time.Time
}

// AuthService implements signup, password and OAuth login, password reset
// and email verification on top of the identity repository.
type AuthService struct {
	identity   repositories.IdentityRepository
	auditRepo  repositories.AuditRepository
	hasher     *auth.PasswordHasher
	codec      *auth.TokenCodec
	providers  *oauth.Registry
	dispatcher notify.Dispatcher

	sessionTTL      time.Duration
	resetTTL        time.Duration
	verificationTTL time.Duration
	baseURL         string

	log *slog.Logger
	now func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(cfg AuthServiceConfig) (*AuthService, error) {
	if cfg.Identity == nil {
		return nil, errors.New("identity repository is required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("token codec is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("notification dispatcher is required")
	}
	if cfg.SessionTTL <= 0 || cfg.ResetTTL <= 0 || cfg.VerificationTTL <= 0 {
		return nil, errors.New("token ttls must be positive")
	}

	s := &AuthService{
		identity:        cfg.Identity,
		auditRepo:       cfg.Audit,
		hasher:          cfg.Hasher,
		codec:           cfg.Codec,
		providers:       cfg.Providers,
		dispatcher:      cfg.Dispatcher,
		sessionTTL:      cfg.SessionTTL,
		resetTTL:        cfg.ResetTTL,
		verificationTTL: cfg.VerificationTTL,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		log:             cfg.Logger,
		now:             cfg.Now,
	}
	if s.providers == nil {
		s.providers = oauth.NewRegistry()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slog.String("service", "auth"))
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// account is a resolved person, email and login method triple
type account struct {
	person  *entities.Person
	email   *entities.Email
	method  *entities.LoginMethod
	created bool
	linked  bool

	// passwordRevoked is set when linking verified an email whose password
	// was never proven by its owner
	passwordRevoked bool
}

// Signup creates a person with an unverified email, a password login method
// and a default organization, then emails a verification link.
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (person *entities.Person, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("signup", outcome(err), time.Since(start))
	}()

	address, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	firstName, err := validateName("first_name", req.FirstName)
	if err != nil {
		return nil, err
	}
	lastName, err := validateName("last_name", req.LastName)
	if err != nil {
		return nil, err
	}

	password := req.Password
	if password != "" {
		if err := auth.ValidatePassword(password); err != nil {
			return nil, err
		}
	} else {
		password, err = auth.GenerateRandomSecret(generatedPasswordBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to generate password: %w", err)
		}
	}

	existing, err := s.identity.FindEmail(ctx, address)
	if err != nil {
		return nil, storeErr("find email", err)
	}
	if existing != nil {
		err = s.registrationConflict(ctx, existing)
		s.recordAudit(ctx, entities.NewAuditLog(&existing.PersonID, entities.ActionSignup, entities.ResourcePerson).
			WithMetadata("email", address).
			WithError(err))
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	var acct *account
	err = s.inTx(ctx, func(repo repositories.IdentityRepository) error {
		var txErr error
		acct, txErr = s.provision(ctx, repo, provisionParams{
			firstName:        firstName,
			lastName:         lastName,
			address:          address,
			verified:         false,
			kind:             entities.LoginMethodPassword,
			passwordHash:     &hash,
			organizationName: strings.TrimSpace(req.OrganizationName),
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("person signed up",
		slog.String("person_id", acct.person.ID),
		slog.String("email_id", acct.email.ID))
	s.recordAudit(ctx, entities.NewAuditLog(&acct.person.ID, entities.ActionSignup, entities.ResourcePerson).
		WithResourceID(acct.person.ID).
		WithMetadata("email", address).
		WithMetadata("method", string(entities.LoginMethodPassword)))

	s.sendWelcome(ctx, acct)
	return acct.person, nil
}

// registrationConflict picks the error for a signup against an existing email
func (s *AuthService) registrationConflict(ctx context.Context, email *entities.Email) error {
	methods, err := s.identity.ListLoginMethods(ctx, email.ID)
	if err != nil {
		return storeErr("list login methods", err)
	}

	var provider string
	for _, m := range methods {
		if m.Kind == entities.LoginMethodPassword {
			return ErrAlreadyRegistered
		}
		if m.Kind.IsOAuth() && m.IsActive && provider == "" {
			provider = m.Kind.ProviderName()
		}
	}
	if provider != "" {
		return &AlreadyRegisteredViaProviderError{Provider: provider}
	}
	return ErrAlreadyRegistered
}

// LoginByPassword verifies a password and issues a session token. Every
// failure, including an unknown address or an OAuth-only account, returns
// ErrInvalidCredentials.
func (s *AuthService) LoginByPassword(ctx context.Context, address, password string) (session *Session, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("login_password", outcome(err), time.Since(start))
	}()

	normalized, normErr := NormalizeEmail(address)
	if normErr != nil || password == "" {
		return nil, ErrInvalidCredentials
	}

	audit := entities.NewAuditLog(nil, entities.ActionLoginPassword, entities.ResourceLoginMethod).
		WithMetadata("email", normalized)
	defer func() {
		if IsInvalidCredentials(err) {
			s.recordAudit(ctx, audit.WithError(err))
		}
	}()

	email, err := s.identity.FindEmail(ctx, normalized)
	if err != nil {
		return nil, storeErr("find email", err)
	}
	if email == nil {
		return nil, ErrInvalidCredentials
	}
	audit.PersonID = &email.PersonID

	method, err := s.identity.FindLoginMethod(ctx, email.ID, entities.LoginMethodPassword)
	if err != nil {
		return nil, storeErr("find login method", err)
	}
	if method == nil || !method.HasPassword() {
		audit.WithMetadata("reason", "no_password_method")
		return nil, ErrInvalidCredentials
	}
	audit.WithResourceID(method.ID)

	if !s.hasher.Verify(password, *method.PasswordHash) {
		audit.WithMetadata("reason", "password_mismatch")
		return nil, ErrInvalidCredentials
	}

	person, err := s.identity.GetPerson(ctx, email.PersonID)
	if err != nil {
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		audit.WithMetadata("reason", "person_inactive")
		return nil, ErrInvalidCredentials
	}

	s.touch(ctx, s.identity, method)

	session, err = s.issueSession(&account{person: person, email: email, method: method})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, audit)
	return session, nil
}

// LoginByOAuth exchanges an authorization code with the named provider and
// resolves the returned profile to an account, creating or linking as needed.
func (s *AuthService) LoginByOAuth(ctx context.Context, req OAuthLoginRequest) (session *Session, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("login_oauth", outcome(err), time.Since(start))
	}()

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	accessToken, err := provider.ExchangeCode(ctx, req.Code, req.RedirectURI, req.CodeVerifier)
	metrics.RecordProviderCall(provider.Name(), "exchange", err)
	if err != nil {
		s.log.Warn("oauth code exchange failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()))
		return nil, err
	}

	profile, err := provider.FetchProfile(ctx, accessToken)
	metrics.RecordProviderCall(provider.Name(), "profile", err)
	if err != nil {
		s.log.Warn("oauth profile fetch failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()))
		return nil, err
	}

	address, err := NormalizeEmail(profile.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %s returned an unusable email: %v", oauth.ErrProviderProfile, provider.Name(), err)
	}

	var acct *account
	err = s.inTx(ctx, func(repo repositories.IdentityRepository) error {
		var txErr error
		acct, txErr = s.resolveOAuthAccount(ctx, repo, provider, profile, address)
		return txErr
	})
	if err != nil {
		if IsInvalidCredentials(err) {
			s.recordAudit(ctx, entities.NewAuditLog(nil, entities.ActionLoginOAuth, entities.ResourceLoginMethod).
				WithMetadata("email", address).
				WithMetadata("provider", provider.Name()).
				WithError(err))
		}
		return nil, err
	}

	s.touch(ctx, s.identity, acct.method)

	if acct.passwordRevoked {
		s.log.Warn("password cleared on unverified email linked via oauth",
			slog.String("person_id", acct.person.ID),
			slog.String("email_id", acct.email.ID),
			slog.String("provider", provider.Name()))
	}
	if acct.created {
		s.log.Info("person signed up via oauth",
			slog.String("person_id", acct.person.ID),
			slog.String("provider", provider.Name()))
		s.recordAudit(ctx, entities.NewAuditLog(&acct.person.ID, entities.ActionSignup, entities.ResourcePerson).
			WithResourceID(acct.person.ID).
			WithMetadata("email", address).
			WithMetadata("method", string(provider.Kind())))
	}
	if acct.linked {
		metrics.AccountsLinked.WithLabelValues(string(provider.Kind())).Inc()
		s.log.Info("login method linked",
			slog.String("person_id", acct.person.ID),
			slog.String("email_id", acct.email.ID),
			slog.String("kind", string(provider.Kind())))
		s.recordAudit(ctx, entities.NewAuditLog(&acct.person.ID, entities.ActionLoginMethodLinked, entities.ResourceLoginMethod).
			WithResourceID(acct.method.ID).
			WithMetadata("email", address).
			WithMetadata("provider", provider.Name()).
			WithMetadata("password_revoked", acct.passwordRevoked))
	}

	session, err = s.issueSession(acct)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, entities.NewAuditLog(&acct.person.ID, entities.ActionLoginOAuth, entities.ResourceLoginMethod).
		WithResourceID(acct.method.ID).
		WithMetadata("email", address).
		WithMetadata("provider", provider.Name()))
	return session, nil
}

// resolveOAuthAccount implements the account-linking state machine. The
// email address is the join key: an unseen address provisions a new person,
// a known address gains a login method for this provider if it lacks one.
func (s *AuthService) resolveOAuthAccount(ctx context.Context, repo repositories.IdentityRepository, provider oauth.Provider, profile *oauth.Profile, address string) (*account, error) {
	email, err := repo.FindEmail(ctx, address)
	if err != nil {
		return nil, storeErr("find email", err)
	}

	var subject *string
	if profile.SubjectID != "" {
		subject = &profile.SubjectID
	}

	if email == nil {
		firstName, lastName := entities.SplitDisplayName(profile.DisplayName)
		if firstName == "" {
			firstName, _, _ = strings.Cut(address, "@")
		}
		acct, err := s.provision(ctx, repo, provisionParams{
			firstName:       firstName,
			lastName:        lastName,
			address:         address,
			verified:        true,
			kind:            provider.Kind(),
			providerSubject: subject,
		})
		if err != nil {
			return nil, err
		}
		return acct, nil
	}

	person, err := repo.GetPerson(ctx, email.PersonID)
	if err != nil {
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		return nil, ErrInvalidCredentials
	}

	acct := &account{person: person, email: email}

	acct.method, err = repo.FindLoginMethod(ctx, email.ID, provider.Kind())
	if err != nil {
		return nil, storeErr("find login method", err)
	}
	if acct.method == nil {
		acct.method = &entities.LoginMethod{
			EmailID:         email.ID,
			Kind:            provider.Kind(),
			ProviderSubject: subject,
			IsActive:        true,
		}
		if err := repo.CreateLoginMethod(ctx, acct.method); err != nil {
			return nil, storeErr("create login method", err)
		}
		acct.linked = true
	} else if !acct.method.IsActive {
		return nil, ErrInvalidCredentials
	}

	if !email.IsVerified {
		// The provider proves ownership of the address; a password set
		// before that proof may belong to someone else.
		acct.passwordRevoked, err = s.revokeUnverifiedPassword(ctx, repo, email)
		if err != nil {
			return nil, err
		}
		email.IsVerified = true
		if err := repo.UpdateEmail(ctx, email); err != nil {
			return nil, storeErr("update email", err)
		}
	}

	return acct, nil
}

// revokeUnverifiedPassword clears the hash of the email's password method.
// The method row stays so a later password reset can set a new hash.
func (s *AuthService) revokeUnverifiedPassword(ctx context.Context, repo repositories.IdentityRepository, email *entities.Email) (bool, error) {
	method, err := repo.FindLoginMethod(ctx, email.ID, entities.LoginMethodPassword)
	if err != nil {
		return false, storeErr("find login method", err)
	}
	if method == nil || method.PasswordHash == nil {
		return false, nil
	}
	method.PasswordHash = nil
	if err := repo.UpdateLoginMethod(ctx, method); err != nil {
		return false, storeErr("update login method", err)
	}
	return true, nil
}

// TriggerPasswordReset emails a short-lived reset link. An unknown address
// returns ErrNotFound.
func (s *AuthService) TriggerPasswordReset(ctx context.Context, address string) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("trigger_password_reset", outcome(err), time.Since(start))
	}()

	grant, err := s.resetGrant(ctx, address)
	if err != nil {
		return err
	}
	person, email, token := grant.person, grant.email, grant.token

	s.enqueue(ctx, notify.Message{
		Template: notify.TemplateResetPassword,
		To:       email.Address,
		Variables: map[string]string{
			"first_name":         person.FirstName,
			"reset_url":          s.link("set-password", token),
			"expires_in_minutes": strconv.Itoa(int(s.resetTTL / time.Minute)),
		},
	})

	s.recordAudit(ctx, entities.NewAuditLog(&person.ID, entities.ActionPasswordResetRequest, entities.ResourceEmail).
		WithResourceID(email.ID).
		WithMetadata("email", email.Address))
	return nil
}

// IssueResetToken returns a password reset token for address without
// notifying anyone. Operators use it to reset a password from the CLI.
func (s *AuthService) IssueResetToken(ctx context.Context, address string) (string, error) {
	grant, err := s.resetGrant(ctx, address)
	if err != nil {
		return "", err
	}
	return grant.token, nil
}

type resetGrant struct {
	person *entities.Person
	email  *entities.Email
	token  string
}

func (s *AuthService) resetGrant(ctx context.Context, address string) (*resetGrant, error) {
	normalized, err := NormalizeEmail(address)
	if err != nil {
		return nil, err
	}

	email, err := s.identity.FindEmail(ctx, normalized)
	if err != nil {
		return nil, storeErr("find email", err)
	}
	if email == nil {
		return nil, ErrNotFound
	}

	person, err := s.identity.GetPerson(ctx, email.PersonID)
	if err != nil {
		return nil, storeErr("get person", err)
	}

	claims := auth.Claims{
		Purpose:  auth.PurposePasswordReset,
		PersonID: person.ID,
		EmailID:  email.ID,
	}
	method, err := s.identity.FindLoginMethod(ctx, email.ID, entities.LoginMethodPassword)
	if err != nil {
		return nil, storeErr("find login method", err)
	}
	if method != nil {
		claims.LoginMethodID = method.ID
	}

	token, _, err := s.codec.Issue(claims, s.resetTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue reset token: %w", err)
	}
	return &resetGrant{person: person, email: email, token: token}, nil
}

// IssueSession mints a session token for an existing, active address
// using its oldest active login method. No credential is checked.
func (s *AuthService) IssueSession(ctx context.Context, address string) (*Session, error) {
	normalized, err := NormalizeEmail(address)
	if err != nil {
		return nil, err
	}

	email, err := s.identity.FindEmail(ctx, normalized)
	if err != nil {
		return nil, storeErr("find email", err)
	}
	if email == nil {
		return nil, ErrNotFound
	}

	person, err := s.identity.GetPerson(ctx, email.PersonID)
	if err != nil {
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		return nil, ErrInvalidCredentials
	}

	methods, err := s.identity.ListLoginMethods(ctx, email.ID)
	if err != nil {
		return nil, storeErr("list login methods", err)
	}
	for _, method := range methods {
		if method.IsActive {
			return s.issueSession(&account{person: person, email: email, method: method})
		}
	}
	return nil, fmt.Errorf("%w: %s has no active login method", ErrInvalidCredentials, email.Address)
}

// ResetPassword sets a new password from a reset link, marks the email
// verified and logs the person in. An expired or tampered link returns
// ErrInvalidResetLink and changes nothing.
func (s *AuthService) ResetPassword(ctx context.Context, resetToken, newPassword string) (session *Session, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("reset_password", outcome(err), time.Since(start))
	}()

	claims, err := s.codec.Validate(resetToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResetLink, err)
	}
	if err := claims.RequirePurpose(auth.PurposePasswordReset); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResetLink, err)
	}

	if err := auth.ValidatePassword(newPassword); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, err
	}

	var acct *account
	err = s.inTx(ctx, func(repo repositories.IdentityRepository) error {
		var txErr error
		acct, txErr = s.applyPasswordReset(ctx, repo, claims, hash)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("password reset",
		slog.String("person_id", acct.person.ID),
		slog.String("email_id", acct.email.ID))
	s.recordAudit(ctx, entities.NewAuditLog(&acct.person.ID, entities.ActionPasswordReset, entities.ResourceLoginMethod).
		WithResourceID(acct.method.ID).
		WithMetadata("email", acct.email.Address).
		WithMetadata("created_method", acct.created))

	return s.issueSession(acct)
}

func (s *AuthService) applyPasswordReset(ctx context.Context, repo repositories.IdentityRepository, claims *auth.Claims, hash string) (*account, error) {
	email, err := repo.GetEmailByID(ctx, claims.EmailID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: email no longer exists", ErrInvalidResetLink)
		}
		return nil, storeErr("get email", err)
	}

	person, err := repo.GetPerson(ctx, email.PersonID)
	if err != nil {
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		return nil, fmt.Errorf("%w: person is inactive", ErrInvalidResetLink)
	}

	acct := &account{person: person, email: email}
	now := s.now()

	acct.method, err = repo.FindLoginMethod(ctx, email.ID, entities.LoginMethodPassword)
	if err != nil {
		return nil, storeErr("find login method", err)
	}
	if acct.method == nil {
		acct.method = &entities.LoginMethod{
			EmailID:      email.ID,
			Kind:         entities.LoginMethodPassword,
			PasswordHash: &hash,
			IsActive:     true,
			LastUsedAt:   &now,
		}
		if err := repo.CreateLoginMethod(ctx, acct.method); err != nil {
			return nil, storeErr("create login method", err)
		}
		acct.created = true
	} else {
		acct.method.SetPasswordHash(hash)
		acct.method.IsActive = true
		acct.method.LastUsedAt = &now
		if err := repo.UpdateLoginMethod(ctx, acct.method); err != nil {
			return nil, storeErr("update login method", err)
		}
	}

	if !email.IsVerified {
		email.IsVerified = true
		if err := repo.UpdateEmail(ctx, email); err != nil {
			return nil, storeErr("update email", err)
		}
	}

	return acct, nil
}

// VerifyEmail marks the email named by a verification link as verified.
// Verifying an already verified email succeeds.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (email *entities.Email, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("verify_email", outcome(err), time.Since(start))
	}()

	claims, err := s.codec.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerificationLink, err)
	}
	if err := claims.RequirePurpose(auth.PurposeEmailVerification); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerificationLink, err)
	}

	email, err = s.identity.GetEmailByID(ctx, claims.EmailID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, fmt.Errorf("%w: email no longer exists", ErrInvalidVerificationLink)
		}
		return nil, storeErr("get email", err)
	}
	if email.IsVerified {
		return email, nil
	}

	email.IsVerified = true
	if err := s.identity.UpdateEmail(ctx, email); err != nil {
		return nil, storeErr("update email", err)
	}

	s.recordAudit(ctx, entities.NewAuditLog(&email.PersonID, entities.ActionEmailVerified, entities.ResourceEmail).
		WithResourceID(email.ID).
		WithMetadata("email", email.Address))
	return email, nil
}

// ResendVerification emails a fresh verification link to an unverified
// address. It does nothing for verified addresses.
func (s *AuthService) ResendVerification(ctx context.Context, address string) error {
	normalized, err := NormalizeEmail(address)
	if err != nil {
		return err
	}

	email, err := s.identity.FindEmail(ctx, normalized)
	if err != nil {
		return storeErr("find email", err)
	}
	if email == nil {
		return ErrNotFound
	}
	if email.IsVerified {
		return nil
	}

	person, err := s.identity.GetPerson(ctx, email.PersonID)
	if err != nil {
		return storeErr("get person", err)
	}

	verifyURL, err := s.verificationLink(person, email)
	if err != nil {
		return err
	}

	s.enqueue(ctx, notify.Message{
		Template: notify.TemplateVerifyEmail,
		To:       email.Address,
		Variables: map[string]string{
			"first_name": person.FirstName,
			"verify_url": verifyURL,
		},
	})
	return nil
}

// UpdateProfile changes a person's first and/or last name. A nil field is
// left as is; at least one must be given.
func (s *AuthService) UpdateProfile(ctx context.Context, personID string, firstName, lastName *string) (person *entities.Person, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAuthOperation("update_profile", outcome(err), time.Since(start))
	}()

	if firstName == nil && lastName == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	var first, last string
	if firstName != nil {
		if first, err = validateName("first_name", *firstName); err != nil {
			return nil, err
		}
	}
	if lastName != nil {
		if last, err = validateName("last_name", *lastName); err != nil {
			return nil, err
		}
	}

	person, err = s.identity.GetPerson(ctx, personID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		return nil, ErrInvalidCredentials
	}

	changed := map[string]any{}
	if firstName != nil && first != person.FirstName {
		changed["first_name"] = first
		person.FirstName = first
	}
	if lastName != nil && last != person.LastName {
		changed["last_name"] = last
		person.LastName = last
	}
	if len(changed) == 0 {
		return person, nil
	}

	if err := s.identity.UpdatePerson(ctx, person); err != nil {
		if repositories.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, storeErr("update person", err)
	}

	entry := entities.NewAuditLog(&person.ID, entities.ActionProfileUpdated, entities.ResourcePerson).
		WithResourceID(person.ID)
	for k, v := range changed {
		entry.WithMetadata(k, v)
	}
	s.recordAudit(ctx, entry)
	return person, nil
}

// Authenticate resolves a session token to its person and email. Token
// failures are returned as auth.ErrTokenExpired or auth.ErrTokenInvalid.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.codec.Validate(token)
	if err != nil {
		return nil, err
	}
	if err := claims.RequirePurpose(auth.PurposeSession); err != nil {
		return nil, err
	}

	person, err := s.identity.GetPerson(ctx, claims.PersonID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr("get person", err)
	}
	if !person.IsActive {
		return nil, ErrInvalidCredentials
	}

	email, err := s.identity.GetEmailByID(ctx, claims.EmailID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr("get email", err)
	}
	if email.PersonID != person.ID {
		return nil, fmt.Errorf("%w: email does not belong to person", auth.ErrTokenInvalid)
	}

	return &Identity{Person: person, Email: email, Claims: claims}, nil
}

type provisionParams struct {
	firstName        string
	lastName         string
	address          string
	verified         bool
	kind             entities.LoginMethodKind
	passwordHash     *string
	providerSubject  *string
	organizationName string
}

// provision creates a person with one email, one login method and an owned
// organization. It must run inside a transaction.
func (s *AuthService) provision(ctx context.Context, repo repositories.IdentityRepository, p provisionParams) (*account, error) {
	person := &entities.Person{
		FirstName: p.firstName,
		LastName:  p.lastName,
		IsActive:  true,
	}
	if err := repo.CreatePerson(ctx, person); err != nil {
		return nil, storeErr("create person", err)
	}

	email := &entities.Email{
		PersonID:   person.ID,
		Address:    p.address,
		IsVerified: p.verified,
	}
	if err := repo.CreateEmail(ctx, email); err != nil {
		return nil, storeErr("create email", err)
	}

	method := &entities.LoginMethod{
		EmailID:         email.ID,
		Kind:            p.kind,
		PasswordHash:    p.passwordHash,
		ProviderSubject: p.providerSubject,
		IsActive:        true,
	}
	if err := repo.CreateLoginMethod(ctx, method); err != nil {
		return nil, storeErr("create login method", err)
	}

	orgName := p.organizationName
	if orgName == "" {
		orgName = entities.DefaultOrganizationName(person.FirstName)
	}
	org := &entities.Organization{Name: orgName}
	if err := repo.CreateOrganization(ctx, org); err != nil {
		return nil, storeErr("create organization", err)
	}

	if err := repo.AddMembership(ctx, &entities.Membership{
		PersonID:       person.ID,
		OrganizationID: org.ID,
		Role:           entities.MembershipRoleOwner,
	}); err != nil {
		return nil, storeErr("add membership", err)
	}

	return &account{person: person, email: email, method: method, created: true}, nil
}

func (s *AuthService) issueSession(acct *account) (*Session, error) {
	token, expiresAt, err := s.codec.Issue(auth.Claims{
		Purpose:       auth.PurposeSession,
		PersonID:      acct.person.ID,
		EmailID:       acct.email.ID,
		LoginMethodID: acct.method.ID,
	}, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Person: acct.person}, nil
}

func (s *AuthService) verificationLink(person *entities.Person, email *entities.Email) (string, error) {
	token, _, err := s.codec.Issue(auth.Claims{
		Purpose:  auth.PurposeEmailVerification,
		PersonID: person.ID,
		EmailID:  email.ID,
	}, s.verificationTTL)
	if err != nil {
		return "", fmt.Errorf("failed to issue verification token: %w", err)
	}
	return s.link("verify-email", token), nil
}

// sendWelcome enqueues the welcome email with verification and set-password links
func (s *AuthService) sendWelcome(ctx context.Context, acct *account) {
	verifyURL, err := s.verificationLink(acct.person, acct.email)
	if err != nil {
		s.log.Error("failed to build verification link", slog.String("error", err.Error()))
		return
	}

	resetToken, _, err := s.codec.Issue(auth.Claims{
		Purpose:       auth.PurposePasswordReset,
		PersonID:      acct.person.ID,
		EmailID:       acct.email.ID,
		LoginMethodID: acct.method.ID,
	}, s.resetTTL)
	if err != nil {
		s.log.Error("failed to build set-password link", slog.String("error", err.Error()))
		return
	}

	s.enqueue(ctx, notify.Message{
		Template: notify.TemplateWelcome,
		To:       acct.email.Address,
		Variables: map[string]string{
			"first_name":       acct.person.FirstName,
			"verify_url":       verifyURL,
			"set_password_url": s.link("set-password", resetToken),
		},
	})
}

func (s *AuthService) link(path, token string) string {
	return s.baseURL + "/" + path + "/" + token
}

// enqueue hands a message to the dispatcher. Failures are logged and never
// undo the identity change that triggered the message.
func (s *AuthService) enqueue(ctx context.Context, msg notify.Message) {
	if err := s.dispatcher.Enqueue(ctx, msg); err != nil {
		s.log.Error("failed to enqueue notification",
			slog.String("template", string(msg.Template)),
			slog.String("error", err.Error()))
	}
}

// touch records a successful use of a login method
func (s *AuthService) touch(ctx context.Context, repo repositories.IdentityRepository, method *entities.LoginMethod) {
	now := s.now()
	method.LastUsedAt = &now
	if err := repo.UpdateLoginMethod(ctx, method); err != nil {
		s.log.Warn("failed to record login method use",
			slog.String("login_method_id", method.ID),
			slog.String("error", err.Error()))
	}
}

func (s *AuthService) recordAudit(ctx context.Context, entry *entities.AuditLog) {
	if s.auditRepo == nil {
		return
	}
	entry.CreatedAt = s.now()
	if err := s.auditRepo.Create(ctx, entry); err != nil {
		s.log.Warn("failed to write audit log",
			slog.String("action", string(entry.Action)),
			slog.String("error", err.Error()))
	}
}

// inTx runs fn in a transaction and converts raw storage errors
func (s *AuthService) inTx(ctx context.Context, fn func(repo repositories.IdentityRepository) error) error {
	err := s.identity.WithinTx(ctx, fn)
	if err == nil || isServiceError(err) {
		return err
	}
	return storeErr("transaction", err)
}

// storeErr maps a repository error: unique-constraint conflicts become
// ErrAlreadyRegistered, anything else ErrDependency.
func storeErr(op string, err error) error {
	if repositories.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrAlreadyRegistered, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}

func isServiceError(err error) bool {
	for _, target := range []error{
		ErrDependency,
		ErrAlreadyRegistered,
		ErrInvalidCredentials,
		ErrInvalidResetLink,
		ErrValidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
