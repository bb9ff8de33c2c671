package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/config"
	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported oauth provider")
	ErrProviderExchange    = errors.New("oauth code exchange failed")
	ErrProviderProfile     = errors.New("oauth profile fetch failed")
)

// DefaultTimeout bounds every call to an external provider
const DefaultTimeout = 10 * time.Second

// Profile is the identity a provider vouches for
type Profile struct {
	Email       string
	DisplayName string
	SubjectID   string
}

// Provider is an external identity provider reachable with the
// authorization-code flow. Implementations never retry.
type Provider interface {
	// Name returns the provider identifier ("google", "microsoft")
	Name() string

	// Kind returns the login method kind accounts created through this provider get
	Kind() entities.LoginMethodKind

	// ExchangeCode trades an authorization code for a provider access token.
	// codeVerifier is the PKCE verifier and may be empty.
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (string, error)

	// FetchProfile loads the user's profile with a provider access token.
	// A profile without an email is an error.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Registry holds the configured providers
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider to the registry
func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return provider, nil
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHTTPClient returns the client used for provider calls
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewRegistryFromConfig builds providers for each configured entry
func NewRegistryFromConfig(cfg config.OAuthConfig) (*Registry, error) {
	httpClient := NewHTTPClient(cfg.Timeout)
	r := NewRegistry()

	for _, pc := range cfg.Providers {
		c := Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURI:  pc.RedirectURI,
			AuthURL:      pc.AuthURL,
			TokenURL:     pc.TokenURL,
			UserInfoURL:  pc.UserInfoURL,
			Scopes:       pc.Scopes,
		}

		switch pc.Name {
		case GoogleName:
			r.Register(NewGoogleProvider(c, httpClient))
		case MicrosoftName:
			r.Register(NewMicrosoftProvider(c, httpClient))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, pc.Name)
		}
	}
	return r, nil
}
