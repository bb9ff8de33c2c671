package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

const (
	GoogleName = "google"

	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

var googleScopes = []string{"openid", "email", "profile"}

// GoogleProvider authenticates users with Google accounts
type GoogleProvider struct {
	client
}

// NewGoogleProvider creates a Google provider. Empty endpoints fall back to
// Google's public endpoints.
func NewGoogleProvider(cfg Config, httpClient *http.Client) *GoogleProvider {
	cfg = cfg.withDefaults(googleAuthURL, googleTokenURL, googleUserInfoURL, googleScopes)
	return &GoogleProvider{client: newClient(GoogleName, cfg, httpClient)}
}

func (p *GoogleProvider) Name() string { return GoogleName }

func (p *GoogleProvider) Kind() entities.LoginMethodKind { return entities.LoginMethodOAuthGoogle }

func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (string, error) {
	return p.exchange(ctx, code, redirectURI, codeVerifier)
}

type googleUserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var info googleUserInfo
	if err := p.fetchJSON(ctx, p.cfg.UserInfoURL, accessToken, &info); err != nil {
		return nil, err
	}

	if info.Email == "" {
		return nil, fmt.Errorf("%w: google: user info does not contain email", ErrProviderProfile)
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return nil, fmt.Errorf("%w: google: email %s is not verified", ErrProviderProfile, info.Email)
	}

	name := info.Name
	if name == "" {
		name = strings.TrimSpace(info.GivenName + " " + info.FamilyName)
	}

	return &Profile{
		Email:       info.Email,
		DisplayName: name,
		SubjectID:   info.Subject,
	}, nil
}
