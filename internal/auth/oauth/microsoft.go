package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

const (
	MicrosoftName = "microsoft"

	microsoftAuthURL     = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	microsoftTokenURL    = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	microsoftUserInfoURL = "https://graph.microsoft.com/v1.0/me"
)

var microsoftScopes = []string{"openid", "email", "profile", "User.Read"}

// MicrosoftProvider authenticates users with Microsoft accounts via Graph
type MicrosoftProvider struct {
	client
}

// NewMicrosoftProvider creates a Microsoft provider using the common tenant
// unless endpoints are configured.
func NewMicrosoftProvider(cfg Config, httpClient *http.Client) *MicrosoftProvider {
	cfg = cfg.withDefaults(microsoftAuthURL, microsoftTokenURL, microsoftUserInfoURL, microsoftScopes)
	return &MicrosoftProvider{client: newClient(MicrosoftName, cfg, httpClient)}
}

func (p *MicrosoftProvider) Name() string { return MicrosoftName }

func (p *MicrosoftProvider) Kind() entities.LoginMethodKind {
	return entities.LoginMethodOAuthMicrosoft
}

func (p *MicrosoftProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (string, error) {
	return p.exchange(ctx, code, redirectURI, codeVerifier)
}

// graphUser is the subset of the Graph /me resource we read
type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
}

func (p *MicrosoftProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var user graphUser
	if err := p.fetchJSON(ctx, p.cfg.UserInfoURL, accessToken, &user); err != nil {
		return nil, err
	}

	// personal accounts often leave mail empty
	email := user.Mail
	if email == "" {
		email = user.UserPrincipalName
	}
	if email == "" {
		return nil, fmt.Errorf("%w: microsoft: user info does not contain email", ErrProviderProfile)
	}

	return &Profile{
		Email:       email,
		DisplayName: user.DisplayName,
		SubjectID:   user.ID,
	}, nil
}
