package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/config"
	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

// fakeProviderServer serves a token endpoint and a profile endpoint
type fakeProviderServer struct {
	*httptest.Server
	tokenStatus   int
	profileStatus int
	profile       map[string]any
	tokenCalls    atomic.Int32
	lastForm      map[string]string
	lastAuth      string
}

func newFakeProviderServer(t *testing.T, profile map[string]any) *fakeProviderServer {
	t.Helper()
	f := &fakeProviderServer{
		tokenStatus:   http.StatusOK,
		profileStatus: http.StatusOK,
		profile:       profile,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token form: %v", err)
		}
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token":"provider-access-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		if f.profileStatus != http.StatusOK {
			w.WriteHeader(f.profileStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.profile)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProviderServer) config() Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/default-callback",
		TokenURL:     f.URL + "/token",
		UserInfoURL:  f.URL + "/userinfo",
	}
}

func TestGoogleProvider_ExchangeAndProfile(t *testing.T) {
	srv := newFakeProviderServer(t, map[string]any{
		"sub":            "google-sub-1",
		"email":          "Jane@Example.com",
		"email_verified": true,
		"name":           "Jane Doe",
	})
	p := NewGoogleProvider(srv.config(), srv.Client())

	if p.Name() != "google" || p.Kind() != entities.LoginMethodOAuthGoogle {
		t.Errorf("unexpected identity %s/%s", p.Name(), p.Kind())
	}

	token, err := p.ExchangeCode(context.Background(), "code-1", "https://app.example.com/cb", "verifier-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "provider-access-token" {
		t.Errorf("expected provider-access-token, got %q", token)
	}

	form := srv.lastForm
	expected := map[string]string{
		"grant_type":    "authorization_code",
		"code":          "code-1",
		"redirect_uri":  "https://app.example.com/cb",
		"code_verifier": "verifier-1",
		"client_id":     "client-id",
		"client_secret": "client-secret",
	}
	for k, v := range expected {
		if form[k] != v {
			t.Errorf("expected form %s=%q, got %q", k, v, form[k])
		}
	}

	profile, err := p.FetchProfile(context.Background(), token)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if srv.lastAuth != "Bearer provider-access-token" {
		t.Errorf("expected bearer header, got %q", srv.lastAuth)
	}
	if profile.Email != "Jane@Example.com" || profile.DisplayName != "Jane Doe" || profile.SubjectID != "google-sub-1" {
		t.Errorf("unexpected profile %+v", profile)
	}
}

func TestGoogleProvider_DefaultRedirectAndNoVerifier(t *testing.T) {
	srv := newFakeProviderServer(t, nil)
	p := NewGoogleProvider(srv.config(), srv.Client())

	if _, err := p.ExchangeCode(context.Background(), "code-2", "", ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := srv.lastForm["redirect_uri"]; got != "https://app.example.com/default-callback" {
		t.Errorf("expected configured redirect uri, got %q", got)
	}
	if _, ok := srv.lastForm["code_verifier"]; ok {
		t.Error("expected no code_verifier when none given")
	}
}

func TestGoogleProvider_NameFallback(t *testing.T) {
	srv := newFakeProviderServer(t, map[string]any{
		"sub":         "s",
		"email":       "a@x.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
	})
	p := NewGoogleProvider(srv.config(), srv.Client())

	profile, err := p.FetchProfile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if profile.DisplayName != "Ada Lovelace" {
		t.Errorf("expected Ada Lovelace, got %q", profile.DisplayName)
	}
}

func TestProvider_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
	}{
		{name: "bad request", status: http.StatusBadRequest, code: "c"},
		{name: "server error", status: http.StatusInternalServerError, code: "c"},
		{name: "empty code", status: http.StatusOK, code: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeProviderServer(t, nil)
			srv.tokenStatus = tt.status
			p := NewMicrosoftProvider(srv.config(), srv.Client())

			_, err := p.ExchangeCode(context.Background(), tt.code, "https://cb", "")
			if !errors.Is(err, ErrProviderExchange) {
				t.Errorf("expected ErrProviderExchange, got %v", err)
			}
			if tt.code != "" && srv.tokenCalls.Load() != 1 {
				t.Errorf("expected exactly one token request, got %d", srv.tokenCalls.Load())
			}
		})
	}
}

func TestProvider_ExchangeNetworkFailure(t *testing.T) {
	srv := newFakeProviderServer(t, nil)
	cfg := srv.config()
	srv.Close()

	p := NewGoogleProvider(cfg, &http.Client{Timeout: time.Second})
	if _, err := p.ExchangeCode(context.Background(), "code", "https://cb", ""); !errors.Is(err, ErrProviderExchange) {
		t.Errorf("expected ErrProviderExchange, got %v", err)
	}
}

func TestProvider_ProfileFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		status   int
		profile  map[string]any
	}{
		{name: "google no email", provider: GoogleName, status: http.StatusOK, profile: map[string]any{"sub": "1"}},
		{name: "google unverified", provider: GoogleName, status: http.StatusOK, profile: map[string]any{"sub": "1", "email": "a@x.com", "email_verified": false}},
		{name: "google 401", provider: GoogleName, status: http.StatusUnauthorized},
		{name: "microsoft no email", provider: MicrosoftName, status: http.StatusOK, profile: map[string]any{"id": "1", "displayName": "A"}},
		{name: "microsoft 500", provider: MicrosoftName, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeProviderServer(t, tt.profile)
			srv.profileStatus = tt.status

			var p Provider
			if tt.provider == GoogleName {
				p = NewGoogleProvider(srv.config(), srv.Client())
			} else {
				p = NewMicrosoftProvider(srv.config(), srv.Client())
			}

			if _, err := p.FetchProfile(context.Background(), "tok"); !errors.Is(err, ErrProviderProfile) {
				t.Errorf("expected ErrProviderProfile, got %v", err)
			}
		})
	}
}

func TestMicrosoftProvider_Profile(t *testing.T) {
	tests := []struct {
		name      string
		profile   map[string]any
		wantEmail string
		wantName  string
	}{
		{
			name:      "mail present",
			profile:   map[string]any{"id": "ms-1", "mail": "b@y.com", "userPrincipalName": "upn@y.com", "displayName": "Bob Y"},
			wantEmail: "b@y.com",
			wantName:  "Bob Y",
		},
		{
			name:      "principal name fallback",
			profile:   map[string]any{"id": "ms-2", "mail": nil, "userPrincipalName": "upn@y.com"},
			wantEmail: "upn@y.com",
			wantName:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeProviderServer(t, tt.profile)
			p := NewMicrosoftProvider(srv.config(), srv.Client())

			profile, err := p.FetchProfile(context.Background(), "tok")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if profile.Email != tt.wantEmail || profile.DisplayName != tt.wantName {
				t.Errorf("expected (%q, %q), got (%q, %q)", tt.wantEmail, tt.wantName, profile.Email, profile.DisplayName)
			}
		})
	}
}

func TestProviderDefaults(t *testing.T) {
	g := NewGoogleProvider(Config{ClientID: "x"}, nil)
	if g.cfg.TokenURL != googleTokenURL || g.cfg.UserInfoURL != googleUserInfoURL {
		t.Errorf("unexpected google endpoints %+v", g.cfg)
	}
	if g.httpClient.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, g.httpClient.Timeout)
	}

	m := NewMicrosoftProvider(Config{ClientID: "x"}, nil)
	if m.cfg.TokenURL != microsoftTokenURL || m.cfg.UserInfoURL != microsoftUserInfoURL {
		t.Errorf("unexpected microsoft endpoints %+v", m.cfg)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistryFromConfig(config.OAuthConfig{
		Timeout: 3 * time.Second,
		Providers: []config.ProviderConfig{
			{Name: "microsoft", ClientID: "m"},
			{Name: "google", ClientID: "g"},
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	names := r.List()
	if len(names) != 2 || names[0] != "google" || names[1] != "microsoft" {
		t.Errorf("expected [google microsoft], got %v", names)
	}

	p, err := r.Get("microsoft")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.Kind() != entities.LoginMethodOAuthMicrosoft {
		t.Errorf("expected microsoft kind, got %s", p.Kind())
	}

	if _, err := r.Get("github"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestRegistryFromConfig_Unsupported(t *testing.T) {
	_, err := NewRegistryFromConfig(config.OAuthConfig{
		Providers: []config.ProviderConfig{{Name: "okta", ClientID: "o"}},
	})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}
