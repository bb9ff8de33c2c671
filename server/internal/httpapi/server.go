package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/services"
)

// AuthAPI is the slice of services.AuthService the transport calls.
type AuthAPI interface {
	Signup(ctx context.Context, req services.SignupRequest) (*entities.Person, error)
	LoginByPassword(ctx context.Context, address, password string) (*services.Session, error)
	LoginByOAuth(ctx context.Context, req services.OAuthLoginRequest) (*services.Session, error)
	TriggerPasswordReset(ctx context.Context, address string) error
	ResetPassword(ctx context.Context, resetToken, newPassword string) (*services.Session, error)
	VerifyEmail(ctx context.Context, token string) (*entities.Email, error)
	ResendVerification(ctx context.Context, address string) error
	Authenticate(ctx context.Context, token string) (*services.Identity, error)
	UpdateProfile(ctx context.Context, personID string, firstName, lastName *string) (*entities.Person, error)
}

var _ AuthAPI = (*services.AuthService)(nil)

// Options tunes the transport
type Options struct {
	RateLimit float64 // requests per second per client on /auth; 0 disables limiting
	RateBurst int

	// TrustedProxies are the peers allowed to report the client address in
	// X-Forwarded-For or X-Real-IP. Empty means the peer address is used.
	TrustedProxies []netip.Prefix

	// Ready is called by /healthz when set
	Ready func(ctx context.Context) error
}

// Server is the JSON-over-HTTP front for the auth orchestrator
type Server struct {
	auth    AuthAPI
	log     *slog.Logger
	limiter *clientLimiter
	ready   func(ctx context.Context) error

	trustedProxies []netip.Prefix
}

// New creates a Server
func New(authAPI AuthAPI, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		auth:  authAPI,
		log:   log.With(slog.String("component", "httpapi")),
		ready: opts.Ready,

		trustedProxies: opts.TrustedProxies,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newClientLimiter(opts.RateLimit, burst)
	}
	return s
}

// Handler builds the router with all routes and middleware
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/auth").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.middleware(s.clientIP))
	}
	api.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/{provider}/exchange", s.handleOAuthExchange).Methods(http.MethodPost)
	api.HandleFunc("/forgot_password", s.handleForgotPassword).Methods(http.MethodPost)
	api.HandleFunc("/reset_password", s.handleResetPassword).Methods(http.MethodPost)
	api.HandleFunc("/verify_email", s.handleVerifyEmail).Methods(http.MethodPost)
	api.HandleFunc("/resend_verification", s.handleResendVerification).Methods(http.MethodPost)
	api.Handle("/me", s.requireSession(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	api.Handle("/me", s.requireSession(http.HandlerFunc(s.handleUpdateProfile))).Methods(http.MethodPut)

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn("health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
