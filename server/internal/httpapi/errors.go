package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/devilmonastery/gatekeeper/internal/auth/oauth"
	"github.com/devilmonastery/gatekeeper/internal/domain/services"
)

type errorResponse struct {
	Error    string `json:"error"`
	Provider string `json:"provider,omitempty"`
}

// statusFor maps an orchestrator error to an HTTP status
func statusFor(err error) int {
	switch {
	case services.IsAlreadyRegistered(err):
		return http.StatusConflict
	case services.IsValidation(err),
		errors.Is(err, services.ErrInvalidResetLink),
		errors.Is(err, services.ErrInvalidVerificationLink),
		errors.Is(err, oauth.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case services.IsInvalidCredentials(err), services.IsTokenError(err):
		return http.StatusUnauthorized
	case services.IsNotFound(err):
		return http.StatusNotFound
	case services.IsProviderError(err):
		return http.StatusBadGateway
	case services.IsDependency(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	switch status {
	case http.StatusConflict:
		if provider, ok := services.RegisteredProvider(err); ok {
			resp.Provider = provider
		}
	case http.StatusUnauthorized:
		resp.Error = "invalid credentials"
		if services.IsTokenError(err) {
			resp.Error = "invalid or expired token"
		}
	case http.StatusBadGateway:
		resp.Error = "identity provider request failed"
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		resp.Error = "service temporarily unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}

	writeJSON(w, status, resp)
}
