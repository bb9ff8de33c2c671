package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/devilmonastery/gatekeeper/internal/auth"
	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/services"
)

const maxBodyBytes = 1 << 20

type signupRequest struct {
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	EmailAddress     string `json:"email_address"`
	Password         string `json:"password,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type exchangeRequest struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type profileRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

type profileResponse struct {
	Person *entities.Person `json:"person"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Person      *entities.Person `json:"person"`
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	Expiry      time.Time        `json:"expiry"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type signupResponse struct {
	Person  *entities.Person `json:"person"`
	Message string           `json:"message"`
}

type claimsResponse struct {
	Purpose       string    `json:"purpose"`
	PersonID      string    `json:"person_id"`
	EmailID       string    `json:"email_id"`
	LoginMethodID string    `json:"login_method_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type meResponse struct {
	Person *entities.Person `json:"person"`
	Email  *entities.Email  `json:"email"`
	Claims claimsResponse   `json:"claims"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !s.decode(w, r, &req) {
		return
	}

	person, err := s.auth.Signup(r.Context(), services.SignupRequest{
		Email:            req.EmailAddress,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Password:         req.Password,
		OrganizationName: req.OrganizationName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, signupResponse{
		Person:  person,
		Message: "Account created. Check your inbox to verify your email address.",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.auth.LoginByPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.auth.LoginByOAuth(r.Context(), services.OAuthLoginRequest{
		Provider:     mux.Vars(r)["provider"],
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.auth.TriggerPasswordReset(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password reset email sent."})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.auth.ResetPassword(r.Context(), req.Token, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	email, err := s.auth.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("%s is verified.", email.Address)})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.auth.ResendVerification(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Verification email sent."})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	resp := meResponse{
		Person: identity.Person,
		Email:  identity.Email,
	}
	if c, err := auth.GetClaimsFromContext(r.Context()); err == nil {
		resp.Claims = claimsResponse{
			Purpose:       string(c.Purpose),
			PersonID:      c.PersonID,
			EmailID:       c.EmailID,
			LoginMethodID: c.LoginMethodID,
		}
		if c.ExpiresAt != nil {
			resp.Claims.ExpiresAt = c.ExpiresAt.Time.UTC()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}

	person, err := s.auth.UpdateProfile(r.Context(), identity.Person.ID, req.FirstName, req.LastName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Person: person})
}

func newSessionResponse(session *services.Session) sessionResponse {
	return sessionResponse{
		Person:      session.Person,
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Expiry:      session.ExpiresAt.UTC(),
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		msg := "request body must be a JSON object"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "request body too large"
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
