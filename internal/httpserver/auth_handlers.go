package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/userstore"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowSignup {
		s.respondError(w, http.StatusForbidden, errors.New("signup disabled"))
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	email := userstore.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		s.respondErr(w, r, ledger.ValidationError("email", "is invalid"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrWeakPassword) {
		s.respondErr(w, r, ledger.ValidationError("password", "must be at least 8 characters"))
		return
	} else if err != nil {
		s.respondErr(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = email
	}
	user, err := s.identity.CreateUser(r.Context(), email, name, hash, userstore.RoleUser)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if _, err := s.billing.Balance(r.Context(), user.ID); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Infof("signup user=%s", user.ID)
	token, err := s.startSession(w, user)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	user, err := s.identity.FindByEmail(r.Context(), req.Email)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid email or password"))
		return
	}
	token, err := s.startSession(w, user)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSession(w)
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cookieSecure,
		MaxAge:   -1,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	acct, err := s.billing.Balance(r.Context(), info.user.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": info.user, "credits": acct})
}

func (s *Server) startSession(w http.ResponseWriter, user *userstore.User) (string, error) {
	token, err := s.auth.IssueToken(user.ID, auth.SessionTTL)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cookieSecure,
		Expires:  time.Now().Add(auth.SessionTTL),
	})
	return token, nil
}
