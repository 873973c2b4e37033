package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/userstore"
)

const resetRequestedMessage = "If an account with that email exists, we've sent a password reset link."

// logNotifier stands in for a mailer. Links only appear at debug level.
type logNotifier struct {
	logger *logging.Logger
}

func (n logNotifier) NotifyPasswordReset(_ context.Context, notice PasswordResetNotice) error {
	n.logger.Debugf("password reset link for user=%s: %s", notice.User.ID, notice.Link)
	return nil
}

func (s *Server) resetLink(token string) string {
	return s.appURL + "/reset-password?token=" + url.QueryEscape(token)
}

// handleRequestPasswordReset answers the same way whether or not the email
// is registered.
func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
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
	user, err := s.identity.FindByEmail(r.Context(), email)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if user != nil {
		grant, token, err := s.identity.CreateResetToken(r.Context(), user.ID, userstore.ResetTokenTTL)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		notice := PasswordResetNotice{User: user, Token: token, Link: s.resetLink(token), ExpiresAt: grant.ExpiresAt}
		if err := s.resetNotifier.NotifyPasswordReset(r.Context(), notice); err != nil {
			s.logger.Errorf("deliver password reset user=%s: %v", user.ID, err)
		} else {
			s.logger.Infof("password reset requested user=%s", user.ID)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": resetRequestedMessage})
}

func (s *Server) handleValidatePasswordReset(w http.ResponseWriter, r *http.Request) {
	grant, err := s.identity.CheckResetToken(r.Context(), r.URL.Query().Get("token"))
	if isResetTokenError(err) {
		s.respondJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	} else if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"valid": true, "expires_at": grant.ExpiresAt})
}

func (s *Server) handleConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		s.respondErr(w, r, ledger.ValidationError("token", "is required"))
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
	user, err := s.identity.ResetPassword(r.Context(), req.Token, hash)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Infof("password reset user=%s", user.ID)
	s.clearSession(w)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Password has been reset. Please log in with your new password.",
	})
}

func isResetTokenError(err error) bool {
	return errors.Is(err, userstore.ErrResetTokenInvalid) ||
		errors.Is(err, userstore.ErrResetTokenExpired) ||
		errors.Is(err, userstore.ErrResetTokenUsed)
}
