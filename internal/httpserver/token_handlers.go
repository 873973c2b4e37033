package httpserver

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outsoor/billing/internal/userstore"
)

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	tokens, err := s.identity.ListTokens(r.Context(), info.user.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []userstore.APIToken{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("token name required"))
		return
	}
	token, secret, err := s.identity.CreateToken(r.Context(), info.user.ID, name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"token": token, "secret": secret})
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	token, secret, err := s.identity.RegenerateToken(r.Context(), info.user.ID, chi.URLParam(r, "tokenID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if token == nil {
		s.respondError(w, http.StatusNotFound, errors.New("token not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token, "secret": secret})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	err := s.identity.RevokeToken(r.Context(), info.user.ID, chi.URLParam(r, "tokenID"))
	if errors.Is(err, sql.ErrNoRows) {
		s.respondError(w, http.StatusNotFound, errors.New("token not found"))
		return
	} else if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

type tokenFailure struct {
	status  int
	message string
	code    string
	detail  string
}

func (s *Server) respondTokenFailure(w http.ResponseWriter, f tokenFailure) {
	s.respondJSON(w, f.status, map[string]any{"error": f.message, "code": f.code, "message": f.detail})
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	raw, ok := req["token"]
	if !ok || raw == nil || raw == "" {
		s.respondTokenFailure(w, tokenFailure{http.StatusBadRequest, "API token is required", "MISSING_TOKEN", "Please provide an API token in the request body"})
		return
	}
	token, ok := raw.(string)
	if !ok {
		s.respondTokenFailure(w, tokenFailure{http.StatusBadRequest, "Invalid token format", "INVALID_TOKEN_TYPE", "Token must be a string"})
		return
	}
	if !strings.HasPrefix(token, userstore.TokenPrefix) {
		s.respondTokenFailure(w, tokenFailure{http.StatusBadRequest, "Invalid API token format", "INVALID_TOKEN_FORMAT", `Token must start with "ptr_"`})
		return
	}
	if len(token) < userstore.MinTokenLength {
		s.respondTokenFailure(w, tokenFailure{http.StatusBadRequest, "Token too short", "TOKEN_TOO_SHORT", "API token appears to be incomplete"})
		return
	}
	key, user, err := s.identity.LookupToken(r.Context(), token)
	if err != nil {
		s.logger.Errorf("verify token: %v", err)
		s.respondTokenFailure(w, tokenFailure{http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR", "An unexpected error occurred while verifying the token"})
		return
	}
	if key == nil || user == nil {
		s.respondTokenFailure(w, tokenFailure{http.StatusUnauthorized, "Invalid or expired API token", "INVALID_TOKEN", "The provided API token is not valid or has expired"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "API token is valid",
		"code":    "TOKEN_VALID",
		"token_info": map[string]any{
			"id":           key.ID,
			"name":         key.Name,
			"user_id":      user.ID,
			"user_email":   user.Email,
			"user_name":    user.Name,
			"last_used_at": key.LastUsedAt,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVerifyTokenUsage(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message":  "Use POST method to verify your API token",
		"endpoint": "/api/verify-token",
		"method":   "POST",
		"body":     map[string]string{"token": "ptr_your_api_token_here"},
	})
}
