package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
)

// handleDeductCredits charges the fixed unit price to the owner of the bearer
// API token.
func (s *Server) handleDeductCredits(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		s.respondError(w, http.StatusUnauthorized, errors.New("Missing or invalid Authorization header"))
		return
	}
	key, user, err := s.identity.LookupToken(r.Context(), token)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if key == nil || user == nil {
		s.respondError(w, http.StatusUnauthorized, errors.New("Invalid API token"))
		return
	}

	// The body is optional.
	var body struct {
		Description string `json:"description"`
		ServiceType string `json:"serviceType"`
		RequestID   string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debugf("deduct-credits: ignoring unreadable body: %v", err)
	}

	res, err := s.billing.DeductUnit(r.Context(), billing.UnitDeduction{
		UserID:      user.ID,
		TokenID:     key.ID,
		Description: body.Description,
		ServiceType: body.ServiceType,
		RequestID:   body.RequestID,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "Credits deducted successfully",
		"deducted":          money(res.Deducted),
		"remaining_balance": money(res.RemainingBalance),
		"transaction_id":    res.Transaction.ID,
	})
}

func (s *Server) handleUserCredits(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	acct, err := s.billing.Balance(r.Context(), info.user.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "credits": acct})
}

func (s *Server) handleBillingInfo(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	data, err := s.billing.BillingInfo(r.Context(), info.user.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) handleUsageAnalytics(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	data, err := s.billing.UsageAnalytics(r.Context(), info.user.ID, days)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	info := sessionFromContext(r.Context())
	filter, err := transactionFilter(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	filter.UserID = info.user.ID
	s.listTransactions(w, r, filter)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, filter ledger.TransactionFilter) {
	txns, err := s.billing.ListTransactions(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// transactionFilter reads type, status, limit and offset query parameters.
func transactionFilter(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{Limit: 50}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		filter.Type = ledger.TxType(raw)
		if !filter.Type.Valid() {
			return filter, ledger.ValidationError("type", "is not a transaction type")
		}
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = ledger.Status(raw)
		if !filter.Status.Valid() {
			return filter, ledger.ValidationError("status", "is not a transaction status")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, ledger.ValidationError("limit", "must be a positive integer")
		}
		if n > 500 {
			n = 500
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, ledger.ValidationError("offset", "must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}
