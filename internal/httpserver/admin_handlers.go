package httpserver

import (
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/userstore"
)

func (s *Server) actor(r *http.Request) billing.Actor {
	info := sessionFromContext(r.Context())
	return billing.Actor{UserID: info.user.ID, Role: string(info.user.Role)}
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.billing.Stats(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	users, err := s.identity.CountUsers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"stats": stats, "totalUsers": users})
}

type adminUser struct {
	userstore.User
	Credits ledger.Account `json:"credits"`
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.identity.ListUsers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	accounts, err := s.billing.Accounts(r.Context(), ids)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	out := make([]adminUser, 0, len(users))
	for _, u := range users {
		acct, ok := accounts[u.ID]
		if !ok {
			acct = ledger.Account{UserID: u.ID}
		}
		out = append(out, adminUser{User: u, Credits: acct})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"users": out})
}

// adjustmentFromRequest accepts either form fields or a JSON body with
// userId, amount, description and note.
func adjustmentFromRequest(r *http.Request) (billing.AdminAdjustment, error) {
	var raw struct {
		UserID      string `json:"userId"`
		Amount      string `json:"amount"`
		Description string `json:"description"`
		Note        string `json:"note"`
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			UserID      string      `json:"userId"`
			Amount      jsonDecimal `json:"amount"`
			Description string      `json:"description"`
			Note        string      `json:"note"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return billing.AdminAdjustment{}, err
		}
		raw.UserID, raw.Amount, raw.Description, raw.Note = body.UserID, string(body.Amount), body.Description, body.Note
	} else {
		if err := r.ParseForm(); err != nil {
			return billing.AdminAdjustment{}, ledger.ValidationError("", "malformed form body")
		}
		raw.UserID = r.PostForm.Get("userId")
		raw.Amount = r.PostForm.Get("amount")
		raw.Description = r.PostForm.Get("description")
		raw.Note = r.PostForm.Get("note")
	}
	if strings.TrimSpace(raw.Amount) == "" {
		return billing.AdminAdjustment{}, ledger.ValidationError("amount", "is required")
	}
	amount, err := ledger.ParseAmount(strings.TrimSpace(raw.Amount))
	if err != nil {
		return billing.AdminAdjustment{}, err
	}
	return billing.AdminAdjustment{
		UserID:      strings.TrimSpace(raw.UserID),
		Amount:      amount,
		Description: raw.Description,
		Note:        raw.Note,
	}, nil
}

// jsonDecimal accepts a JSON number or string.
type jsonDecimal string

func (d *jsonDecimal) UnmarshalJSON(b []byte) error {
	*d = jsonDecimal(strings.Trim(string(b), `"`))
	return nil
}

func (s *Server) handleAdminTopUp(w http.ResponseWriter, r *http.Request) {
	adj, err := adjustmentFromRequest(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	txn, err := s.billing.AdminTopUp(r.Context(), s.actor(r), adj)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	acct, err := s.billing.Balance(r.Context(), txn.UserID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": txn,
		"balance":     money(acct.Balance),
	})
}

func (s *Server) handleAdminDeduct(w http.ResponseWriter, r *http.Request) {
	adj, err := adjustmentFromRequest(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := s.billing.AdminDeduct(r.Context(), s.actor(r), adj)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"transaction":       res.Transaction,
		"deducted":          money(res.Deducted),
		"remaining_balance": money(res.RemainingBalance),
	})
}

func (s *Server) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))
	s.listTransactions(w, r, filter)
}

func (s *Server) handleAdminTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.billing.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}
