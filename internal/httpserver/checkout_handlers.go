package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/payment/coinbase"
	"github.com/outsoor/billing/internal/payment/paypal"
)

const checkoutName = "Outsoor credits"

type topUpBody struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) returnURL(query string) string {
	if s.appURL == "" {
		return ""
	}
	return s.appURL + "/billing?" + query
}

func (s *Server) handleCreatePayPalOrder(w http.ResponseWriter, r *http.Request) {
	if s.paypal == nil {
		s.respondErr(w, r, paypal.ErrNotConfigured)
		return
	}
	info := sessionFromContext(r.Context())
	var body topUpBody
	if err := decodeJSON(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.billing.ValidateTopUp(body.Amount, "paypal"); err != nil {
		s.respondErr(w, r, err)
		return
	}
	order, err := s.paypal.CreateOrder(r.Context(), paypal.OrderRequest{
		Amount:      body.Amount,
		Currency:    s.billing.Policy().Currency,
		Description: checkoutName,
		CustomID:    info.user.ID,
		ReturnURL:   s.returnURL("paypal=success"),
		CancelURL:   s.returnURL("paypal=cancelled"),
		BrandName:   "Outsoor",
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	txn, err := s.billing.BeginTopUp(r.Context(), billing.TopUpRequest{
		UserID:      info.user.ID,
		Amount:      body.Amount,
		Method:      "paypal",
		ReferenceID: order.ID,
		Metadata:    ledger.Metadata{"paypalOrderId": order.ID},
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"order_id":    order.ID,
		"status":      order.Status,
		"approve_url": order.ApproveURL(),
		"transaction": txn,
	})
}

// handleCapturePayPalOrder captures an approved order and credits it through
// the same path as the capture-completed webhook, so whichever arrives second
// is a no-op.
func (s *Server) handleCapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	if s.paypal == nil {
		s.respondErr(w, r, paypal.ErrNotConfigured)
		return
	}
	info := sessionFromContext(r.Context())
	orderID := chi.URLParam(r, "orderID")
	pending, err := s.billing.FindByReference(r.Context(), orderID, ledger.TypeTopUp)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if pending.UserID != info.user.ID {
		s.respondError(w, http.StatusNotFound, errors.New("order not found"))
		return
	}
	order, err := s.paypal.CaptureOrder(r.Context(), orderID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	capture, ok := order.FirstCapture()
	if !ok {
		s.respondError(w, http.StatusBadGateway, errors.New("paypal returned no capture"))
		return
	}
	if !strings.EqualFold(capture.Status, "COMPLETED") {
		// Pending captures are settled by the webhook.
		s.respondJSON(w, http.StatusAccepted, map[string]any{"status": capture.Status, "capture_id": capture.ID})
		return
	}
	outcome, err := s.reconciler.CompleteCapture(r.Context(), orderID, capture, "")
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	acct, err := s.billing.Balance(r.Context(), info.user.ID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":     capture.Status,
		"capture_id": capture.ID,
		"action":     outcome.Action,
		"balance":    money(acct.Balance),
	})
}

func (s *Server) handleCreateCoinbaseCharge(w http.ResponseWriter, r *http.Request) {
	if s.coinbase == nil {
		s.respondErr(w, r, coinbase.ErrNotConfigured)
		return
	}
	info := sessionFromContext(r.Context())
	var body topUpBody
	if err := decodeJSON(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.billing.ValidateTopUp(body.Amount, "coinbase"); err != nil {
		s.respondErr(w, r, err)
		return
	}
	charge, err := s.coinbase.CreateCharge(r.Context(), coinbase.ChargeRequest{
		Name:        checkoutName,
		Description: "Top-up of " + body.Amount.StringFixed(2) + " credits",
		Amount:      body.Amount,
		Currency:    s.billing.Policy().Currency,
		UserID:      info.user.ID,
		RedirectURL: s.returnURL("coinbase=success"),
		CancelURL:   s.returnURL("coinbase=cancelled"),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	txn, err := s.billing.BeginTopUp(r.Context(), billing.TopUpRequest{
		UserID:      info.user.ID,
		Amount:      body.Amount,
		Method:      "coinbase",
		ReferenceID: charge.Code,
		Metadata:    ledger.Metadata{"coinbaseCode": charge.Code, "coinbaseChargeId": charge.ID},
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"code":        charge.Code,
		"hosted_url":  charge.HostedURL,
		"expires_at":  charge.ExpiresAt,
		"transaction": txn,
	})
}

func (s *Server) paypalConfig() paypal.Config {
	if s.paypal == nil {
		return paypal.Config{}
	}
	return s.paypal.Config()
}

func (s *Server) handlePayPalClientID(w http.ResponseWriter, r *http.Request) {
	cfg := s.paypalConfig()
	if !cfg.Configured() {
		s.respondError(w, http.StatusInternalServerError, errors.New("PayPal is not configured"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"clientId":    cfg.ClientID,
		"environment": cfg.Environment(),
	})
}

func (s *Server) handlePayPalConfigStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.paypalConfig()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"configStatus": map[string]any{
			"isConfigured":      cfg.Configured(),
			"environment":       cfg.Environment(),
			"clientId":          cfg.ClientID,
			"webhookConfigured": strings.TrimSpace(cfg.WebhookID) != "",
			"lastChecked":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}
