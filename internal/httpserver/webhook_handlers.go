package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/outsoor/billing/internal/payment/coinbase"
	"github.com/outsoor/billing/internal/payment/paypal"
	"github.com/outsoor/billing/internal/webhook"
)

func (s *Server) readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
			return nil, false
		}
		s.respondError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return body, true
}

// handlePayPalWebhook verifies the transmission with PayPal before applying it.
// Anything the reconciler treats as a no-op is acknowledged with 200.
func (s *Server) handlePayPalWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}
	transmission, err := paypal.TransmissionFromHeaders(r.Header)
	if err != nil {
		s.logger.Warnf("paypal webhook rejected: %v", err)
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if s.paypal == nil {
		s.respondErr(w, r, paypal.ErrNotConfigured)
		return
	}
	if err := s.paypal.VerifyWebhook(r.Context(), transmission, body); err != nil {
		switch {
		case errors.Is(err, paypal.ErrInvalidSignature):
			s.logger.Warnf("paypal webhook rejected: %v", err)
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		case errors.Is(err, paypal.ErrNotConfigured):
			s.respondErr(w, r, err)
		default:
			s.logger.Errorf("paypal webhook verification failed: %v", err)
			s.respondError(w, http.StatusBadGateway, errors.New("signature verification unavailable"))
		}
		return
	}
	evt, err := paypal.ParseEvent(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.reconciler.ReconcilePayPal(r.Context(), evt)
	s.respondWebhook(w, r, "paypal", evt.EventType, outcome, err)
}

func (s *Server) handleCoinbaseWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}
	// VerifySignature reports a missing secret as ErrMissingSignature, which is a 400.
	if err := coinbase.VerifySignature(body, r.Header.Get(coinbase.SignatureHeader), s.coinbaseSecret); err != nil {
		s.logger.Warnf("coinbase webhook rejected: %v", err)
		if errors.Is(err, coinbase.ErrMissingSignature) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}
	evt, err := coinbase.ParseEvent(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.reconciler.ReconcileCoinbase(r.Context(), evt)
	s.respondWebhook(w, r, "coinbase", evt.Type, outcome, err)
}

func (s *Server) respondWebhook(w http.ResponseWriter, r *http.Request, provider, eventType string, outcome webhook.Outcome, err error) {
	if err != nil {
		s.logger.Errorf("%s webhook %s: %v", provider, eventType, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("webhook processing failed"))
		return
	}
	s.logger.Infof("%s webhook %s: %s", provider, eventType, outcome.Action)
	s.respondJSON(w, http.StatusOK, map[string]any{"received": true, "action": outcome.Action})
}
