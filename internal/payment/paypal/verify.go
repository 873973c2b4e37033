package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrMissingHeaders   = errors.New("missing paypal transmission headers")
	ErrInvalidSignature = errors.New("invalid paypal webhook signature")
)

// Transmission holds the signature headers PayPal sends with a webhook.
type Transmission struct {
	ID       string
	Time     string
	Sig      string
	CertURL  string
	AuthAlgo string
}

// TransmissionFromHeaders extracts the signature headers.
func TransmissionFromHeaders(h http.Header) (Transmission, error) {
	t := Transmission{
		ID:       strings.TrimSpace(h.Get("Paypal-Transmission-Id")),
		Time:     strings.TrimSpace(h.Get("Paypal-Transmission-Time")),
		Sig:      strings.TrimSpace(h.Get("Paypal-Transmission-Sig")),
		CertURL:  strings.TrimSpace(h.Get("Paypal-Cert-Url")),
		AuthAlgo: strings.TrimSpace(h.Get("Paypal-Auth-Algo")),
	}
	if t.ID == "" || t.Time == "" || t.Sig == "" || t.CertURL == "" || t.AuthAlgo == "" {
		return Transmission{}, ErrMissingHeaders
	}
	return t, nil
}

// checkCertURL only accepts certificates served by paypal.com over https.
func checkCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("%w: cert url %q", ErrInvalidSignature, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host != "paypal.com" && !strings.HasSuffix(host, ".paypal.com") {
		return fmt.Errorf("%w: cert host %q", ErrInvalidSignature, host)
	}
	return nil
}

// VerifyWebhook asks PayPal to verify the transmission signature of body.
func (c *Client) VerifyWebhook(ctx context.Context, t Transmission, body []byte) error {
	if strings.TrimSpace(c.cfg.WebhookID) == "" {
		return fmt.Errorf("%w: webhook id (%s)", ErrNotConfigured, c.cfg.Environment())
	}
	if err := checkCertURL(t.CertURL); err != nil {
		return err
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not json", ErrInvalidSignature)
	}
	payload := map[string]any{
		"auth_algo":         t.AuthAlgo,
		"cert_url":          t.CertURL,
		"transmission_id":   t.ID,
		"transmission_sig":  t.Sig,
		"transmission_time": t.Time,
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, &out); err != nil {
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: status %q", ErrInvalidSignature, out.VerificationStatus)
	}
	return nil
}
