package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-CC-Webhook-Signature"

const (
	EventChargeConfirmed = "charge:confirmed"
	EventChargeResolved  = "charge:resolved"
	EventChargeFailed    = "charge:failed"
	EventChargeExpired   = "charge:expired"
	EventChargeCanceled  = "charge:canceled"
	EventChargeCreated   = "charge:created"
	EventChargePending   = "charge:pending"
)

var (
	ErrMissingSignature = errors.New("missing coinbase signature or secret")
	ErrInvalidSignature = errors.New("invalid coinbase webhook signature")
)

// VerifySignature checks the HMAC-SHA256 signature of body.
func VerifySignature(body []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature for body. Used by tests and tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Event is a Coinbase Commerce webhook notification.
type Event struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Data ChargeData `json:"data"`
}

// ChargeData is the charge carried by an event.
type ChargeData struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	// Merchants attach arbitrary JSON; only userId is read.
	Metadata map[string]any `json:"metadata"`
	Pricing  struct {
		Local Price `json:"local"`
	} `json:"pricing"`
	Payments []struct {
		TransactionID string `json:"transaction_id"`
		Network       string `json:"network"`
	} `json:"payments"`
}

// ParseEvent decodes a webhook body. Both the bare event and the
// {"event": {...}} envelope are accepted.
func ParseEvent(body []byte) (Event, error) {
	var envelope struct {
		Event *Event `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode coinbase event: %w", err)
	}
	if envelope.Event != nil && envelope.Event.Type != "" {
		return *envelope.Event, nil
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode coinbase event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("decode coinbase event: missing type")
	}
	return evt, nil
}

// Credits reports whether the event settles a charge.
func (e Event) Credits() bool {
	return e.Type == EventChargeConfirmed || e.Type == EventChargeResolved
}

// UserID returns the user the charge was created for.
func (d ChargeData) UserID() string {
	id, _ := d.Metadata["userId"].(string)
	return strings.TrimSpace(id)
}

// Amount parses the local price amount.
func (d ChargeData) Amount() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(d.Pricing.Local.Amount))
}

// TransactionID returns the first on-chain payment id, or the charge code.
func (d ChargeData) TransactionID() string {
	if len(d.Payments) > 0 && d.Payments[0].TransactionID != "" {
		return d.Payments[0].TransactionID
	}
	return d.Code
}
