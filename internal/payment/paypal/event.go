package paypal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Webhook event types handled by the reconciler.
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
	EventCaptureReversed  = "PAYMENT.CAPTURE.REVERSED"
	EventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	EventOrderCompleted   = "CHECKOUT.ORDER.COMPLETED"
	EventOrderCancelled   = "CHECKOUT.ORDER.CANCELLED"
	EventOrderVoided      = "CHECKOUT.ORDER.VOIDED"
)

// Event is a PayPal webhook notification.
type Event struct {
	ID           string   `json:"id"`
	EventType    string   `json:"event_type"`
	CreateTime   string   `json:"create_time,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Resource     Resource `json:"resource"`
}

// Resource is the union of capture, refund and order payloads.
type Resource struct {
	ID                string             `json:"id"`
	Status            string             `json:"status,omitempty"`
	CustomID          string             `json:"custom_id,omitempty"`
	Amount            *Money             `json:"amount,omitempty"`
	StatusDetails     *StatusDetails     `json:"status_details,omitempty"`
	SupplementaryData *SupplementaryData `json:"supplementary_data,omitempty"`
	Links             []Link             `json:"links,omitempty"`
}

// StatusDetails explains a non-completed status.
type StatusDetails struct {
	Reason string `json:"reason"`
}

// SupplementaryData links a capture back to its order.
type SupplementaryData struct {
	RelatedIDs struct {
		OrderID string `json:"order_id"`
	} `json:"related_ids"`
}

// ParseEvent decodes a raw webhook body.
func ParseEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode paypal event: %w", err)
	}
	if strings.TrimSpace(evt.EventType) == "" {
		return Event{}, fmt.Errorf("decode paypal event: missing event_type")
	}
	return evt, nil
}

// OrderID returns the order a capture belongs to.
func (r Resource) OrderID() string {
	if r.SupplementaryData == nil {
		return ""
	}
	return r.SupplementaryData.RelatedIDs.OrderID
}

// Reason returns the status detail reason when present.
func (r Resource) Reason() string {
	if r.StatusDetails == nil {
		return ""
	}
	return r.StatusDetails.Reason
}

// CaptureID returns the capture a refund resource points at. Refund
// payloads link to their capture via the "up" relation; older payloads
// carry the capture id directly.
func (r Resource) CaptureID() string {
	for _, l := range r.Links {
		if l.Rel != "up" {
			continue
		}
		href := strings.TrimRight(l.Href, "/")
		if idx := strings.Index(href, "/captures/"); idx >= 0 {
			return href[idx+len("/captures/"):]
		}
	}
	return r.ID
}
