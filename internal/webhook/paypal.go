package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/payment/paypal"
)

const providerPayPal = "paypal"

// ReconcilePayPal applies a verified PayPal notification.
func (r *Reconciler) ReconcilePayPal(ctx context.Context, evt paypal.Event) (Outcome, error) {
	out, err := r.reconcilePayPal(ctx, evt)
	r.observe(providerPayPal, out, err)
	return out, err
}

func (r *Reconciler) reconcilePayPal(ctx context.Context, evt paypal.Event) (Outcome, error) {
	r.logger.Debugf("paypal %s resource=%s", evt.EventType, evt.Resource.ID)
	switch evt.EventType {
	case paypal.EventCaptureCompleted:
		return r.paypalCaptureCompleted(ctx, evt)
	case paypal.EventCaptureDenied:
		return r.paypalCaptureDenied(ctx, evt)
	case paypal.EventCaptureRefunded, paypal.EventCaptureReversed:
		return r.paypalRefund(ctx, evt)
	case paypal.EventOrderCancelled, paypal.EventOrderVoided:
		return r.paypalOrderCancelled(ctx, evt)
	case paypal.EventOrderApproved:
		return r.ignored("order approved " + evt.Resource.ID)
	}
	return r.ignored("unhandled paypal event " + evt.EventType)
}

// CompleteCapture credits the pending top-up of orderID with a completed
// capture. The checkout capture endpoint and the webhook share this path so
// whichever arrives second is a duplicate.
func (r *Reconciler) CompleteCapture(ctx context.Context, orderID string, capture paypal.Capture, eventID string) (Outcome, error) {
	out, err := r.completeCapture(ctx, orderID, capture, eventID)
	r.observe(providerPayPal, out, err)
	return out, err
}

func (r *Reconciler) completeCapture(ctx context.Context, orderID string, capture paypal.Capture, eventID string) (Outcome, error) {
	if capture.ID == "" {
		return r.ignored("capture without id")
	}
	if capture.Status != "" && capture.Status != "COMPLETED" {
		return r.ignored(fmt.Sprintf("capture %s is %s", capture.ID, capture.Status))
	}
	var amount decimal.Decimal
	if capture.Amount.Value != "" {
		parsed, err := capture.Amount.Decimal()
		if err != nil || !parsed.IsPositive() {
			return r.ignored(fmt.Sprintf("capture %s has invalid amount %q", capture.ID, capture.Amount.Value))
		}
		amount = parsed
	}
	meta := r.stamp(paypal.EventCaptureCompleted, eventID).Merge(ledger.Metadata{
		"paypalOrderId":   orderID,
		"paypalCaptureId": capture.ID,
	})
	key := &ledger.EventKey{Provider: providerPayPal, ReferenceID: capture.ID, EventType: paypal.EventCaptureCompleted}

	if orderID != "" {
		txn, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
			ReferenceID:    orderID,
			Type:           ledger.TypeTopUp,
			To:             ledger.StatusCompleted,
			NewReferenceID: capture.ID,
			Amount:         amount,
			Metadata:       meta,
			Event:          key,
		})
		if !errors.Is(err, ledger.ErrNotFound) {
			return r.settle(ActionCredited, txn, err, orderID)
		}
	}
	existing, err := r.ledger.FindByReference(ctx, capture.ID, ledger.TypeTopUp)
	switch {
	case err == nil && existing.Status == ledger.StatusCompleted:
		r.logger.Infof("duplicate: capture %s already credited as %s", capture.ID, existing.ID)
		return Outcome{Action: ActionDuplicate, Transaction: &existing}, nil
	case err == nil || errors.Is(err, ledger.ErrNotFound):
		return r.ignored(fmt.Sprintf("no pending top-up for order %q capture %s", orderID, capture.ID))
	}
	return Outcome{}, err
}

func (r *Reconciler) paypalCaptureCompleted(ctx context.Context, evt paypal.Event) (Outcome, error) {
	res := evt.Resource
	capture := paypal.Capture{ID: res.ID, Status: res.Status}
	if res.Amount != nil {
		capture.Amount = *res.Amount
	}
	return r.completeCapture(ctx, res.OrderID(), capture, evt.ID)
}

func (r *Reconciler) paypalCaptureDenied(ctx context.Context, evt paypal.Event) (Outcome, error) {
	orderID := evt.Resource.OrderID()
	if orderID == "" {
		return r.ignored("denied capture without order id")
	}
	reason := evt.Resource.Reason()
	if reason == "" {
		reason = "unknown"
	}
	txn, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
		ReferenceID: orderID,
		Type:        ledger.TypeTopUp,
		To:          ledger.StatusFailed,
		Metadata:    r.stamp(evt.EventType, evt.ID).Merge(ledger.Metadata{"reason": reason}),
	})
	return r.settle(ActionFailed, txn, err, orderID)
}

func (r *Reconciler) paypalOrderCancelled(ctx context.Context, evt paypal.Event) (Outcome, error) {
	orderID := evt.Resource.ID
	if orderID == "" {
		return r.ignored("cancelled order without id")
	}
	txn, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
		ReferenceID: orderID,
		Type:        ledger.TypeTopUp,
		To:          ledger.StatusCancelled,
		Metadata:    r.stamp(evt.EventType, evt.ID),
	})
	return r.settle(ActionCancelled, txn, err, orderID)
}

// paypalRefund records a refund against the completed top-up of the capture.
// The ledger caps the sum of refunds at the captured amount and floors the
// balance at zero when credits were already spent.
func (r *Reconciler) paypalRefund(ctx context.Context, evt paypal.Event) (Outcome, error) {
	res := evt.Resource
	refundID := strings.TrimSpace(res.ID)
	captureID := res.CaptureID()
	if refundID == "" || res.Amount == nil {
		return r.ignored("refund without id or amount")
	}
	amount, err := res.Amount.Decimal()
	if err != nil || !amount.IsPositive() {
		return r.ignored(fmt.Sprintf("refund %s has invalid amount", refundID))
	}
	original, err := r.ledger.FindByReference(ctx, captureID, ledger.TypeTopUp)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return r.ignored("no top-up for capture " + captureID)
		}
		return Outcome{}, err
	}
	if original.Status != ledger.StatusCompleted {
		return r.ignored(fmt.Sprintf("top-up for capture %s is %s", captureID, original.Status))
	}
	txn, err := r.ledger.Record(ctx, billing.RecordRequest{
		UserID:      original.UserID,
		Type:        ledger.TypeRefund,
		Amount:      amount,
		Description: "PayPal refund",
		ReferenceID: refundID,
		Status:      ledger.StatusCompleted,
		ParentID:    original.ID,
		Metadata: r.stamp(evt.EventType, evt.ID).Merge(ledger.Metadata{
			"originalCaptureId":     captureID,
			"originalTransactionId": original.ID,
		}),
		Event: &ledger.EventKey{Provider: providerPayPal, ReferenceID: refundID, EventType: paypal.EventCaptureRefunded},
	})
	return r.settle(ActionRefunded, txn, err, refundID)
}
