package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/payment/coinbase"
)

const (
	providerCoinbase = "coinbase"
	// confirmed and resolved both settle a charge; they share one event key.
	coinbaseCredited = "charge:credited"
)

// ReconcileCoinbase applies a verified Coinbase Commerce notification.
func (r *Reconciler) ReconcileCoinbase(ctx context.Context, evt coinbase.Event) (Outcome, error) {
	out, err := r.reconcileCoinbase(ctx, evt)
	r.observe(providerCoinbase, out, err)
	return out, err
}

func (r *Reconciler) reconcileCoinbase(ctx context.Context, evt coinbase.Event) (Outcome, error) {
	r.logger.Debugf("coinbase %s charge=%s", evt.Type, evt.Data.Code)
	switch evt.Type {
	case coinbase.EventChargeConfirmed, coinbase.EventChargeResolved:
		return r.coinbaseCredit(ctx, evt)
	case coinbase.EventChargeFailed:
		return r.coinbaseClose(ctx, evt, ledger.StatusFailed, ActionFailed)
	case coinbase.EventChargeExpired, coinbase.EventChargeCanceled:
		return r.coinbaseClose(ctx, evt, ledger.StatusCancelled, ActionCancelled)
	}
	return r.ignored("unhandled coinbase event " + evt.Type)
}

func (r *Reconciler) coinbaseCredit(ctx context.Context, evt coinbase.Event) (Outcome, error) {
	data := evt.Data
	if data.Code == "" {
		return r.ignored("charge without code")
	}
	amount, err := data.Amount()
	if err != nil || !amount.IsPositive() {
		return r.ignored(fmt.Sprintf("charge %s has invalid amount %q", data.Code, data.Pricing.Local.Amount))
	}
	meta := r.stamp(evt.Type, evt.ID).Merge(ledger.Metadata{
		"coinbaseCode":  data.Code,
		"paymentMethod": "coinbase",
		"transactionId": data.TransactionID(),
	})
	key := &ledger.EventKey{Provider: providerCoinbase, ReferenceID: data.Code, EventType: coinbaseCredited}

	txn, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
		ReferenceID: data.Code,
		Type:        ledger.TypeTopUp,
		To:          ledger.StatusCompleted,
		Amount:      amount,
		Metadata:    meta,
		Event:       key,
	})
	userID := data.UserID()
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		// Charges created outside checkout have no pending row.
	case errors.Is(err, ledger.ErrDuplicateEvent):
		// A charge resolved after it failed or expired is still paid.
		prior, findErr := r.ledger.FindByReference(ctx, data.Code, ledger.TypeTopUp)
		if findErr != nil || prior.Status == ledger.StatusCompleted {
			return r.settle(ActionCredited, txn, err, data.Code)
		}
		userID = prior.UserID
	default:
		return r.settle(ActionCredited, txn, err, data.Code)
	}

	if userID == "" {
		return r.ignored("charge " + data.Code + " has no user id")
	}
	txn, err = r.ledger.Record(ctx, billing.RecordRequest{
		UserID:      userID,
		Type:        ledger.TypeTopUp,
		Amount:      amount,
		Description: "Top-up via Coinbase",
		ReferenceID: data.Code,
		Status:      ledger.StatusCompleted,
		Metadata:    meta,
		Event:       key,
	})
	return r.settle(ActionCredited, txn, err, data.Code)
}

func (r *Reconciler) coinbaseClose(ctx context.Context, evt coinbase.Event, to ledger.Status, action Action) (Outcome, error) {
	if evt.Data.Code == "" {
		return r.ignored("charge without code")
	}
	txn, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
		ReferenceID: evt.Data.Code,
		Type:        ledger.TypeTopUp,
		To:          to,
		Metadata:    r.stamp(evt.Type, evt.ID),
	})
	return r.settle(action, txn, err, evt.Data.Code)
}
