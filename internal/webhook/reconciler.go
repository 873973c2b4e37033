// Package webhook reconciles payment provider notifications with the ledger.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/metrics"
)

// Ledger is the subset of billing.Service the reconciler needs.
type Ledger interface {
	Record(ctx context.Context, req billing.RecordRequest) (ledger.Transaction, error)
	Transition(ctx context.Context, req ledger.TransitionRequest) (ledger.Transaction, error)
	FindByReference(ctx context.Context, referenceID string, txType ledger.TxType) (ledger.Transaction, error)
}

// Action describes what a notification did to the ledger.
type Action string

const (
	ActionCredited  Action = "credited"
	ActionFailed    Action = "failed"
	ActionCancelled Action = "cancelled"
	ActionRefunded  Action = "refunded"
	ActionDuplicate Action = "duplicate"
	ActionIgnored   Action = "ignored"
	// ActionError is only counted in metrics; the caller sees the store error.
	ActionError Action = "error"
)

// Outcome is the result of reconciling one notification.
type Outcome struct {
	Action      Action              `json:"action"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// Reconciler applies provider events exactly once. Duplicates, unknown
// references and unhandled event types are accepted as no-ops; only store
// failures surface as errors so the provider retries.
type Reconciler struct {
	ledger  Ledger
	logger  *logging.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New builds a Reconciler.
func New(l Ledger, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{ledger: l, logger: logger, now: time.Now}
}

// Observe counts every outcome in c and returns r.
func (r *Reconciler) Observe(c *metrics.Collector) *Reconciler {
	r.metrics = c
	return r
}

func (r *Reconciler) observe(provider string, out Outcome, err error) {
	action := out.Action
	if err != nil {
		action = ActionError
	}
	credited := decimal.Zero
	if action == ActionCredited && out.Transaction != nil {
		credited = out.Transaction.Amount
	}
	r.metrics.RecordWebhook(provider, string(action), credited)
}

func (r *Reconciler) ignored(reason string) (Outcome, error) {
	r.logger.Debugf("ignored: %s", reason)
	return Outcome{Action: ActionIgnored, Reason: reason}, nil
}

func (r *Reconciler) applied(action Action, txn ledger.Transaction) (Outcome, error) {
	r.logger.Infof("%s %s user=%s amount=%s ref=%s", action, txn.Type, txn.UserID, txn.Amount.StringFixed(2), txn.ReferenceID)
	return Outcome{Action: action, Transaction: &txn}, nil
}

// settle maps duplicate and not-found outcomes of a ledger write to no-ops.
func (r *Reconciler) settle(action Action, txn ledger.Transaction, err error, ref string) (Outcome, error) {
	switch {
	case err == nil:
		return r.applied(action, txn)
	case errors.Is(err, ledger.ErrDuplicateEvent):
		r.logger.Infof("duplicate: %s already processed (%v)", ref, err)
		return Outcome{Action: ActionDuplicate, Reason: err.Error()}, nil
	case errors.Is(err, ledger.ErrNotFound):
		return r.ignored("no pending transaction for " + ref)
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, ledger.ErrRefundExhausted):
		return r.ignored(err.Error())
	}
	return Outcome{}, err
}

func (r *Reconciler) stamp(eventType, eventID string) ledger.Metadata {
	meta := ledger.Metadata{
		"webhookEvent":     eventType,
		"webhookTimestamp": r.now().UTC().Format(time.RFC3339),
	}
	if eventID != "" {
		meta["webhookEventId"] = eventID
	}
	return meta
}
