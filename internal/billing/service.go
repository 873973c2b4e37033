// Package billing implements the credit operations exposed to users, admins
// and payment webhooks on top of a ledger.Store.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/metrics"
)

// UserDirectory answers whether a user id belongs to a registered account.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// UsageQueue accepts usage logs for asynchronous persistence.
type UsageQueue interface {
	Enqueue(entry ledger.UsageLog) bool
}

// Policy holds the pricing and checkout limits.
type Policy struct {
	Currency       string
	UnitPrice      decimal.Decimal
	TopUpMin       decimal.Decimal
	TopUpMax       decimal.Decimal
	PaymentMethods []string
}

// DefaultPolicy mirrors the shipped billing_policy.yaml.
func DefaultPolicy() Policy {
	return Policy{
		Currency:       "USD",
		UnitPrice:      decimal.NewFromInt(1),
		TopUpMin:       decimal.RequireFromString("0.01"),
		TopUpMax:       decimal.NewFromInt(10000),
		PaymentMethods: []string{"paypal", "coinbase"},
	}
}

// MethodEnabled reports whether method is an accepted payment method.
func (p Policy) MethodEnabled(method string) bool {
	for _, m := range p.PaymentMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Options wires a Service.
type Options struct {
	Store  ledger.Store
	Users  UserDirectory
	Usage  UsageQueue
	Policy Policy
	Logger *logging.Logger
	// Metrics counts deductions; nil disables counting.
	Metrics *metrics.Collector
}

// Service is the single entry point for balance-affecting operations.
type Service struct {
	store   ledger.Store
	users   UserDirectory
	usage   UsageQueue
	policy  Policy
	logger  *logging.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New constructs a Service. Store is required.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("billing: store is required")
	}
	policy := opts.Policy
	def := DefaultPolicy()
	if policy.Currency == "" {
		policy.Currency = def.Currency
	}
	if !policy.UnitPrice.IsPositive() {
		policy.UnitPrice = def.UnitPrice
	}
	if !policy.TopUpMin.IsPositive() {
		policy.TopUpMin = def.TopUpMin
	}
	if !policy.TopUpMax.IsPositive() {
		policy.TopUpMax = def.TopUpMax
	}
	if len(policy.PaymentMethods) == 0 {
		policy.PaymentMethods = def.PaymentMethods
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:   opts.Store,
		users:   opts.Users,
		usage:   opts.Usage,
		policy:  policy,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Policy returns the effective pricing policy.
func (s *Service) Policy() Policy { return s.policy }

// Store exposes the underlying ledger store.
func (s *Service) Store() ledger.Store { return s.store }

// RecordRequest is the input of Record.
type RecordRequest struct {
	UserID      string
	Type        ledger.TxType
	Amount      decimal.Decimal
	Description string
	ReferenceID string
	Status      ledger.Status
	Metadata    ledger.Metadata
	// ParentID is the top-up a refund reverses.
	ParentID string
	// Event, when set, is claimed in the same database transaction.
	Event *ledger.EventKey
}

// Record writes one transaction. When the status is completed the balance is
// updated atomically with the insert. It is the only writer of new rows.
func (s *Service) Record(ctx context.Context, req RecordRequest) (ledger.Transaction, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledger.Transaction{}, ledger.ValidationError("user_id", "is required")
	}
	if !req.Type.Valid() {
		return ledger.Transaction{}, ledger.ValidationError("type", fmt.Sprintf("%q is not supported", req.Type))
	}
	if req.Status == "" {
		req.Status = ledger.StatusCompleted
	}
	if !req.Status.Valid() {
		return ledger.Transaction{}, ledger.ValidationError("status", fmt.Sprintf("%q is not supported", req.Status))
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return ledger.Transaction{}, err
	}
	meta := req.Metadata
	if meta == nil {
		meta = ledger.Metadata{}
	}
	txn, err := s.store.Record(ctx, ledger.Transaction{
		UserID:      userID,
		Type:        req.Type,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		ParentID:    strings.TrimSpace(req.ParentID),
		Status:      req.Status,
		Metadata:    meta,
		CreatedAt:   s.now().UTC(),
	}, req.Event)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Infof("recorded %s %s user=%s amount=%s ref=%s id=%s",
		txn.Status, txn.Type, txn.UserID, txn.Amount.StringFixed(2), txn.ReferenceID, txn.ID)
	return txn, nil
}

// Balance returns the account of userID, creating a zero account when absent.
func (s *Service) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledger.Account{}, ledger.ValidationError("user_id", "is required")
	}
	return s.store.EnsureAccount(ctx, userID)
}

// Transition moves a pending transaction to a terminal status.
func (s *Service) Transition(ctx context.Context, req ledger.TransitionRequest) (ledger.Transaction, error) {
	txn, err := s.store.Transition(ctx, req)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Infof("transitioned %s %s user=%s amount=%s ref=%s id=%s",
		txn.Type, txn.Status, txn.UserID, txn.Amount.StringFixed(2), txn.ReferenceID, txn.ID)
	return txn, nil
}

// FindByReference locates a transaction by its external reference.
func (s *Service) FindByReference(ctx context.Context, referenceID string, txType ledger.TxType) (ledger.Transaction, error) {
	return s.store.FindByReference(ctx, referenceID, txType)
}

// ListTransactions lists transactions newest first.
func (s *Service) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// GetTransaction loads one transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return ledger.Transaction{}, ledger.ValidationError("id", "is required")
	}
	return s.store.GetTransaction(ctx, id)
}

func (s *Service) reference(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, s.now().UnixNano())
}
