package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxType classifies a credit transaction.
type TxType string

const (
	TypeTopUp  TxType = "topup"
	TypeUsage  TxType = "usage"
	TypeRefund TxType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TypeTopUp, TypeUsage, TypeRefund:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transaction is one row of the credit log. Only completed rows affect the balance.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id,omitempty"`
	// ParentID links a refund to the top-up it reverses.
	ParentID  string    `json:"parent_id,omitempty"`
	Status    Status    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account is the denormalized balance record of a user.
type Account struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalToppedUp decimal.Decimal `json:"total_topped_up"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EventKey identifies one external provider event. A key is accepted once.
type EventKey struct {
	Provider    string
	ReferenceID string
	EventType   string
}

// TransitionRequest moves a pending transaction, located by reference, to a terminal status.
type TransitionRequest struct {
	ReferenceID string
	Type        TxType
	To          Status
	// NewReferenceID replaces the reference (for example order id to capture id).
	NewReferenceID string
	// Amount overrides the recorded amount when non-zero.
	Amount   decimal.Decimal
	Metadata Metadata
	Event    *EventKey
}

// TransactionFilter narrows ListTransactions. Zero values mean no filter.
type TransactionFilter struct {
	UserID string
	Type   TxType
	Status Status
	Limit  int
	Offset int
}

// Stats aggregates ledger-wide figures for the admin dashboard.
type Stats struct {
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	TotalUsage       decimal.Decimal `json:"total_usage"`
	TotalRefunded    decimal.Decimal `json:"total_refunded"`
	TotalUsageCost   decimal.Decimal `json:"total_usage_cost"`
	Accounts         int64           `json:"accounts"`
	Transactions     int64           `json:"transactions"`
	PendingTopUps    int64           `json:"pending_topups"`
	OutstandingFunds decimal.Decimal `json:"outstanding_balance"`
}

// UsageLog is an analytics row describing one billable request.
type UsageLog struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ServiceType string          `json:"service_type"`
	TokensUsed  int64           `json:"tokens_used"`
	Cost        decimal.Decimal `json:"cost"`
	ModelUsed   string          `json:"model_used"`
	RequestID   string          `json:"request_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store persists accounts, transactions and usage logs.
//
// Record and Transition are the only calls that change balances; each runs in a
// single database transaction together with the row write and the event claim.
type Store interface {
	EnsureAccount(ctx context.Context, userID string) (Account, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
	ListAccounts(ctx context.Context, userIDs []string) (map[string]Account, error)

	Record(ctx context.Context, txn Transaction, event *EventKey) (Transaction, error)
	Transition(ctx context.Context, req TransitionRequest) (Transaction, error)

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	FindByReference(ctx context.Context, referenceID string, txType TxType) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	Stats(ctx context.Context) (Stats, error)

	RecordUsage(ctx context.Context, logs ...UsageLog) error
	UsageSince(ctx context.Context, userID string, since time.Time) ([]UsageLog, error)

	Close() error
}
