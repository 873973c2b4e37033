package billing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/ledger/sqlite"
)

type fakeDirectory map[string]bool

func (d fakeDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	return d[userID], nil
}

type captureQueue struct {
	mu      sync.Mutex
	entries []ledger.UsageLog
}

func (q *captureQueue) Enqueue(entry ledger.UsageLog) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return true
}

func newService(t *testing.T, queue UsageQueue) *Service {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := New(Options{
		Store: store,
		Users: fakeDirectory{"u1": true, "u2": true},
		Usage: queue,
	})
	require.NoError(t, err)
	return svc
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var admin = Actor{UserID: "admin-1", Role: "admin"}

func TestRecordValidation(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	cases := []RecordRequest{
		{UserID: "", Type: ledger.TypeTopUp, Amount: amt("1")},
		{UserID: "u1", Type: "bonus", Amount: amt("1")},
		{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("0")},
		{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("-5")},
		{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("1"), Status: "settled"},
	}
	for _, c := range cases {
		_, err := svc.Record(ctx, c)
		assert.ErrorIs(t, err, ledger.ErrValidation, "request %+v", c)
	}
	acct, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestBalanceCreatesZeroAccount(t *testing.T) {
	svc := newService(t, nil)
	acct, err := svc.Balance(context.Background(), "new-user")
	require.NoError(t, err)
	assert.Equal(t, "new-user", acct.UserID)
	assert.True(t, acct.Balance.IsZero())
	assert.True(t, acct.TotalSpent.IsZero())
	assert.True(t, acct.TotalToppedUp.IsZero())
}

func TestWelcomeCreditThenDeductScenario(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	_, err := svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "u1", Amount: amt("50"), Description: "welcome credit"})
	require.NoError(t, err)
	acct, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", acct.Balance.StringFixed(2))
	assert.Equal(t, "50.00", acct.TotalToppedUp.StringFixed(2))

	res, err := svc.Deduct(ctx, "u1", amt("1.00"), "api_call", nil)
	require.NoError(t, err)
	assert.Equal(t, "49.00", res.RemainingBalance.StringFixed(2))
	assert.Equal(t, ledger.TypeUsage, res.Transaction.Type)
	acct, _ = svc.Balance(ctx, "u1")
	assert.Equal(t, "1.00", acct.TotalSpent.StringFixed(2))

	_, err = svc.Deduct(ctx, "u1", amt("100.00"), "too much", nil)
	var insufficient *ledger.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Equal(t, "49.00", insufficient.Balance.StringFixed(2))
	acct, _ = svc.Balance(ctx, "u1")
	assert.Equal(t, "49.00", acct.Balance.StringFixed(2))

	txns, err := svc.ListTransactions(ctx, ledger.TransactionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestAdminRoundTrip(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	_, err := svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "u2", Amount: amt("7.5")})
	require.NoError(t, err)
	before, _ := svc.Balance(ctx, "u2")

	top, err := svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "u2", Amount: amt("100"), Note: "goodwill"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(top.ReferenceID, "admin_manual_"))
	assert.Equal(t, "admin_panel", top.Metadata.String("source"))
	assert.Equal(t, "goodwill", top.Metadata.String("note"))
	assert.Equal(t, "admin-1", top.Metadata.String("actor"))
	assert.Equal(t, "Admin manual top-up", top.Description)

	res, err := svc.AdminDeduct(ctx, admin, AdminAdjustment{UserID: "u2", Amount: amt("100")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Transaction.ReferenceID, "admin_deduct_"))
	assert.Equal(t, "Admin manual deduction", res.Transaction.Description)
	assert.True(t, res.RemainingBalance.Equal(before.Balance))

	txns, err := svc.ListTransactions(ctx, ledger.TransactionFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, txns, 3)
	for _, txn := range txns {
		assert.Equal(t, ledger.StatusCompleted, txn.Status)
	}
	assert.Equal(t, ledger.TypeUsage, txns[0].Type)
	assert.Equal(t, ledger.TypeTopUp, txns[1].Type)
}

func TestAdminGuards(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	_, err := svc.AdminTopUp(ctx, Actor{UserID: "u1", Role: "user"}, AdminAdjustment{UserID: "u1", Amount: amt("5")})
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "ghost", Amount: amt("5")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "", Amount: amt("5")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = svc.AdminDeduct(ctx, admin, AdminAdjustment{UserID: "u1", Amount: amt("0")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = svc.AdminDeduct(ctx, admin, AdminAdjustment{UserID: "u1", Amount: amt("1")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
}

func TestDeductUnitChargesUnitPrice(t *testing.T) {
	queue := &captureQueue{}
	svc := newService(t, queue)
	ctx := context.Background()
	_, err := svc.AdminTopUp(ctx, admin, AdminAdjustment{UserID: "u1", Amount: amt("3")})
	require.NoError(t, err)

	res, err := svc.DeductUnit(ctx, UnitDeduction{UserID: "u1", TokenID: "tok-1", ServiceType: "chat", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "1.00", res.Deducted.StringFixed(2))
	assert.Equal(t, "2.00", res.RemainingBalance.StringFixed(2))
	assert.Equal(t, "tok-1", res.Transaction.Metadata.String("tokenId"))
	assert.Equal(t, "chat", res.Transaction.Metadata.String("serviceType"))

	require.Len(t, queue.entries, 1)
	entry := queue.entries[0]
	assert.Equal(t, "api-deduction", entry.ModelUsed)
	assert.EqualValues(t, 1, entry.TokensUsed)
	assert.Equal(t, "req-1", entry.RequestID)
}

func TestDeductUnitUsesConfiguredPrice(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()
	policy := DefaultPolicy()
	policy.UnitPrice = amt("0.25")
	svc, err := New(Options{Store: store, Policy: policy})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Record(ctx, RecordRequest{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("1")})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = svc.DeductUnit(ctx, UnitDeduction{UserID: "u1"})
		require.NoError(t, err)
	}
	_, err = svc.DeductUnit(ctx, UnitDeduction{UserID: "u1"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)

	logs, err := store.UsageSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, logs, 4)
}

func TestRecordUsage(t *testing.T) {
	queue := &captureQueue{}
	svc := newService(t, queue)
	ctx := context.Background()
	_, err := svc.Record(ctx, RecordRequest{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("2")})
	require.NoError(t, err)

	_, err = svc.RecordUsage(ctx, "u1", UsageRequest{Cost: amt("1")})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = svc.RecordUsage(ctx, "u1", UsageRequest{ServiceType: "chat", Cost: amt("-1")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	res, err := svc.RecordUsage(ctx, "u1", UsageRequest{ServiceType: "chat", TokensUsed: 1200, Cost: amt("0.75"), ModelUsed: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "1.25", res.RemainingBalance.StringFixed(2))
	assert.Equal(t, "Usage: chat", res.Transaction.Description)

	res, err = svc.RecordUsage(ctx, "u1", UsageRequest{ServiceType: "embeddings", Cost: decimal.Zero})
	require.NoError(t, err)
	assert.Equal(t, "1.25", res.RemainingBalance.StringFixed(2))

	_, err = svc.RecordUsage(ctx, "u1", UsageRequest{ServiceType: "chat", Cost: amt("5")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
	assert.Len(t, queue.entries, 2)
}

func TestBeginTopUpIsPending(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	_, err := svc.BeginTopUp(ctx, TopUpRequest{UserID: "u1", Amount: amt("20000"), Method: "paypal", ReferenceID: "ORDER-1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = svc.BeginTopUp(ctx, TopUpRequest{UserID: "u1", Amount: amt("10"), Method: "stripe", ReferenceID: "ORDER-1"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = svc.BeginTopUp(ctx, TopUpRequest{UserID: "u1", Amount: amt("10"), Method: "paypal"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	txn, err := svc.BeginTopUp(ctx, TopUpRequest{UserID: "u1", Amount: amt("10"), Method: "PayPal", ReferenceID: "ORDER-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, txn.Status)
	assert.Equal(t, "paypal", txn.Metadata.String("paymentMethod"))
	assert.Equal(t, "Top-up via PayPal", txn.Description)

	acct, _ := svc.Balance(ctx, "u1")
	assert.True(t, acct.Balance.IsZero())
}

func TestBillingInfoAndAnalytics(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	store := svc.Store()

	now := time.Now().UTC()
	require.NoError(t, store.RecordUsage(ctx,
		ledger.UsageLog{ID: "l1", UserID: "u1", ServiceType: "chat", TokensUsed: 10, Cost: amt("1"), CreatedAt: now.Add(-time.Hour)},
		ledger.UsageLog{ID: "l2", UserID: "u1", ServiceType: "chat", TokensUsed: 30, Cost: amt("2"), CreatedAt: now.Add(-time.Hour)},
		ledger.UsageLog{ID: "l3", UserID: "u1", ServiceType: "vision", TokensUsed: 5, Cost: amt("0.5"), CreatedAt: now.AddDate(0, 0, -3)},
		ledger.UsageLog{ID: "l4", UserID: "u1", ServiceType: "chat", TokensUsed: 1, Cost: amt("9"), CreatedAt: now.AddDate(0, 0, -60)},
	))
	for i := 0; i < 12; i++ {
		_, err := svc.Record(ctx, RecordRequest{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("1")})
		require.NoError(t, err)
	}

	info, err := svc.BillingInfo(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "12.00", info.Credits.Balance.StringFixed(2))
	assert.Len(t, info.Transactions, 10)
	require.NotEmpty(t, info.MonthlyUsage)
	var total decimal.Decimal
	for _, m := range info.MonthlyUsage {
		total = total.Add(m.TotalCost)
	}
	assert.Equal(t, "12.50", total.StringFixed(2))

	analytics, err := svc.UsageAnalytics(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 30, analytics.Period)
	require.Len(t, analytics.ServiceBreakdown, 2)
	chat := analytics.ServiceBreakdown[0]
	assert.Equal(t, "chat", chat.ServiceType)
	assert.Equal(t, "3.00", chat.TotalCost.StringFixed(2))
	assert.EqualValues(t, 2, chat.UsageCount)
	assert.EqualValues(t, 40, chat.TotalTokens)
	assert.Equal(t, "1.50", chat.AvgCostPerRequest.StringFixed(2))
	assert.NotEmpty(t, analytics.DailyUsage)
}

func TestClampDays(t *testing.T) {
	assert.Equal(t, 30, ClampDays(0))
	assert.Equal(t, 30, ClampDays(-4))
	assert.Equal(t, 1, ClampDays(1))
	assert.Equal(t, 365, ClampDays(1000))
}

func TestConcurrentUnitDeductions(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	_, err := svc.Record(ctx, RecordRequest{UserID: "u1", Type: ledger.TypeTopUp, Amount: amt("5")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DeductUnit(ctx, UnitDeduction{UserID: "u1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientCredit):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 7, rejected)
	acct, _ := svc.Balance(ctx, "u1")
	assert.True(t, acct.Balance.IsZero())
}
