package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/health"
	"github.com/outsoor/billing/internal/ledger"
	ledgersqlite "github.com/outsoor/billing/internal/ledger/sqlite"
	"github.com/outsoor/billing/internal/metrics"
	"github.com/outsoor/billing/internal/payment/coinbase"
	"github.com/outsoor/billing/internal/payment/paypal"
	"github.com/outsoor/billing/internal/userstore"
	usersqlite "github.com/outsoor/billing/internal/userstore/sqlite"
	"github.com/outsoor/billing/internal/webhook"
)

type fakePayPal struct {
	cfg       paypal.Config
	verifyErr error
	order     paypal.Order
	captured  paypal.Order
	verified  int
}

func (f *fakePayPal) Config() paypal.Config { return f.cfg }

func (f *fakePayPal) CreateOrder(_ context.Context, req paypal.OrderRequest) (paypal.Order, error) {
	return f.order, nil
}

func (f *fakePayPal) CaptureOrder(_ context.Context, orderID string) (paypal.Order, error) {
	if orderID != f.captured.ID {
		return paypal.Order{}, fmt.Errorf("%w: 404 RESOURCE_NOT_FOUND", paypal.ErrAPI)
	}
	return f.captured, nil
}

func (f *fakePayPal) VerifyWebhook(_ context.Context, _ paypal.Transmission, _ []byte) error {
	f.verified++
	return f.verifyErr
}

type fakeCoinbase struct{ charge coinbase.Charge }

func (f *fakeCoinbase) CreateCharge(_ context.Context, req coinbase.ChargeRequest) (coinbase.Charge, error) {
	return f.charge, nil
}

const coinbaseSecret = "whsec-test"

type captureNotifier struct{ notices []PasswordResetNotice }

func (c *captureNotifier) NotifyPasswordReset(_ context.Context, notice PasswordResetNotice) error {
	c.notices = append(c.notices, notice)
	return nil
}

type fixture struct {
	handler  http.Handler
	svc      *billing.Service
	identity userstore.Store
	auth     *auth.Manager
	paypal   *fakePayPal
	coinbase *fakeCoinbase
	resets   *captureNotifier
	ledgerDB *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerStore.Close() })
	identity, err := usersqlite.New(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = identity.Close() })

	svc, err := billing.New(billing.Options{Store: ledgerStore, Users: userstore.Directory{Store: identity}})
	require.NoError(t, err)
	pp := &fakePayPal{cfg: paypal.Config{ClientID: "client-id", ClientSecret: "secret", WebhookID: "WH-ID", Sandbox: true}}
	cb := &fakeCoinbase{}
	mgr := auth.NewManager("test-secret-0123456789")
	resets := &captureNotifier{}
	srv := New(Options{
		Billing:               svc,
		Reconciler:            webhook.New(svc, nil),
		Identity:              identity,
		Auth:                  mgr,
		PayPal:                pp,
		Coinbase:              cb,
		CoinbaseWebhookSecret: coinbaseSecret,
		AppURL:                "https://app.example.com",
		AllowSignup:           true,
		ResetNotifier:         resets,
		Health: health.New(health.Config{
			Databases:          map[string]*sql.DB{"ledger_db": ledgerStore.DB(), "identity_db": identity.DB()},
			MaxDatabaseLatency: time.Minute,
		}),
	})
	return &fixture{handler: srv.Router(), svc: svc, identity: identity, auth: mgr, paypal: pp, coinbase: cb, resets: resets, ledgerDB: ledgerStore.DB()}
}

func (f *fixture) user(t *testing.T, email string, role userstore.Role) (*userstore.User, string) {
	t.Helper()
	u, err := f.identity.CreateUser(context.Background(), email, email, "", role)
	require.NoError(t, err)
	session, err := f.auth.IssueToken(u.ID, 0)
	require.NoError(t, err)
	return u, session
}

func (f *fixture) credit(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.svc.AdminTopUp(context.Background(), billing.Actor{UserID: "root", Role: "admin"},
		billing.AdminAdjustment{UserID: userID, Amount: decimal.RequireFromString(amount)})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	acct, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance.StringFixed(2)
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	components, ok := body["components"].([]any)
	require.True(t, ok)
	assert.Len(t, components, 2)

	require.NoError(t, f.ledgerDB.Close())
	rec, body = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestDeductCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.user(t, "dev@example.com", userstore.RoleUser)
	_, secret, err := f.identity.CreateToken(ctx, u.ID, "ci")
	require.NoError(t, err)
	f.credit(t, u.ID, "50.00")

	rec, body := f.do(t, http.MethodPost, "/api/deduct-credits", secret, map[string]string{"serviceType": "chat", "requestId": "req-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1.0, body["deducted"])
	assert.Equal(t, 49.0, body["remaining_balance"])
	assert.NotEmpty(t, body["transaction_id"])
	assert.Equal(t, "49.00", f.balance(t, u.ID))

	txn, err := f.svc.GetTransaction(ctx, body["transaction_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "chat", txn.Metadata["serviceType"])
	assert.Equal(t, "req-1", txn.Metadata["requestId"])

	// The body is optional.
	rec, _ = f.do(t, http.MethodPost, "/api/deduct-credits", secret, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "48.00", f.balance(t, u.ID))
}

func TestDeductCreditsRejections(t *testing.T) {
	f := newFixture(t)
	u, _ := f.user(t, "broke@example.com", userstore.RoleUser)
	_, secret, err := f.identity.CreateToken(context.Background(), u.ID, "ci")
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/api/deduct-credits", secret, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Insufficient credits", body["error"])
	assert.Equal(t, 0.0, body["current_balance"])
	assert.Equal(t, 1.0, body["required"])

	rec, _ = f.do(t, http.MethodPost, "/api/deduct-credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/deduct-credits", "ptr_"+strings.Repeat("0", 64), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t)
	u, _ := f.user(t, "v@example.com", userstore.RoleUser)
	_, secret, err := f.identity.CreateToken(context.Background(), u.ID, "laptop")
	require.NoError(t, err)

	cases := []struct {
		body   string
		status int
		code   string
	}{
		{`{}`, http.StatusBadRequest, "MISSING_TOKEN"},
		{`{"token": 42}`, http.StatusBadRequest, "INVALID_TOKEN_TYPE"},
		{`{"token": "sk_abcdefghijklmnopqrstuvwxyz"}`, http.StatusBadRequest, "INVALID_TOKEN_FORMAT"},
		{`{"token": "ptr_short"}`, http.StatusBadRequest, "TOKEN_TOO_SHORT"},
		{`{"token": "ptr_` + strings.Repeat("a", 64) + `"}`, http.StatusUnauthorized, "INVALID_TOKEN"},
		{`{"token": "` + secret + `"}`, http.StatusOK, "TOKEN_VALID"},
	}
	for _, tc := range cases {
		rec, body := f.do(t, http.MethodPost, "/api/verify-token", "", tc.body)
		assert.Equal(t, tc.status, rec.Code, tc.body)
		assert.Equal(t, tc.code, body["code"], tc.body)
	}

	_, body := f.do(t, http.MethodPost, "/api/verify-token", "", `{"token": "`+secret+`"}`)
	info := body["token_info"].(map[string]any)
	assert.Equal(t, "laptop", info["name"])
	assert.Equal(t, u.ID, info["user_id"])
	assert.Equal(t, "v@example.com", info["user_email"])
}

func paypalHeaders() []string {
	return []string{
		"Paypal-Transmission-Id", "tx-1",
		"Paypal-Transmission-Time", "2025-10-26T10:00:00Z",
		"Paypal-Transmission-Sig", "sig",
		"Paypal-Cert-Url", "https://api.paypal.com/v1/notifications/certs/CERT",
		"Paypal-Auth-Algo", "SHA256withRSA",
	}
}

func captureBody(eventID, orderID, captureID, value string) string {
	return fmt.Sprintf(`{"id":%q,"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":%q,"status":"COMPLETED","amount":{"currency_code":"USD","value":%q},"supplementary_data":{"related_ids":{"order_id":%q}}}}`,
		eventID, captureID, value, orderID)
}

func TestPayPalWebhook(t *testing.T) {
	f := newFixture(t)
	u, _ := f.user(t, "payer@example.com", userstore.RoleUser)
	_, err := f.svc.BeginTopUp(context.Background(), billing.TopUpRequest{
		UserID: u.ID, Amount: decimal.RequireFromString("20"), Method: "paypal", ReferenceID: "ORDER-1",
	})
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-1", "ORDER-1", "CAP-1", "20.00"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing transmission headers")
	assert.Equal(t, 0, f.paypal.verified)

	rec, body := f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-1", "ORDER-1", "CAP-1", "20.00"), paypalHeaders()...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "credited", body["action"])
	assert.Equal(t, "20.00", f.balance(t, u.ID))

	rec, body = f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-2", "ORDER-1", "CAP-1", "20.00"), paypalHeaders()...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", body["action"])
	assert.Equal(t, "20.00", f.balance(t, u.ID))

	f.paypal.verifyErr = paypal.ErrInvalidSignature
	rec, _ = f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-3", "ORDER-1", "CAP-1", "20.00"), paypalHeaders()...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.paypal.verifyErr = fmt.Errorf("%w: 503", paypal.ErrAPI)
	rec, _ = f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-3", "ORDER-1", "CAP-1", "20.00"), paypalHeaders()...)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCoinbaseWebhook(t *testing.T) {
	f := newFixture(t)
	u, _ := f.user(t, "crypto@example.com", userstore.RoleUser)
	payload := []byte(fmt.Sprintf(`{"event":{"id":"evt-1","type":"charge:confirmed","data":{"id":"c-1","code":"CODE1","metadata":{"userId":%q},"pricing":{"local":{"amount":"15.00","currency":"USD"}}}}}`, u.ID))

	rec, _ := f.do(t, http.MethodPost, "/api/coinbase/webhook", "", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing signature")

	rec, _ = f.do(t, http.MethodPost, "/api/coinbase/webhook", "", payload, coinbase.SignatureHeader, coinbase.Sign(payload, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sig := coinbase.Sign(payload, coinbaseSecret)
	rec, body := f.do(t, http.MethodPost, "/api/coinbase/webhook", "", payload, coinbase.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "credited", body["action"])
	assert.Equal(t, "15.00", f.balance(t, u.ID))

	rec, body = f.do(t, http.MethodPost, "/api/coinbase/webhook", "", payload, coinbase.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", body["action"])
	assert.Equal(t, "15.00", f.balance(t, u.ID))
}

func TestCoinbaseWebhookMixedMetadata(t *testing.T) {
	f := newFixture(t)
	u, _ := f.user(t, "mixed@example.com", userstore.RoleUser)
	payload := []byte(fmt.Sprintf(`{"event":{"id":"evt-9","type":"charge:confirmed","data":{"code":"CODE9","metadata":{"userId":%q,"plan":5,"promo":null,"tags":["a"]},"pricing":{"local":{"amount":"7.50","currency":"USD"}}}}}`, u.ID))

	rec, body := f.do(t, http.MethodPost, "/api/coinbase/webhook", "", payload, coinbase.SignatureHeader, coinbase.Sign(payload, coinbaseSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "credited", body["action"])
	assert.Equal(t, "7.50", f.balance(t, u.ID))
}

func TestCoinbaseWebhookWithoutSecret(t *testing.T) {
	handler := New(Options{}).Router()
	payload := []byte(`{"event":{"type":"charge:confirmed","data":{"code":"CODE1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/coinbase/webhook", bytes.NewReader(payload))
	req.Header.Set(coinbase.SignatureHeader, coinbase.Sign(payload, "anything"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayPalCheckoutCapture(t *testing.T) {
	f := newFixture(t)
	u, session := f.user(t, "buyer@example.com", userstore.RoleUser)
	_, other := f.user(t, "other@example.com", userstore.RoleUser)
	f.paypal.order = paypal.Order{ID: "ORDER-9", Status: "CREATED", Links: []paypal.Link{{Rel: "approve", Href: "https://paypal.example/approve"}}}

	rec, body := f.do(t, http.MethodPost, "/api/v1/billing/paypal/orders", session, map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/billing/paypal/orders", session, map[string]any{"amount": "30.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ORDER-9", body["order_id"])
	assert.Equal(t, "https://paypal.example/approve", body["approve_url"])
	assert.Equal(t, "0.00", f.balance(t, u.ID))

	captured := paypal.Order{ID: "ORDER-9", Status: "COMPLETED"}
	captured.PurchaseUnits = []paypal.PurchaseUnit{{}}
	captured.PurchaseUnits[0].Payments.Captures = []paypal.Capture{{ID: "CAP-9", Status: "COMPLETED", Amount: paypal.Money{CurrencyCode: "USD", Value: "30.00"}}}
	f.paypal.captured = captured

	rec, _ = f.do(t, http.MethodPost, "/api/v1/billing/paypal/orders/ORDER-9/capture", other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "orders of other users are invisible")

	rec, body = f.do(t, http.MethodPost, "/api/v1/billing/paypal/orders/ORDER-9/capture", session, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "credited", body["action"])
	assert.Equal(t, 30.0, body["balance"])

	// The webhook for the same capture is now a no-op.
	rec, body = f.do(t, http.MethodPost, "/api/paypal/webhook", "", captureBody("WH-9", "ORDER-9", "CAP-9", "30.00"), paypalHeaders()...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", body["action"])
	assert.Equal(t, "30.00", f.balance(t, u.ID))
}

func TestCoinbaseCheckout(t *testing.T) {
	f := newFixture(t)
	u, session := f.user(t, "c@example.com", userstore.RoleUser)
	f.coinbase.charge = coinbase.Charge{ID: "c-7", Code: "CODE7", HostedURL: "https://commerce.example/CODE7"}

	rec, body := f.do(t, http.MethodPost, "/api/v1/billing/coinbase/charges", session, map[string]any{"amount": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "CODE7", body["code"])

	txn, err := f.svc.FindByReference(context.Background(), "CODE7", ledger.TypeTopUp)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, txn.Status)
	assert.Equal(t, u.ID, txn.UserID)
	assert.Equal(t, "coinbase", txn.Metadata["paymentMethod"])
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	_, adminSession := f.user(t, "admin@example.com", userstore.RoleAdmin)
	u, userSession := f.user(t, "member@example.com", userstore.RoleUser)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/admin/stats", userSession, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	form := url.Values{"userId": {u.ID}, "amount": {"100"}, "description": {"Goodwill"}}
	rec, body := f.do(t, http.MethodPost, "/api/v1/admin/credits/topup", adminSession, form.Encode(), "Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 100.0, body["balance"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/admin/credits/deduct", adminSession, map[string]any{"userId": u.ID, "amount": 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.0, body["remaining_balance"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/admin/credits/deduct", adminSession, map[string]any{"userId": u.ID, "amount": "1"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, 0.0, body["current_balance"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/admin/credits/topup", adminSession, map[string]any{"userId": "ghost", "amount": "5"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/admin/credits/topup", adminSession, map[string]any{"userId": u.ID, "amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/admin/stats", adminSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["totalUsers"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/admin/transactions?userId="+u.ID, adminSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txns := body["transactions"].([]any)
	require.Len(t, txns, 2)

	id := txns[0].(map[string]any)["id"].(string)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/admin/transactions/"+id, adminSession, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/admin/transactions/missing", adminSession, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/admin/users", adminSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["users"], 2)
}

func TestSignupLoginAndTokens(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{"email": "new@example.com", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{"email": "New@Example.com", "password": "correct horse", "name": "New"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Result().Cookies())
	assert.Equal(t, auth.SessionCookie, rec.Result().Cookies()[0].Name)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{"email": "new@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "new@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "new@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	session := body["token"].(string)

	rec, body = f.do(t, http.MethodGet, "/api/v1/auth/me", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new@example.com", body["user"].(map[string]any)["email"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/tokens", session, map[string]string{"name": "cli"})
	require.Equal(t, http.StatusCreated, rec.Code)
	secret := body["secret"].(string)
	tokenID := body["token"].(map[string]any)["id"].(string)
	assert.True(t, strings.HasPrefix(secret, userstore.TokenPrefix))

	rec, body = f.do(t, http.MethodGet, "/api/v1/tokens", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tokens"], 1)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/tokens/"+tokenID, session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/api/v1/tokens/"+tokenID, session, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/user/credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	u, oldSession := f.user(t, "reset@example.com", userstore.RoleUser)

	rec, body := f.do(t, http.MethodPost, "/api/v1/auth/password-reset", "", map[string]string{"email": "ghost@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	generic := body["message"]
	assert.Empty(t, f.resets.notices)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/password-reset", "", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/auth/password-reset", "", map[string]string{"email": "Reset@Example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, generic, body["message"])
	assert.NotContains(t, rec.Body.String(), "token")
	require.Len(t, f.resets.notices, 1)
	notice := f.resets.notices[0]
	assert.Equal(t, u.ID, notice.User.ID)
	assert.Equal(t, "https://app.example.com/reset-password?token="+notice.Token, notice.Link)
	token := notice.Token

	rec, body = f.do(t, http.MethodGet, "/api/v1/auth/password-reset/validate?token=bogus", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, userstore.ErrResetTokenInvalid.Error(), body["error"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/auth/password-reset/validate?token="+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/password-reset/confirm", "", map[string]string{"token": token, "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", oldSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/auth/password-reset/confirm", "", map[string]string{"token": token, "password": "brand new horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", oldSession, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/auth/password-reset/confirm", "", map[string]string{"token": token, "password": "another horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, userstore.ErrResetTokenUsed.Error(), body["error"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/auth/password-reset/validate?token="+token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, userstore.ErrResetTokenUsed.Error(), body["error"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "reset@example.com", "password": "brand new horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", body["token"].(string), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	collector := metrics.NewCollector()
	handler := New(Options{Metrics: collector}).Router()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int64(2), collector.Snapshot().Requests["/healthz"])

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `billing_http_requests_total{route="/healthz"} 2`)

	rec = httptest.NewRecorder()
	New(Options{}).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserBillingRoutes(t *testing.T) {
	f := newFixture(t)
	u, session := f.user(t, "reader@example.com", userstore.RoleUser)
	f.credit(t, u.ID, "10")

	rec, body := f.do(t, http.MethodGet, "/api/v1/user/credits", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", body["credits"].(map[string]any)["balance"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/billing", session, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = f.do(t, http.MethodGet, "/api/v1/billing/usage?days=7", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7.0, body["data"].(map[string]any)["period"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/billing/transactions?type=topup", session, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["transactions"], 1)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/billing/transactions?type=bogus", session, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayPalConfigRoutes(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/paypal/client-id", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-id", body["clientId"])
	assert.Equal(t, "sandbox", body["environment"])

	rec, body = f.do(t, http.MethodGet, "/api/paypal/config-status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := body["configStatus"].(map[string]any)
	assert.Equal(t, true, status["isConfigured"])
	assert.Equal(t, true, status["webhookConfigured"])
}

func TestMoney(t *testing.T) {
	for in, want := range map[string]string{
		"0":      "0.00",
		"1":      "1.00",
		"49.5":   "49.50",
		"3.10":   "3.10",
		"0.005":  "0.005",
		"-2.125": "-2.125",
		"0.0100": "0.01",
	} {
		assert.Equal(t, json.Number(want), money(decimal.RequireFromString(in)), in)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ledger.ValidationError("amount", "bad"): http.StatusBadRequest,
		fmt.Errorf("x: %w", ledger.ErrNotFound): http.StatusNotFound,
		&ledger.InsufficientCreditError{}:       http.StatusPaymentRequired,
		ledger.ErrForbidden:                     http.StatusForbidden,
		userstore.ErrDuplicateEmail:             http.StatusConflict,
		userstore.ErrResetTokenExpired:          http.StatusBadRequest,
		fmt.Errorf("%w: boom", paypal.ErrAPI):   http.StatusBadGateway,
		coinbase.ErrNotConfigured:               http.StatusServiceUnavailable,
		errors.New("database is locked"):        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
