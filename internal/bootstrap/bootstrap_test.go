package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/config"
	"github.com/outsoor/billing/internal/userstore"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:       tmp,
		AdminEmail: "ops@example.com",
		AppURL:     "https://billing.example.com",
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	content := string(settingBytes)
	if !strings.Contains(content, "environment=dev") {
		t.Fatalf("missing environment: %s", content)
	}
	if !strings.Contains(content, "admin_email=ops@example.com") {
		t.Fatalf("missing admin email: %s", content)
	}

	billingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "billing.ini"))
	if err != nil {
		t.Fatalf("read billing: %v", err)
	}
	billingContent := string(billingBytes)
	if !strings.Contains(billingContent, "app_url=https://billing.example.com") {
		t.Fatalf("missing app url: %s", billingContent)
	}
	if !strings.Contains(billingContent, "paypal_test=true") {
		t.Fatalf("dev should use the paypal sandbox: %s", billingContent)
	}
	if _, err := os.Stat(filepath.Join(tmp, "config", "billing_policy.yaml")); err != nil {
		t.Fatalf("policy file: %v", err)
	}
}

func TestInitOutputLoads(t *testing.T) {
	for _, key := range []string{"BILLING_ENV", "BILLING_AUTH_SECRET", "BILLING_LEDGER_DSN", "DATABASE_URL", "BILLING_IDENTITY_DSN", "BILLING_POLICY_FILE", "BILLING_LOG_LEVEL", "BILLING_DEDUCTION_UNIT_PRICE"} {
		t.Setenv(key, "")
	}
	tmp := t.TempDir()
	require.NoError(t, Init(InitOptions{Root: tmp, Environment: "test"}))

	cfg, err := config.LoadBillingConfig(tmp)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "test", cfg.Environment)
	require.Len(t, cfg.AuthSecret, 64)
	require.Equal(t, "data/billing.db", cfg.LedgerDSN)
	require.True(t, cfg.Policy.DeductionUnitPrice.Equal(decimal.NewFromInt(1)))
	require.True(t, cfg.Policy.RateLimits.Auth.Enabled())
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp, AdminEmail: "a@b.com"}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{AdminEmail: "invalid"}); err == nil {
		t.Fatalf("expected invalid email error")
	}
	if err := Validate(InitOptions{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected short secret error")
	}
	if err := Validate(InitOptions{Environment: "staging"}); err == nil {
		t.Fatalf("expected unknown environment error")
	}
	if err := Validate(InitOptions{AdminEmail: "valid@example.com", Environment: "live"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenStoresSQLite(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.BillingConfig{
		LedgerDSN:   filepath.Join(tmp, "billing.db"),
		IdentityDSN: filepath.Join(tmp, "identity.db"),
	}
	stores, err := OpenStores(cfg)
	require.NoError(t, err)
	defer stores.Close()

	ctx := context.Background()
	acct, err := stores.Ledger.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero())

	n, err := stores.Identity.CountUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	dbs := stores.Databases()
	require.Len(t, dbs, 2)
	require.NoError(t, dbs["ledger_db"].PingContext(ctx))
	require.NoError(t, dbs["identity_db"].PingContext(ctx))
}

func TestEnsureAdmin(t *testing.T) {
	tmp := t.TempDir()
	stores, err := OpenStores(config.BillingConfig{
		LedgerDSN:   filepath.Join(tmp, "billing.db"),
		IdentityDSN: filepath.Join(tmp, "identity.db"),
	})
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	_, _, err = EnsureAdmin(ctx, stores.Identity, "root@example.com", "", "")
	require.Error(t, err, "creating without a password must fail")

	admin, created, err := EnsureAdmin(ctx, stores.Identity, " Root@Example.com ", "initial-pass", "")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "root@example.com", admin.Email)
	require.Equal(t, "Administrator", admin.Name)
	require.True(t, admin.IsAdmin())

	again, created, err := EnsureAdmin(ctx, stores.Identity, "root@example.com", "", "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, admin.ID, again.ID)

	hash, err := auth.HashPassword("user-pass-1")
	require.NoError(t, err)
	user, err := stores.Identity.CreateUser(ctx, "dev@example.com", "Dev", hash, userstore.RoleUser)
	require.NoError(t, err)

	promoted, created, err := EnsureAdmin(ctx, stores.Identity, "dev@example.com", "rotated-pass", "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, user.ID, promoted.ID)

	stored, err := stores.Identity.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, userstore.RoleAdmin, stored.Role)
	require.True(t, auth.CheckPassword(stored.PasswordHash, "rotated-pass"))
}

func TestPolicy(t *testing.T) {
	p := Policy(config.DefaultPolicy())
	require.Equal(t, "USD", p.Currency)
	require.True(t, p.UnitPrice.Equal(decimal.NewFromInt(1)))
	require.Contains(t, p.PaymentMethods, "paypal")
}

func TestLimits(t *testing.T) {
	limits, store := Limits(config.RateLimits{
		Auth:    config.RateLimit{RequestsPerSecond: 1, Burst: 1},
		Webhook: config.RateLimit{RequestsPerSecond: 0, Burst: 10},
	})
	defer store.Close()
	require.Nil(t, limits.Webhook)
	require.Nil(t, limits.Deduction)
	require.NotNil(t, limits.Auth)

	ctx := context.Background()
	ok, _ := limits.Auth.Allow(ctx, "ip:1")
	require.True(t, ok)
	ok, retry := limits.Auth.Allow(ctx, "ip:1")
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))
}
