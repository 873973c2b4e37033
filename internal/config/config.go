package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	settingsFile      = "config/setting.ini"
	defaultEnv        = "dev"
	envConfigPattern  = "config/%s/billing.ini"
	defaultPolicyFile = "config/billing_policy.yaml"
	dotEnvFile        = ".env"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// PayPalConfig selects the sandbox or live credential set.
type PayPalConfig struct {
	Sandbox      bool
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
}

// Configured reports whether API credentials are present.
func (p PayPalConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// CoinbaseConfig holds Coinbase Commerce credentials.
type CoinbaseConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
}

// BillingConfig describes runtime options for billingd and billingctl.
type BillingConfig struct {
	Environment string
	HTTPAddress string
	// AppURL is the public origin used for checkout return links.
	AppURL   string
	LogFile  string
	LogLevel string

	AuthSecret   string
	CookieSecure bool
	AdminEmail   string

	// LedgerDSN is a postgres:// URL or a SQLite file path.
	LedgerDSN   string
	IdentityDSN string

	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBConnMaxLifetimeMins  int
	DBConnMaxIdleTimeMins  int
	UsageLogBatchSize      int
	UsageLogFlushInterval  time.Duration
	UsageLogWorkers        int
	UsageLogChannelBuffer  int
	ShutdownTimeout        time.Duration
	WebhookMaxBodyBytes    int64
	PolicyFile             string
	Policy                 Policy
	PayPal                 PayPalConfig
	Coinbase               CoinbaseConfig
	TrustForwardedHeaders  bool
	AllowSignup            bool
	AdminBootstrapPassword string
}

// LoadBillingConfig loads .env, the INI layers and the policy file rooted at root.
func LoadBillingConfig(root string) (BillingConfig, error) {
	if root == "" {
		root = "."
	}
	// Existing process variables win over .env entries.
	if err := godotenv.Load(filepath.Join(root, dotEnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return BillingConfig{}, fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	s, err := loadSettings(root)
	if err != nil {
		return BillingConfig{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return BillingConfig{}, err
		}
	}
	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := BillingConfig{
		Environment:            s.Environment,
		HTTPAddress:            firstNonEmpty(os.Getenv("BILLING_HTTP_ADDRESS"), merged["http_address"], ":8080"),
		AppURL:                 strings.TrimRight(firstNonEmpty(os.Getenv("BILLING_APP_URL"), os.Getenv("NEXT_PUBLIC_APP_URL"), merged["app_url"], "http://localhost:3000"), "/"),
		LogFile:                firstNonEmpty(os.Getenv("BILLING_LOG_FILE"), merged["log_file"]),
		LogLevel:               strings.ToLower(firstNonEmpty(os.Getenv("BILLING_LOG_LEVEL"), merged["log_level"], "info")),
		AuthSecret:             firstNonEmpty(os.Getenv("BILLING_AUTH_SECRET"), merged["auth_secret"]),
		CookieSecure:           parseOptionalBool(firstNonEmpty(os.Getenv("BILLING_COOKIE_SECURE"), merged["cookie_secure"]), s.Environment == "live"),
		AdminEmail:             firstNonEmpty(os.Getenv("BILLING_ADMIN_EMAIL"), merged["admin_email"]),
		AdminBootstrapPassword: os.Getenv("BILLING_ADMIN_PASSWORD"),
		DBMaxOpenConns:         parseOptionalInt(firstNonEmpty(os.Getenv("BILLING_DB_MAX_OPEN_CONNS"), merged["db_max_open_conns"]), 20),
		DBMaxIdleConns:         parseOptionalInt(firstNonEmpty(os.Getenv("BILLING_DB_MAX_IDLE_CONNS"), merged["db_max_idle_conns"]), 5),
		DBConnMaxLifetimeMins:  parseOptionalInt(merged["db_conn_max_lifetime_minutes"], 30),
		DBConnMaxIdleTimeMins:  parseOptionalInt(merged["db_conn_max_idle_time_minutes"], 5),
		UsageLogBatchSize:      parseOptionalInt(merged["usage_log_batch_size"], 100),
		UsageLogWorkers:        parseOptionalInt(merged["usage_log_workers"], 1),
		UsageLogChannelBuffer:  parseOptionalInt(merged["usage_log_buffer"], 10000),
		WebhookMaxBodyBytes:    int64(parseOptionalInt(merged["webhook_max_body_bytes"], 1<<20)),
		TrustForwardedHeaders:  parseOptionalBool(merged["trust_forwarded_headers"], true),
		AllowSignup:            parseOptionalBool(firstNonEmpty(os.Getenv("BILLING_ALLOW_SIGNUP"), merged["allow_signup"]), true),
		PolicyFile:             firstNonEmpty(os.Getenv("BILLING_POLICY_FILE"), merged["policy_file"], filepath.Join(root, defaultPolicyFile)),
	}
	if cfg.UsageLogFlushInterval, err = parseOptionalDuration(merged["usage_log_flush_interval"], time.Second); err != nil {
		return BillingConfig{}, fmt.Errorf("invalid usage_log_flush_interval: %w", err)
	}
	if cfg.ShutdownTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("BILLING_SHUTDOWN_TIMEOUT"), merged["shutdown_timeout"]), 10*time.Second); err != nil {
		return BillingConfig{}, fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return BillingConfig{}, fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}

	// DATABASE_URL is shared with the dashboard deployment.
	cfg.LedgerDSN = firstNonEmpty(os.Getenv("BILLING_LEDGER_DSN"), os.Getenv("DATABASE_URL"), merged["ledger_dsn"], DefaultLedgerPath())
	identityDefault := DefaultIdentityPath()
	if IsPostgresDSN(cfg.LedgerDSN) {
		identityDefault = cfg.LedgerDSN
	}
	cfg.IdentityDSN = firstNonEmpty(os.Getenv("BILLING_IDENTITY_DSN"), merged["identity_dsn"], identityDefault)

	cfg.PayPal = loadPayPal(merged)
	cfg.Coinbase = CoinbaseConfig{
		APIKey:        firstNonEmpty(os.Getenv("COINBASE_COMMERCE_API_KEY"), merged["coinbase_api_key"]),
		WebhookSecret: firstNonEmpty(os.Getenv("COINBASE_COMMERCE_WEBHOOK_SECRET"), merged["coinbase_webhook_secret"]),
		BaseURL:       merged["coinbase_base_url"],
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return BillingConfig{}, err
		}
		policy = DefaultPolicy()
	}
	if v := firstNonEmpty(os.Getenv("BILLING_DEDUCTION_UNIT_PRICE"), merged["deduction_unit_price"]); v != "" {
		price, err := parsePositiveDecimal("deduction_unit_price", v)
		if err != nil {
			return BillingConfig{}, err
		}
		policy.DeductionUnitPrice = price
	}
	if methods := parseCSV(firstNonEmpty(os.Getenv("BILLING_PAYMENT_METHODS"), merged["payment_methods"])); len(methods) > 0 {
		policy.PaymentMethods = methods
	}
	cfg.Policy = policy
	return cfg, nil
}

// Validate checks settings the daemon cannot run without.
func (c BillingConfig) Validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("auth_secret (BILLING_AUTH_SECRET) is required")
	}
	if len(c.AuthSecret) < 16 {
		return errors.New("auth_secret must be at least 16 characters")
	}
	return nil
}

func loadPayPal(merged map[string]string) PayPalConfig {
	// PAYPAL_TEST=true selects the sandbox credential set, as the dashboard does.
	sandbox := parseOptionalBool(firstNonEmpty(os.Getenv("PAYPAL_TEST"), merged["paypal_test"]), true)
	suffix, key := "LIVE", "live"
	if sandbox {
		suffix, key = "SANDBOX", "sandbox"
	}
	return PayPalConfig{
		Sandbox:      sandbox,
		ClientID:     firstNonEmpty(os.Getenv("PAYPAL_CLIENT_ID_"+suffix), merged["paypal_client_id_"+key]),
		ClientSecret: firstNonEmpty(os.Getenv("PAYPAL_CLIENT_SECRET_"+suffix), merged["paypal_client_secret_"+key]),
		WebhookID:    firstNonEmpty(os.Getenv("PAYPAL_WEBHOOK_ID_"+suffix), merged["paypal_webhook_id_"+key]),
		BaseURL:      merged["paypal_base_url"],
	}
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv("BILLING_ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("BILLING_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "billing.db"
	}
	return filepath.Join(home, ".outsoor", "billing.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".outsoor", "identity.db")
}
