package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root        string
	Environment string
	AppURL      string
	HTTPAddress string
	AdminEmail  string
	LedgerDSN   string
	IdentityDSN string
	// AuthSecret is generated when empty.
	AuthSecret string
	Force      bool
}

// Init scaffolds config/setting.ini, config/<env>/billing.ini and the billing
// policy file.
func Init(opts InitOptions) error {
	if err := applyDefaults(&opts); err != nil {
		return err
	}
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}
	files := []struct {
		path     string
		contents string
	}{
		{filepath.Join(opts.Root, "config", "setting.ini"), settingTemplate(opts)},
		{filepath.Join(opts.Root, "config", opts.Environment, "billing.ini"), billingTemplate(opts)},
		{filepath.Join(opts.Root, "config", "billing_policy.yaml"), policyTemplate},
	}
	for _, f := range files {
		if err := writeFile(f.path, f.contents, opts.Force); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(opts *InitOptions) error {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.AppURL) == "" {
		opts.AppURL = "http://localhost:3000"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.LedgerDSN) == "" {
		opts.LedgerDSN = "data/billing.db"
	}
	if strings.TrimSpace(opts.IdentityDSN) == "" {
		opts.IdentityDSN = "data/identity.db"
	}
	if strings.TrimSpace(opts.AuthSecret) == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate auth secret: %w", err)
		}
		opts.AuthSecret = hex.EncodeToString(buf)
	}
	return nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Outsoor billing settings
environment=%s
log_level=info
http_address=%s
admin_email=%s
`, opts.Environment, opts.HTTPAddress, opts.AdminEmail)
}

func billingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
app_url=%s
# Dash '-' disables file output.
log_file=logs/billingd.log
auth_secret=%s
# postgres:// URLs select PostgreSQL, anything else is a SQLite path.
ledger_dsn=%s
identity_dsn=%s
paypal_test=%t
`, opts.Environment, opts.AppURL, opts.AuthSecret, opts.LedgerDSN, opts.IdentityDSN, opts.Environment != "live")
}

const policyTemplate = `currency: USD
deduction_unit_price: "1.00"
topup_min: "0.01"
topup_max: "10000"
payment_methods: [paypal, coinbase]
rate_limits:
  webhook:
    requests_per_second: 20
    burst: 40
  deduction:
    requests_per_second: 10
    burst: 20
  auth:
    requests_per_second: 1
    burst: 5
`

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	if email := strings.TrimSpace(opts.AdminEmail); email != "" && !strings.Contains(email, "@") {
		return errors.New("admin email must contain '@'")
	}
	if len(opts.AuthSecret) > 0 && len(opts.AuthSecret) < 16 {
		return errors.New("auth secret must be at least 16 characters")
	}
	switch opts.Environment {
	case "", "dev", "live", "test":
	default:
		return fmt.Errorf("unknown environment %q", opts.Environment)
	}
	return nil
}
