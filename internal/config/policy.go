package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RateLimit is a token bucket setting.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Enabled reports whether the limit is active.
func (r RateLimit) Enabled() bool { return r.RequestsPerSecond > 0 && r.Burst > 0 }

// RateLimits groups the per-surface limits.
type RateLimits struct {
	Webhook   RateLimit `yaml:"webhook"`
	Deduction RateLimit `yaml:"deduction"`
	Auth      RateLimit `yaml:"auth"`
}

// Policy is the pricing and checkout policy.
type Policy struct {
	Currency           string
	DeductionUnitPrice decimal.Decimal
	TopUpMin           decimal.Decimal
	TopUpMax           decimal.Decimal
	PaymentMethods     []string
	RateLimits         RateLimits
}

type policyFile struct {
	Currency           string     `yaml:"currency"`
	DeductionUnitPrice string     `yaml:"deduction_unit_price"`
	TopUpMin           string     `yaml:"topup_min"`
	TopUpMax           string     `yaml:"topup_max"`
	PaymentMethods     []string   `yaml:"payment_methods"`
	RateLimits         RateLimits `yaml:"rate_limits"`
}

// DefaultPolicy matches the shipped config/billing_policy.yaml.
func DefaultPolicy() Policy {
	return Policy{
		Currency:           "USD",
		DeductionUnitPrice: decimal.NewFromInt(1),
		TopUpMin:           decimal.RequireFromString("0.01"),
		TopUpMax:           decimal.NewFromInt(10000),
		PaymentMethods:     []string{"paypal", "coinbase"},
		RateLimits: RateLimits{
			Webhook:   RateLimit{RequestsPerSecond: 20, Burst: 40},
			Deduction: RateLimit{RequestsPerSecond: 10, Burst: 20},
			Auth:      RateLimit{RequestsPerSecond: 1, Burst: 5},
		},
	}
}

// LoadPolicy reads a YAML policy file. Missing keys keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy content.
func ParsePolicy(data []byte) (Policy, error) {
	def := DefaultPolicy()
	raw := policyFile{RateLimits: def.RateLimits}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse billing policy: %w", err)
	}
	p := def
	if c := strings.TrimSpace(raw.Currency); c != "" {
		p.Currency = strings.ToUpper(c)
	}
	var err error
	if raw.DeductionUnitPrice != "" {
		if p.DeductionUnitPrice, err = parsePositiveDecimal("deduction_unit_price", raw.DeductionUnitPrice); err != nil {
			return Policy{}, err
		}
	}
	if raw.TopUpMin != "" {
		if p.TopUpMin, err = parsePositiveDecimal("topup_min", raw.TopUpMin); err != nil {
			return Policy{}, err
		}
	}
	if raw.TopUpMax != "" {
		if p.TopUpMax, err = parsePositiveDecimal("topup_max", raw.TopUpMax); err != nil {
			return Policy{}, err
		}
	}
	if p.TopUpMin.GreaterThan(p.TopUpMax) {
		return Policy{}, fmt.Errorf("topup_min %s exceeds topup_max %s", p.TopUpMin, p.TopUpMax)
	}
	if len(raw.PaymentMethods) > 0 {
		methods := make([]string, 0, len(raw.PaymentMethods))
		for _, m := range raw.PaymentMethods {
			m = strings.ToLower(strings.TrimSpace(m))
			switch m {
			case "paypal", "coinbase":
				methods = append(methods, m)
			case "":
			default:
				return Policy{}, fmt.Errorf("unknown payment method %q", m)
			}
		}
		p.PaymentMethods = methods
	}
	p.RateLimits = raw.RateLimits
	return p, nil
}

func parsePositiveDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must be positive", field, v)
	}
	if !d.Equal(d.Truncate(6)) {
		return decimal.Zero, fmt.Errorf("invalid %s %q: more than 6 decimal places", field, v)
	}
	return d, nil
}
