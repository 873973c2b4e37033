package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/version"
)

const (
	DefaultBaseURL = "https://api.commerce.coinbase.com"
	APIVersion     = "2018-03-22"
)

var (
	ErrNotConfigured = errors.New("coinbase commerce api key not configured")
	ErrAPI           = errors.New("coinbase commerce api error")
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds Coinbase Commerce credentials.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
}

// Client creates Coinbase Commerce charges.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient HTTPClient
}

// NewClient constructs a Coinbase Commerce client.
func NewClient(cfg Config, httpClient HTTPClient) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: parsed, httpClient: httpClient}, nil
}

// Price is a local price.
type Price struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// ChargeRequest describes a fixed-price charge.
type ChargeRequest struct {
	Name        string
	Description string
	Amount      decimal.Decimal
	Currency    string
	UserID      string
	RedirectURL string
	CancelURL   string
}

// Charge is the subset of a charge resource used here.
type Charge struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	HostedURL string `json:"hosted_url"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// CreateCharge creates a fixed-price charge carrying the user id in metadata.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Charge{}, ErrNotConfigured
	}
	payload := map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"pricing_type": "fixed_price",
		"local_price": Price{
			Amount:   req.Amount.StringFixed(2),
			Currency: strings.ToUpper(req.Currency),
		},
		"metadata": map[string]string{"userId": req.UserID},
	}
	if req.RedirectURL != "" {
		payload["redirect_url"] = req.RedirectURL
	}
	if req.CancelURL != "" {
		payload["cancel_url"] = req.CancelURL
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return Charge{}, err
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: "/charges"})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return Charge{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", c.cfg.APIKey)
	httpReq.Header.Set("X-CC-Version", APIVersion)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Charge{}, fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Charge{}, fmt.Errorf("%w: %s - %s", ErrAPI, resp.Status, strings.TrimSpace(string(data)))
	}
	var out struct {
		Data Charge `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Charge{}, fmt.Errorf("%w: decode charge: %v", ErrAPI, err)
	}
	return out.Data, nil
}
