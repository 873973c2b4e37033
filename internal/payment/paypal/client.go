package paypal

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
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/version"
)

const (
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
	LiveBaseURL    = "https://api-m.paypal.com"
)

var (
	// ErrNotConfigured is returned when credentials are missing.
	ErrNotConfigured = errors.New("paypal credentials not configured")
	// ErrAPI wraps non-2xx responses from PayPal.
	ErrAPI = errors.New("paypal api error")
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds credentials for one PayPal environment.
type Config struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	Sandbox      bool
	// BaseURL overrides the environment default.
	BaseURL string
}

// Environment names the configured PayPal environment.
func (c Config) Environment() string {
	if c.Sandbox {
		return "sandbox"
	}
	return "live"
}

// Configured reports whether API credentials are present.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Sandbox {
		return SandboxBaseURL
	}
	return LiveBaseURL
}

// Client talks to the PayPal REST API with client-credentials OAuth.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient HTTPClient

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient constructs a client for cfg.
func NewClient(cfg Config, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(cfg.baseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid paypal base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: parsed, httpClient: httpClient, now: time.Now}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

// Money is PayPal's amount representation.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Decimal parses the amount value.
func (m Money) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(m.Value))
}

// NewMoney formats amount with two decimals.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{CurrencyCode: strings.ToUpper(currency), Value: amount.StringFixed(2)}
}

// Link is a HATEOAS link.
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// OrderRequest describes a checkout order for a top-up.
type OrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	CustomID    string
	ReturnURL   string
	CancelURL   string
	BrandName   string
}

// Order is the subset of the orders API response used here.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []Link         `json:"links,omitempty"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
}

// PurchaseUnit carries captured payments after capture.
type PurchaseUnit struct {
	CustomID string `json:"custom_id,omitempty"`
	Amount   *Money `json:"amount,omitempty"`
	Payments struct {
		Captures []Capture `json:"captures,omitempty"`
	} `json:"payments"`
}

// Capture is a captured payment.
type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Money  `json:"amount"`
}

// ApproveURL returns the buyer approval link, if any.
func (o Order) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// FirstCapture returns the first capture of the order.
func (o Order) FirstCapture() (Capture, bool) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return Capture{}, false
}

// CreateOrder creates a CAPTURE intent order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	unit := map[string]any{
		"amount":      NewMoney(req.Amount, req.Currency),
		"description": req.Description,
		"custom_id":   req.CustomID,
	}
	body := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{unit},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		body["application_context"] = map[string]any{
			"return_url":          req.ReturnURL,
			"cancel_url":          req.CancelURL,
			"brand_name":          req.BrandName,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
		}
	}
	var order Order
	if err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// CaptureOrder captures an approved order.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, errors.New("order id required")
	}
	var order Order
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if !c.cfg.Configured() {
		return "", fmt.Errorf("%w (%s)", ErrNotConfigured, c.cfg.Environment())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: "/v1/oauth2/token"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: oauth: %v", ErrAPI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: oauth status %d: %s", ErrAPI, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode oauth response: %v", ErrAPI, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAPI)
	}
	// Refresh a minute early.
	ttl := time.Duration(out.ExpiresIn)*time.Second - time.Minute
	if ttl < 0 {
		ttl = 0
	}
	c.accessToken = out.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.accessToken, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Name != "" {
			return fmt.Errorf("%w: %s: %s", ErrAPI, apiErr.Name, apiErr.Message)
		}
		return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
