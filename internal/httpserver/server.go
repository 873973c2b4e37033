package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/health"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/metrics"
	"github.com/outsoor/billing/internal/payment/coinbase"
	"github.com/outsoor/billing/internal/payment/paypal"
	"github.com/outsoor/billing/internal/ratelimit"
	"github.com/outsoor/billing/internal/userstore"
	"github.com/outsoor/billing/internal/webhook"
)

// DefaultWebhookMaxBodyBytes caps webhook payloads when Options leaves it unset.
const DefaultWebhookMaxBodyBytes int64 = 1 << 20

// PayPalAPI is the subset of the PayPal client used by checkout and webhooks.
type PayPalAPI interface {
	Config() paypal.Config
	CreateOrder(ctx context.Context, req paypal.OrderRequest) (paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (paypal.Order, error)
	VerifyWebhook(ctx context.Context, t paypal.Transmission, body []byte) error
}

// CoinbaseAPI is the subset of the Coinbase Commerce client used by checkout.
type CoinbaseAPI interface {
	CreateCharge(ctx context.Context, req coinbase.ChargeRequest) (coinbase.Charge, error)
}

// PasswordResetNotice is handed to a ResetNotifier for delivery.
type PasswordResetNotice struct {
	User      *userstore.User
	Token     string
	Link      string
	ExpiresAt time.Time
}

// ResetNotifier delivers password reset links, typically by email.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, notice PasswordResetNotice) error
}

// Limits holds the per-surface rate limiters. Nil limiters are disabled.
type Limits struct {
	Webhook   *ratelimit.Limiter
	Deduction *ratelimit.Limiter
	Auth      *ratelimit.Limiter
}

// Options wires a Server.
type Options struct {
	Billing    *billing.Service
	Reconciler *webhook.Reconciler
	Identity   userstore.Store
	Auth       *auth.Manager

	PayPal                PayPalAPI
	Coinbase              CoinbaseAPI
	CoinbaseWebhookSecret string

	AppURL                string
	CookieSecure          bool
	AllowSignup           bool
	TrustForwardedHeaders bool
	WebhookMaxBodyBytes   int64
	Limits                Limits
	// Health backs /healthz; nil reports healthy without probing.
	Health *health.Checker
	// Metrics backs /metrics and per-route counters; nil disables both.
	Metrics *metrics.Collector
	// ResetNotifier delivers reset links. Nil logs them at debug level.
	ResetNotifier ResetNotifier

	Logger *logging.Logger
}

// Server exposes the billing REST API.
type Server struct {
	billing    *billing.Service
	reconciler *webhook.Reconciler
	identity   userstore.Store
	auth       *auth.Manager

	paypal         PayPalAPI
	coinbase       CoinbaseAPI
	coinbaseSecret string

	appURL         string
	cookieSecure   bool
	allowSignup    bool
	trustForwarded bool
	maxWebhookBody int64
	limits         Limits
	health         *health.Checker
	metrics        *metrics.Collector
	resetNotifier  ResetNotifier

	logger *logging.Logger
}

type sessionContextKey struct{}

type sessionInfo struct {
	user  *userstore.User
	token *userstore.APIToken
}

// New constructs a Server with the required dependencies.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(io.Discard, "billingd/http", logging.LevelError)
	}
	maxBody := opts.WebhookMaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultWebhookMaxBodyBytes
	}
	notifier := opts.ResetNotifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}
	return &Server{
		billing:        opts.Billing,
		reconciler:     opts.Reconciler,
		identity:       opts.Identity,
		auth:           opts.Auth,
		paypal:         opts.PayPal,
		coinbase:       opts.Coinbase,
		coinbaseSecret: strings.TrimSpace(opts.CoinbaseWebhookSecret),
		appURL:         strings.TrimRight(opts.AppURL, "/"),
		cookieSecure:   opts.CookieSecure,
		allowSignup:    opts.AllowSignup,
		trustForwarded: opts.TrustForwardedHeaders,
		maxWebhookBody: maxBody,
		limits:         opts.Limits,
		health:         opts.Health,
		metrics:        opts.Metrics,
		resetNotifier:  notifier,
		logger:         logger,
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.trustForwarded {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger.Std(), NoColor: true}))
	if s.metrics != nil {
		r.Use(s.instrument)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	ipKey := ratelimit.ClientIP(s.trustForwarded)
	webhookLimit := ratelimit.NewMiddleware(s.limits.Webhook, "webhook", ipKey, s.logger.Std()).Observe(s.metrics)
	deductLimit := ratelimit.NewMiddleware(s.limits.Deduction, "deduction", s.deductionKey(ipKey), s.logger.Std()).Observe(s.metrics)
	authLimit := ratelimit.NewMiddleware(s.limits.Auth, "auth", ipKey, s.logger.Std()).Observe(s.metrics)

	r.Route("/api", func(api chi.Router) {
		api.With(deductLimit.Wrap).Post("/deduct-credits", s.handleDeductCredits)
		api.With(authLimit.Wrap).Post("/verify-token", s.handleVerifyToken)
		api.Get("/verify-token", s.handleVerifyTokenUsage)

		api.With(webhookLimit.Wrap).Post("/paypal/webhook", s.handlePayPalWebhook)
		api.With(webhookLimit.Wrap).Post("/coinbase/webhook", s.handleCoinbaseWebhook)
		api.Get("/paypal/client-id", s.handlePayPalClientID)
		api.Get("/paypal/config-status", s.handlePayPalConfigStatus)

		api.Route("/v1", func(v1 chi.Router) {
			v1.With(authLimit.Wrap).Post("/auth/signup", s.handleSignup)
			v1.With(authLimit.Wrap).Post("/auth/login", s.handleLogin)
			v1.Post("/auth/logout", s.handleLogout)
			v1.With(authLimit.Wrap).Post("/auth/password-reset", s.handleRequestPasswordReset)
			v1.With(authLimit.Wrap).Post("/auth/password-reset/confirm", s.handleConfirmPasswordReset)
			v1.With(authLimit.Wrap).Get("/auth/password-reset/validate", s.handleValidatePasswordReset)

			v1.Group(func(private chi.Router) {
				private.Use(s.sessionMiddleware)
				private.Get("/auth/me", s.handleMe)

				private.Get("/user/credits", s.handleUserCredits)
				private.Get("/billing", s.handleBillingInfo)
				private.Get("/billing/usage", s.handleUsageAnalytics)
				private.Get("/billing/transactions", s.handleUserTransactions)

				private.Post("/billing/paypal/orders", s.handleCreatePayPalOrder)
				private.Post("/billing/paypal/orders/{orderID}/capture", s.handleCapturePayPalOrder)
				private.Post("/billing/coinbase/charges", s.handleCreateCoinbaseCharge)

				private.Get("/tokens", s.handleListTokens)
				private.Post("/tokens", s.handleCreateToken)
				private.Post("/tokens/{tokenID}/regenerate", s.handleRegenerateToken)
				private.Delete("/tokens/{tokenID}", s.handleRevokeToken)

				private.Route("/admin", func(admin chi.Router) {
					admin.Use(s.requireAdmin)
					admin.Get("/stats", s.handleAdminStats)
					admin.Get("/users", s.handleAdminUsers)
					admin.Post("/credits/topup", s.handleAdminTopUp)
					admin.Post("/credits/deduct", s.handleAdminDeduct)
					admin.Get("/transactions", s.handleAdminTransactions)
					admin.Get("/transactions/{id}", s.handleAdminTransaction)
				})
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, health.HealthStatus{Status: health.StatusHealthy})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// instrument counts requests by chi route pattern once routing has resolved it.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		s.metrics.RequestStarted()
		defer func() {
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			s.metrics.RequestFinished(route, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

// deductionKey buckets deduction calls by API token, falling back to the client IP.
func (s *Server) deductionKey(fallback ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			return "token:" + userstore.HashToken(token)
		}
		return "ip:" + fallback(r)
	}
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateRequest accepts an API token or a session token as bearer
// credentials, then the session cookie.
func (s *Server) authenticateRequest(r *http.Request) (*sessionInfo, error) {
	if s.identity == nil || s.auth == nil {
		return nil, errors.New("identity store unavailable")
	}
	if token := bearerToken(r.Header.Get("Authorization")); strings.HasPrefix(token, userstore.TokenPrefix) {
		key, user, err := s.identity.LookupToken(r.Context(), token)
		if err != nil {
			return nil, err
		}
		if key == nil || user == nil {
			return nil, errors.New("invalid api token")
		}
		return &sessionInfo{user: user, token: key}, nil
	} else if token != "" {
		return s.sessionFromToken(r.Context(), token)
	}
	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, errors.New("missing session")
	}
	return s.sessionFromToken(r.Context(), cookie.Value)
}

func (s *Server) sessionFromToken(ctx context.Context, token string) (*sessionInfo, error) {
	claims, err := s.auth.Validate(token)
	if err != nil {
		return nil, err
	}
	user, err := s.identity.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("user not found")
	}
	revokedAt, err := s.identity.SessionsRevokedAt(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if claims.IssuedAt.Before(revokedAt) {
		return nil, errors.New("session revoked")
	}
	return &sessionInfo{user: user}, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := sessionFromContext(r.Context())
		if info == nil || !info.user.IsAdmin() {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFromContext(ctx context.Context) *sessionInfo {
	info, _ := ctx.Value(sessionContextKey{}).(*sessionInfo)
	return info
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, userstore.ErrResetTokenInvalid),
		errors.Is(err, userstore.ErrResetTokenExpired),
		errors.Is(err, userstore.ErrResetTokenUsed):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, userstore.ErrDuplicateEmail), errors.Is(err, ledger.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, paypal.ErrNotConfigured), errors.Is(err, coinbase.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUpstream), errors.Is(err, paypal.ErrAPI), errors.Is(err, coinbase.ErrAPI):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// money renders an amount as a JSON number with at least two decimals.
// Sub-cent amounts keep their full precision.
func money(d decimal.Decimal) json.Number {
	if d.Equal(d.Round(2)) {
		return json.Number(d.StringFixed(2))
	}
	return json.Number(d.String())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondErr picks the status from err. Internal errors are logged and
// answered without detail.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientCreditError
	if errors.As(err, &insufficient) {
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           "Insufficient credits",
			"current_balance": money(insufficient.Balance),
			"required":        money(insufficient.Required),
		})
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		if status == http.StatusInternalServerError {
			err = errors.New("internal server error")
		}
	}
	s.respondError(w, status, err)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ledger.ValidationError("", "request body required")
		}
		return ledger.ValidationError("", "malformed JSON body")
	}
	return nil
}
