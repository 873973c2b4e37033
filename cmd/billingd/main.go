package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/bootstrap"
	"github.com/outsoor/billing/internal/config"
	"github.com/outsoor/billing/internal/health"
	"github.com/outsoor/billing/internal/httpserver"
	"github.com/outsoor/billing/internal/ledger/async"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/metrics"
	"github.com/outsoor/billing/internal/payment/coinbase"
	"github.com/outsoor/billing/internal/payment/paypal"
	"github.com/outsoor/billing/internal/userstore"
	"github.com/outsoor/billing/internal/version"
	"github.com/outsoor/billing/internal/webhook"
)

func main() {
	cfg, err := config.LoadBillingConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	var out io.Writer = os.Stdout
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		out = io.MultiWriter(os.Stdout, rot)
		defer rot.Close()
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger := logging.New(out, "billingd", level)
	log.SetOutput(out)
	log.SetFlags(logging.Flags)
	log.SetPrefix("[billingd] ")
	logger.Infof("Outsoor billing %s", version.FullInfo())

	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	collector := metrics.NewCollector()
	usage := async.New(stores.Ledger, async.Config{
		BatchSize:     cfg.UsageLogBatchSize,
		FlushInterval: cfg.UsageLogFlushInterval,
		ChannelBuffer: cfg.UsageLogChannelBuffer,
		NumWorkers:    cfg.UsageLogWorkers,
		Logger:        logger.Component("usage-log"),
	})

	svc, err := billing.New(billing.Options{
		Store:   stores.Ledger,
		Users:   userstore.Directory{Store: stores.Identity},
		Usage:   usage,
		Policy:  bootstrap.Policy(cfg.Policy),
		Logger:  logger.Component("billingd/billing"),
		Metrics: collector,
	})
	if err != nil {
		log.Fatalf("init billing: %v", err)
	}
	reconciler := webhook.New(svc, logger.Component("billingd/webhook")).Observe(collector)

	ctx := context.Background()
	if cfg.AdminEmail != "" {
		admin, created, err := bootstrap.EnsureAdmin(ctx, stores.Identity, cfg.AdminEmail, cfg.AdminBootstrapPassword, "")
		switch {
		case err != nil:
			logger.Warnf("admin bootstrap skipped: %v", err)
		case created:
			logger.Infof("created admin account %s", admin.Email)
		}
	}

	limits, limitStore := bootstrap.Limits(cfg.Policy.RateLimits)
	defer limitStore.Close()

	opts := httpserver.Options{
		Billing:               svc,
		Reconciler:            reconciler,
		Identity:              stores.Identity,
		Auth:                  auth.NewManager(cfg.AuthSecret),
		CoinbaseWebhookSecret: cfg.Coinbase.WebhookSecret,
		AppURL:                cfg.AppURL,
		CookieSecure:          cfg.CookieSecure,
		AllowSignup:           cfg.AllowSignup,
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
		WebhookMaxBodyBytes:   cfg.WebhookMaxBodyBytes,
		Limits:                limits,
		Health:                health.New(health.Config{Databases: stores.Databases(), Version: version.Info()}),
		Metrics:               collector,
		Logger:                logger.Component("billingd/http"),
	}
	if cfg.PayPal.Configured() {
		pp, err := paypal.NewClient(paypal.Config{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			Sandbox:      cfg.PayPal.Sandbox,
			BaseURL:      cfg.PayPal.BaseURL,
		}, nil)
		if err != nil {
			log.Fatalf("init paypal: %v", err)
		}
		opts.PayPal = pp
		logger.Infof("paypal checkout enabled (%s)", pp.Config().Environment())
	} else {
		logger.Warnf("paypal credentials missing; paypal checkout and webhooks disabled")
	}
	if cfg.Coinbase.APIKey != "" {
		cb, err := coinbase.NewClient(coinbase.Config{
			APIKey:        cfg.Coinbase.APIKey,
			WebhookSecret: cfg.Coinbase.WebhookSecret,
			BaseURL:       cfg.Coinbase.BaseURL,
		}, nil)
		if err != nil {
			log.Fatalf("init coinbase: %v", err)
		}
		opts.Coinbase = cb
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpserver.New(opts).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("billing server listening on %s (env=%s)", cfg.HTTPAddress, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
	// Flush queued usage logs before the stores close.
	if err := usage.Close(); err != nil {
		logger.Errorf("usage log flush: %v", err)
	}
	if n := usage.Dropped(); n > 0 {
		logger.Warnf("dropped %d usage logs", n)
	}
}
