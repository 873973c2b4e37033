package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/bootstrap"
	"github.com/outsoor/billing/internal/config"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
	"github.com/outsoor/billing/internal/userstore"
)

// cliActor signs ledger overrides issued from the operator console.
var cliActor = billing.Actor{UserID: "billingctl", Role: string(userstore.RoleAdmin), Source: "cli"}

type rootOptions struct {
	root string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator console for the Outsoor credit ledger",
		Long:          "billingctl scaffolds billing configuration and lets operators inspect balances, adjust credits and manage admin accounts directly against the ledger.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.root, "root", ".", "directory containing config/")

	rootCmd.AddCommand(
		newInitCmd(opts),
		newBalanceCmd(opts),
		newTopUpCmd(opts),
		newDeductCmd(opts),
		newTransactionsCmd(opts),
		newCreateAdminCmd(opts),
		newResetLinkCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// app is the wiring shared by every ledger command.
type app struct {
	stores  *bootstrap.Stores
	billing *billing.Service
	appURL  string
}

func openApp(opts *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadBillingConfig(opts.root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := billing.New(billing.Options{
		Store:  stores.Ledger,
		Users:  userstore.Directory{Store: stores.Identity},
		Policy: bootstrap.Policy(cfg.Policy),
		Logger: logging.New(logOut, "billingctl", level),
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return &app{stores: stores, billing: svc, appURL: cfg.AppURL}, nil
}

func (a *app) Close() error { return a.stores.Close() }

// resolveUser accepts a user id or an email address.
func (a *app) resolveUser(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref, "@") {
		return ref, nil
	}
	u, err := a.stores.Identity.FindByEmail(ctx, ref)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("%w: no user with email %s", ledger.ErrNotFound, ref)
	}
	return u.ID, nil
}

// withApp opens the stores for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(*app) error) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
