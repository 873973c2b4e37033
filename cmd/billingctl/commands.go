package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/bootstrap"
	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/userstore"
	"github.com/outsoor/billing/internal/version"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	var opts bootstrap.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config/setting.ini, the environment overrides and the billing policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Root = root.root
			if err := bootstrap.Init(opts); err != nil {
				return err
			}
			env := opts.Environment
			if env == "" {
				env = "dev"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote billing config for %s under %s\n", env, root.root)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Environment, "env", "", "environment name (dev, test, live)")
	cmd.Flags().StringVar(&opts.AppURL, "app-url", "", "public dashboard origin used for checkout redirects")
	cmd.Flags().StringVar(&opts.HTTPAddress, "http-address", "", "billingd listen address")
	cmd.Flags().StringVar(&opts.AdminEmail, "admin-email", "", "admin account created on first start")
	cmd.Flags().StringVar(&opts.LedgerDSN, "ledger-dsn", "", "ledger database path or postgres:// URL")
	cmd.Flags().StringVar(&opts.IdentityDSN, "identity-dsn", "", "identity database path or postgres:// URL")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite existing files")
	return cmd
}

func newBalanceCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id|email>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				userID, err := a.resolveUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				acct, err := a.billing.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "user:            %s\n", acct.UserID)
				_, _ = fmt.Fprintf(out, "balance:         %s\n", acct.Balance.StringFixed(2))
				_, _ = fmt.Fprintf(out, "total spent:     %s\n", acct.TotalSpent.StringFixed(2))
				_, _ = fmt.Fprintf(out, "total topped up: %s\n", acct.TotalToppedUp.StringFixed(2))
				return nil
			})
		},
	}
}

type adjustFlags struct {
	description string
	note        string
}

func (f *adjustFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.description, "description", "", "transaction description")
	cmd.Flags().StringVar(&f.note, "note", "", "audit note stored in metadata")
}

func (f *adjustFlags) adjustment(a *app, cmd *cobra.Command, args []string) (billing.AdminAdjustment, error) {
	userID, err := a.resolveUser(cmd.Context(), args[0])
	if err != nil {
		return billing.AdminAdjustment{}, err
	}
	amount, err := ledger.ParseAmount(args[1])
	if err != nil {
		return billing.AdminAdjustment{}, err
	}
	return billing.AdminAdjustment{UserID: userID, Amount: amount, Description: f.description, Note: f.note}, nil
}

func newTopUpCmd(root *rootOptions) *cobra.Command {
	var flags adjustFlags
	cmd := &cobra.Command{
		Use:   "topup <user-id|email> <amount>",
		Short: "Credit a user outside any payment flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				adj, err := flags.adjustment(a, cmd, args)
				if err != nil {
					return err
				}
				txn, err := a.billing.AdminTopUp(cmd.Context(), cliActor, adj)
				if err != nil {
					return err
				}
				acct, err := a.billing.Balance(cmd.Context(), txn.UserID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "credited %s to %s (transaction %s), balance %s\n",
					txn.Amount.StringFixed(2), txn.UserID, txn.ID, acct.Balance.StringFixed(2))
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newDeductCmd(root *rootOptions) *cobra.Command {
	var flags adjustFlags
	cmd := &cobra.Command{
		Use:   "deduct <user-id|email> <amount>",
		Short: "Debit a user's credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				adj, err := flags.adjustment(a, cmd, args)
				if err != nil {
					return err
				}
				res, err := a.billing.AdminDeduct(cmd.Context(), cliActor, adj)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deducted %s from %s (transaction %s), balance %s\n",
					res.Deducted.StringFixed(2), res.Transaction.UserID, res.Transaction.ID, res.RemainingBalance.StringFixed(2))
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newTransactionsCmd(root *rootOptions) *cobra.Command {
	var (
		user   string
		txType string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List ledger transactions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app) error {
				filter := ledger.TransactionFilter{Type: ledger.TxType(txType), Limit: limit}
				if txType != "" && !filter.Type.Valid() {
					return ledger.ValidationError("type", "must be topup, usage or refund")
				}
				if user != "" {
					userID, err := a.resolveUser(cmd.Context(), user)
					if err != nil {
						return err
					}
					filter.UserID = userID
				}
				txns, err := a.billing.ListTransactions(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(txns)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tUSER\tTYPE\tSTATUS\tAMOUNT\tCREATED\tDESCRIPTION")
				for _, t := range txns {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.UserID, t.Type, t.Status, t.Amount.StringFixed(2), t.CreatedAt.Format("2006-01-02 15:04"), t.Description)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id or email")
	cmd.Flags().StringVar(&txType, "type", "", "filter by type (topup, usage, refund)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCreateAdminCmd(root *rootOptions) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account or promote an existing user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app) error {
				user, created, err := bootstrap.EnsureAdmin(cmd.Context(), a.stores.Identity, email, password, name)
				if err != nil {
					return err
				}
				verb := "updated"
				if created {
					verb = "created"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s admin %s (%s)\n", verb, user.Email, user.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "password; required when creating")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newResetLinkCmd(root *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "reset-link <email>",
		Short: "Issue a single-use password reset link for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				userID, err := a.resolveUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				grant, token, err := a.stores.Identity.CreateResetToken(cmd.Context(), userID, ttl)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "%s/reset-password?token=%s\n", a.appURL, url.QueryEscape(token))
				_, _ = fmt.Fprintf(out, "expires %s\n", grant.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", userstore.ResetTokenTTL, "how long the link stays valid")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
		},
	}
}
