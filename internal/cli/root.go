package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3rs4lg4d0/ledgerbox/config"
	"github.com/3rs4lg4d0/ledgerbox/internal/app"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	EnvFiles []string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:           "ledgerbox",
		Short:         "Account ledger service with a transactional outbox and inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	cmd.AddCommand(newServeCmd(&opts))
	cmd.AddCommand(newAccrueInterestCmd(&opts))
	cmd.AddCommand(newClientCmd(&opts, "block-client", "Emit ClientBlocked for every account of a client", true))
	cmd.AddCommand(newClientCmd(&opts, "unblock-client", "Emit ClientUnblocked for every account of a client", false))
	return cmd
}

// Execute runs the root command and exits with a non-zero status on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox dispatcher, the inbox consumers and the probe server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
}

func newAccrueInterestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accrue-interest",
		Short: "Accrue the daily interest of every open deposit account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				ok, failed, err := a.Ledger.AccrueAllDeposits(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accrued: %d, failed: %d\n", ok, failed)
				if failed > 0 {
					return fmt.Errorf("%d deposit accounts could not be accrued", failed)
				}
				return nil
			})
		},
	}
}

func newClientCmd(opts *rootOptions, use string, short string, block bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientId, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid client id '%s': %w", args[0], err)
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if block {
					return a.Ledger.BlockClient(ctx, clientId)
				}
				return a.Ledger.UnblockClient(ctx, clientId)
			})
		},
	}
}

func withApp(parent context.Context, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.EnvFiles...)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
