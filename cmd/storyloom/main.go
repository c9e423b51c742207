package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"storyloom/internal/app"
)

var version = "dev"

var errAborted = errors.New("tick aborted")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errAborted) {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "storyloom",
		Short:         "Storyloom - serial chapter production scheduler",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./storyloom.yaml", "path to config file (json, yaml or toml)")

	withApp := func(fn func(ctx context.Context, cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return fn(cmd.Context(), cmd, a)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP tick trigger, optional cron trigger and config hot reload",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app.App) error {
				return a.Serve(ctx)
			}),
		},
		&cobra.Command{
			Use:   "tick",
			Short: "Run one scheduler tick and print its JSON summary",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
				sum, err := a.Tick(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(sum); err != nil {
					return err
				}
				if sum.Aborted() {
					return errAborted
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app.App) error {
				return a.Migrate(ctx)
			}),
		},
	)
	return root
}
