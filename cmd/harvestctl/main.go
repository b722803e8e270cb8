// Package main provides harvestctl, the operator CLI of the harvester.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/commerce-harvester/internal/app"
	"github.com/commerce-harvester/internal/config"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
	"github.com/commerce-harvester/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "harvestctl",
		Short:         "Operate the commerce data harvester",
		Long:          `harvestctl runs sweeps, forces re-fetches, inspects account status and adjusts provider rates against the shared Postgres and Redis state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newSweepCommand(),
		newRefetchCommand(),
		newStatusCommand(),
		newFetchedCommand(),
		newRateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, connects and runs fn
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := app.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.WithComponent("harvestctl"))
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduling sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.RunSweep(ctx)
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newRefetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refetch <account-id>",
		Short: "Force an immediate re-fetch of one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				acc, err := a.Scheduler.ForceRefetch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(acc.StatusView(a.Scheduler.FetchCadence(), nil))
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show the fetch status of one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				acc, err := a.Accounts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				lastErr, err := a.ErrorLog.Latest(ctx, acc.ID)
				if err != nil {
					return err
				}
				return printJSON(acc.StatusView(a.Scheduler.FetchCadence(), lastErr))
			})
		},
	}
}

func newFetchedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetched <user-id>",
		Short: "Report whether every connected provider of a user has been fetched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				accounts, err := a.Accounts.ListByUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"userId":              args[0],
					"accounts":            len(accounts),
					"allProvidersFetched": worker.AllProvidersFetched(accounts),
				})
			})
		},
	}
}

func newRateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Inspect and adjust provider request rates",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <provider>",
			Short: "Show the current rate state of a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(ctx context.Context, a *app.App) error {
					p, err := registered(a, args[0])
					if err != nil {
						return err
					}
					state, err := a.Rates.State(ctx, p)
					if err != nil {
						return err
					}
					return printJSON(state)
				})
			},
		},
		&cobra.Command{
			Use:   "set <provider> <rate>",
			Short: "Set a provider's rate (a number or \"unlimited\"), capped at its default",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				rate, err := ratelimit.ParseRate(args[1])
				if err != nil {
					return err
				}
				return withApp(func(ctx context.Context, a *app.App) error {
					p, err := registered(a, args[0])
					if err != nil {
						return err
					}
					stored, err := a.Rates.SetRate(ctx, p, rate)
					if err != nil {
						return err
					}
					return printJSON(map[string]interface{}{"provider": p, "rate": stored})
				})
			},
		},
		&cobra.Command{
			Use:   "reset <provider>",
			Short: "Restore a provider's default rate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(ctx context.Context, a *app.App) error {
					p, err := registered(a, args[0])
					if err != nil {
						return err
					}
					if err := a.Rates.Reset(ctx, p); err != nil {
						return err
					}
					state, err := a.Rates.State(ctx, p)
					if err != nil {
						return err
					}
					return printJSON(state)
				})
			},
		},
	)
	return cmd
}

func registered(a *app.App, name string) (types.ProviderType, error) {
	_, err := a.Registry.Get(types.ProviderType(name))
	if err != nil {
		return "", err
	}
	return types.ProviderType(name), nil
}
