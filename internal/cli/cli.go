package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentcal/internal/app"
	"github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/scheduler"
)

// SetupCLI attaches the agentcal subcommands to the given root command.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides AGENTCAL_DB_PATH)")
	rootCmd.PersistentFlags().String("ledger", "", "Path to the agent ledger file (overrides AGENTCAL_LEDGER_PATH)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and ledger sync loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := initApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			log.GetLogger().WithField("db", a.Config.DBPath).Info("agentcal serving")
			if err := a.Run(ctx); err != nil {
				return err
			}
			log.GetLogger().Info("shutdown complete")
			return nil
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single ledger reconciliation pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := initApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			result := a.Syncer.SyncOnce(ctx)
			return printJSON(cmd, result)
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Print the queue snapshot with running, queued and blocked tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := initApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := scheduler.Status(ctx, a.Store, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change scheduler settings",
	}

	configGetCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the concurrency ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			a, err := initApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			value, err := a.Store.MaxConcurrentAgentsValue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "max_concurrent_agents=%d\n", value)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set [value]",
		Short: "Set the concurrency ceiling (clamped to 1-32)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requested, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("value must be an integer: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			a, err := initApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.Service.SetMaxConcurrentAgents(ctx, requested)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "max_concurrent_agents=%d\n", applied)
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(serveCmd, syncCmd, queueCmd, configCmd)
}

func initApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg := app.FromEnv()
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	if ledger, _ := cmd.Flags().GetString("ledger"); ledger != "" {
		cfg.LedgerPath = ledger
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize: %v", err)
		return nil, err
	}
	return a, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
