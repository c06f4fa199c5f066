package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/courier"
	"github.com/glimte/courier/config"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/outbox/postgres"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var errUnhealthy = errors.New("courier is unhealthy")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFiles   []string
	verbose    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "courier-relay",
		Short: "Relay outbox records to the configured message broker",
		Long: `courier-relay runs the courier outbox processor as a standalone process.
It drains pending outbox records on an interval and publishes them through the
configured messaging driver.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "Env files to load before reading configuration")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newProcessOnceCmd(flags),
		newMigrateCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

// setup loads configuration and builds the logger shared by every command
func setup(cmd *cobra.Command, flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath, flags.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openClient(cmd *cobra.Command, flags *globalFlags) (*courier.Client, *slog.Logger, error) {
	cfg, logger, err := setup(cmd, flags)
	if err != nil {
		return nil, nil, err
	}
	client, err := courier.NewClient(cmd.Context(), cfg, courier.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, logger, nil
}

func closeClient(client *courier.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logger.Error("failed to close client", "error", err)
	}
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the outbox processor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := openClient(cmd, flags)
			if err != nil {
				return err
			}
			defer closeClient(client, logger)

			if !client.Processor().Enabled() {
				logger.Warn("outbox processor is disabled, nothing to relay")
				return nil
			}

			logger.Info("Starting outbox relay",
				"interval", client.Processor().Interval(),
				"driver", client.Registry().CurrentName())
			if err := client.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Outbox relay stopped")
			return nil
		},
	}
}

func newProcessOnceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process-once",
		Short: "Run a single outbox pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := openClient(cmd, flags)
			if err != nil {
				return err
			}
			defer closeClient(client, logger)

			result, err := client.ProcessOutbox(cmd.Context())
			if err != nil {
				return fmt.Errorf("outbox pass failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent=%d retried=%d failed=%d\n", result.Sent, result.Retried, result.Failed)
			return nil
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres outbox schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is required to migrate")
			}

			pool, err := postgres.Connect(cmd.Context(), cfg.Postgres.DSN, cfg.Postgres.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !statusOnly {
				if err := postgres.Migrate(cmd.Context(), pool); err != nil {
					return err
				}
			}

			version, err := postgres.MigrationVersion(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info("Outbox schema version", "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only print the current schema version")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print a JSON health report",
		Long:  "Runs every health check once and prints the report. Exits non-zero when unhealthy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := openClient(cmd, flags)
			if err != nil {
				return err
			}
			defer closeClient(client, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := client.CheckHealth(ctx)
			if err := writeReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Timeout for all health checks")
	return cmd
}

func writeReport(w io.Writer, report health.Report) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode health report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
