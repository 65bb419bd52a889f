// Command offline-sync keeps a local, offline-capable copy of the Burning
// Man directory data and map tiles for the OK-OFFLINE web app.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/ok-offline-sync/internal/app"
	"github.com/couchcryptid/ok-offline-sync/internal/config"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
)

var (
	envFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "offline-sync",
	Short: "Offline sync and tile cache engine for OK-OFFLINE",
	Long: `offline-sync mirrors camps, art and events into a local SQLite store,
downloads map tiles for the city, and serves an intercepting proxy that
answers the web app from those caches when the network is gone.

Configuration comes from environment variables; a .env file is loaded first
when present.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withApp loads configuration, builds the application and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, cfg *config.Config, logger *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()
	return fn(ctx, a, cfg, logger)
}

// yearFlag returns the --year value, or the configured current year.
func yearFlag(cmd *cobra.Command, cfg *config.Config) int {
	if y, _ := cmd.Flags().GetInt("year"); y > 0 {
		return y
	}
	return cfg.CurrentYear
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
