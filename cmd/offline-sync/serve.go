package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/ok-offline-sync/internal/app"
	"github.com/couchcryptid/ok-offline-sync/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API, interception proxy and background sync",
	Long: `Run the long-lived service:
  - control API, health and metrics on HTTP_ADDR
  - intercepting proxy for the web app on PROXY_ADDR
  - WebSocket progress stream at /ws/progress
  - side-load watcher on WATCH_DIR when set
  - mDNS advertisement when MDNS_ENABLED=true`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, _ *config.Config, logger *slog.Logger) error {
			err := a.Serve(ctx)
			logger.Info("shutdown complete")
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
