package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/ok-offline-sync/internal/app"
	"github.com/couchcryptid/ok-offline-sync/internal/config"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Manage the offline map tile cache",
}

var tilesDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download tiles for the configured region",
	Long: `Download map tiles for TILE_BOUNDS between TILE_MIN_ZOOM and TILE_MAX_ZOOM.
The bulk package at TILE_PACKAGE_URL is tried first, then individual tiles.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, _ *config.Config, _ *slog.Logger) error {
			last := -1
			res, err := a.Tiles().Download(ctx, func(p tiles.Progress) {
				if pct := int(p.Percent); pct != last {
					last = pct
					fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %-7s %s\n", pct, p.Path, p.Message)
				}
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path %s: stored %d of %d, failed %d, rejected %d, complete %t\n",
				res.Path, res.Stored, res.Total, res.Failed, res.Rejected, res.Complete)
			return nil
		})
	},
}

var tilesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tile storage usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, _ *config.Config, _ *slog.Logger) error {
			st, err := a.Tiles().Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored:    %d / %d (%.1f%%)\n", st.Stored, st.Required, st.Percentage)
			fmt.Fprintf(cmd.OutOrStdout(), "size:      %.1f MB (estimated %.1f MB)\n", megabytes(st.ActualBytes), megabytes(st.EstimatedBytes))
			fmt.Fprintf(cmd.OutOrStdout(), "complete:  %t\n", st.Complete)
			if st.Degraded {
				fmt.Fprintln(cmd.OutOrStdout(), "degraded:  repeated downloads ended below the completeness threshold")
			}
			return nil
		})
	},
}

var tilesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored tile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, _ *config.Config, _ *slog.Logger) error {
			if err := a.Tiles().Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tiles cleared")
			return nil
		})
	},
}

func init() {
	tilesCmd.AddCommand(tilesDownloadCmd, tilesStatsCmd, tilesClearCmd)
	rootCmd.AddCommand(tilesCmd)
}

func megabytes(n int64) float64 {
	return float64(n) / (1 << 20)
}
