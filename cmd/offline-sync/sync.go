package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/ok-offline-sync/internal/app"
	"github.com/couchcryptid/ok-offline-sync/internal/config"
	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full priority sync",
	Long: `Sync every configured year, current year first, then enrich events,
rebuild the search index and download map tiles.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, cfg *config.Config, _ *slog.Logger) error {
			orch := a.Orchestrator()
			stop := watchProgress(cmd.ErrOrStderr(), orch)
			report, err := orch.SyncWithPriority(ctx, yearFlag(cmd, cfg))
			stop()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, report)
			}
			printResults(cmd.OutOrStdout(), report.Results)
			fmt.Fprintf(cmd.OutOrStdout(), "\nsearch entries: %d\n", report.SearchEntries)
			switch {
			case report.Tiles.Skipped:
				fmt.Fprintf(cmd.OutOrStdout(), "tiles: %s\n", report.Tiles.Message)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "tiles: success=%t stored=%d\n", report.Tiles.Success, report.Tiles.Stored)
			}
			return nil
		})
	},
}

var quickSyncCmd = &cobra.Command{
	Use:   "quick-sync",
	Short: "Refresh stale partitions of one year",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, cfg *config.Config, _ *slog.Logger) error {
			res, err := a.Orchestrator().QuickSync(ctx, yearFlag(cmd, cfg))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, res)
			}
			results := make([]pipeline.Result, 0, len(res))
			for _, t := range domain.RecordTypes {
				if r, ok := res[t]; ok {
					results = append(results, r)
				}
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what is stored for a year",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, cfg *config.Config, _ *slog.Logger) error {
			year := yearFlag(cmd, cfg)
			ds, err := a.Orchestrator().AssessDataStatus(ctx, year)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, ds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TYPE\tRECORDS\tLAST SYNC\n")
			for _, t := range domain.RecordTypes {
				st := ds.Types[t]
				last := "never"
				if st.LastSync != nil {
					last = st.LastSync.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", t, st.Count, last)
			}
			_ = tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\nyear %d: recommendation %s\n", year, ds.Recommendation)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, quickSyncCmd, statusCmd} {
		c.Flags().Int("year", 0, "year to sync or inspect (default CURRENT_YEAR)")
		rootCmd.AddCommand(c)
	}
}

// watchProgress prints orchestrator progress until the returned stop func
// is called.
func watchProgress(w io.Writer, orch *orchestrator.Orchestrator) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		last := orchestrator.Progress{}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := orch.Progress()
				if p.Current == last.Current && p.Stage == last.Stage {
					continue
				}
				last = p
				fmt.Fprintf(w, "[%3d%%] %-10s %s\n", p.Percentage, p.Stage, p.Details)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func printResults(w io.Writer, results []pipeline.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "YEAR\tTYPE\tRESULT\tRECORDS\tDETAIL\n")
	for _, r := range results {
		outcome, detail := "ok", ""
		switch {
		case r.Cached:
			outcome = "cached"
		case !r.Success:
			outcome, detail = string(r.Kind), r.Message
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.Year, r.Type, outcome, r.Count, detail)
	}
	_ = tw.Flush()
}
