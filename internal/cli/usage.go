package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/db"
)

// UsageCommand reports accumulated usage from the accounting database.
func UsageCommand(cfg *config.Config) *cobra.Command {
	var since time.Duration
	var recent int

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded usage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewUsageStore(cfg.UsageDatabase())
			if err != nil {
				return fmt.Errorf("failed to open usage database: %w", err)
			}
			defer store.Close()

			if recent > 0 {
				records, err := store.RecentRecords(recent)
				if err != nil {
					return fmt.Errorf("failed to load recent requests: %w", err)
				}
				printRecentRecords(cmd.OutOrStdout(), records)
				return nil
			}

			query := db.TotalsQuery{}
			if since > 0 {
				query.Since = time.Now().Add(-since)
			}

			totals, err := store.Totals(query)
			if err != nil {
				return fmt.Errorf("failed to aggregate usage: %w", err)
			}

			out := cmd.OutOrStdout()
			if totals.RequestCount == 0 {
				fmt.Fprintln(out, "No usage recorded.")
				return nil
			}

			fmt.Fprintf(out, "Requests: %d (%d streamed, %d errors)\n",
				totals.RequestCount, totals.StreamedCount, totals.ErrorCount)
			fmt.Fprintf(out, "Tokens:   %d in / %d out (%d read from cache)\n",
				totals.InputTokens, totals.OutputTokens, totals.CacheReadTokens)
			fmt.Fprintf(out, "Latency:  %.0fms average\n", totals.AvgLatencyMs)
			fmt.Fprintln(out)

			byModel, err := store.TotalsByModel(query)
			if err != nil {
				return fmt.Errorf("failed to aggregate per-model usage: %w", err)
			}
			printModelTotals(out, byModel)
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only count requests newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&recent, "recent", 0, "List the N newest requests instead of totals")
	return cmd
}

func printRecentRecords(w io.Writer, records []db.UsageRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No usage recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tBACKEND\tMODEL\tMODE\tSTATUS\tIN\tOUT\tLATENCY")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%dms\n",
			r.Timestamp.Format("01-02 15:04:05"),
			r.BackendName, r.Model, r.Mode, r.Status,
			r.InputTokens, r.OutputTokens, r.LatencyMs)
	}
	tw.Flush()
}
