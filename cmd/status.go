package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state: recent runs, category totals, health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runLimit, _ := cmd.Flags().GetInt("runs")

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Store.ListScrapeRuns(ctx, runLimit)
		if err != nil {
			return eris.Wrap(err, "status: list runs")
		}
		fmt.Printf("Recent scrape runs (%d):\n", len(runs))
		if len(runs) == 0 {
			fmt.Println("  none")
		} else {
			fmt.Printf("  %-12s %-19s %6s %6s %8s %7s  %s\n", "CATEGORY", "STARTED", "PAGES", "NEW", "UPDATED", "ERRORS", "OUTCOME")
			for _, r := range runs {
				fmt.Printf("  %-12s %-19s %6d %6d %8d %7d  %s\n",
					r.Category, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.PagesFetched, r.NewCount, r.UpdatedCount, r.ErrorCount, r.Outcome)
			}
		}

		stats, err := env.Store.CategoryStats(ctx)
		if err != nil {
			return eris.Wrap(err, "status: category stats")
		}
		fmt.Println("\nListings by category:")
		if len(stats) == 0 {
			fmt.Println("  none")
		} else {
			fmt.Printf("  %-12s %7s %9s %7s %8s %14s\n", "CATEGORY", "TOTAL", "GEOCODED", "FAILED", "PENDING", "AVG PRICE")
			fmt.Println("  " + strings.Repeat("-", 62))
			var total int
			for _, s := range stats {
				fmt.Printf("  %-12s %7d %9d %7d %8d %14s\n",
					s.Category, s.Total, s.Geocoded, s.Failed, s.Pending, formatMoney(s.AvgPrice))
				total += s.Total
			}
			fmt.Printf("  %-12s %7d\n", "TOTAL", total)
		}

		failed, err := env.Store.ListFailedGeocodes(ctx, false, 0)
		if err != nil {
			return eris.Wrap(err, "status: failed geocodes")
		}
		watched, err := env.Store.ListWatched(ctx)
		if err != nil {
			return eris.Wrap(err, "status: watched")
		}
		fmt.Printf("\nAwaiting manual review: %d    Watched: %d\n", len(failed), len(watched))

		sample, err := env.Store.LatestHealthSample(ctx)
		if err != nil {
			return eris.Wrap(err, "status: health")
		}
		if sample == nil {
			fmt.Println("Health: no samples recorded")
		} else {
			fmt.Printf("Health: %s (cpu %.1f%%, mem %.1f%%, disk %.1f%%) at %s\n",
				sample.Status, sample.CPUPct, sample.MemPct, sample.DiskPct,
				sample.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}

		return nil
	},
}

// formatMoney renders a PLN amount with thousands separators for the
// status and listings tables.
func formatMoney(v float64) string {
	if v == 0 {
		return "-"
	}
	whole := int64(v)
	s := fmt.Sprintf("%d", whole)
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	return strings.Join(parts, " ") + " zł"
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
