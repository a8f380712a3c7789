package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Resolve coordinates for listings awaiting geocoding",
	Long:  "Runs one geocoding batch: pending listings (and failed ones past their retry window) are normalized, checked against the cache, and looked up via Nominatim.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return eris.Errorf("geocode: --limit must be positive (got %d)", limit)
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Resolver.ResolveBatch(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "geocode")
		}

		fmt.Printf("Processed %d listings in %s\n", result.Processed, result.Duration.Round(time.Millisecond))
		fmt.Printf("  resolved:    %d\n", result.Resolved)
		fmt.Printf("  cache hits:  %d\n", result.CachedHits)
		fmt.Printf("  failed:      %d\n", result.Failed)
		fmt.Printf("  skipped:     %d\n", result.Skipped)
		return nil
	},
}

var geocodeFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List listings whose geocoding needs manual review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		includeResolved, _ := cmd.Flags().GetBool("include-resolved")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		failed, err := env.Store.ListFailedGeocodes(ctx, includeResolved, limit)
		if err != nil {
			return eris.Wrap(err, "geocode failed")
		}
		if len(failed) == 0 {
			fmt.Println("No failed geocodes.")
			return nil
		}

		fmt.Printf("\n%-14s %-25s %8s %-19s  %s\n", "LISTING", "CITY", "ATTEMPTS", "LAST ATTEMPT", "ERROR")
		fmt.Println(strings.Repeat("-", 96))
		for _, fg := range failed {
			city := fg.RawCity
			if len(city) > 25 {
				city = city[:22] + "..."
			}
			marker := ""
			if fg.Resolved {
				marker = " (resolved)"
			}
			fmt.Printf("%-14s %-25s %8d %-19s  %s%s\n",
				fg.ListingID, city, fg.AttemptCount,
				fg.LastAttemptAt.Format("2006-01-02 15:04:05"),
				fg.LastError, marker)
		}
		fmt.Printf("\n%d entries\n", len(failed))
		return nil
	},
}

var geocodeFixCmd = &cobra.Command{
	Use:   "fix <external_id> <lat> <lng>",
	Short: "Manually set coordinates for a listing that failed geocoding",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		lat, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return eris.Errorf("geocode fix: invalid latitude %q", args[1])
		}
		lng, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return eris.Errorf("geocode fix: invalid longitude %q", args[2])
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Resolver.ApplyOverride(ctx, args[0], lat, lng); err != nil {
			return eris.Wrap(err, "geocode fix")
		}

		fmt.Printf("Listing %s set to (%.6f, %.6f)\n", args[0], lat, lng)
		return nil
	},
}

func init() {
	geocodeCmd.Flags().Int("limit", 0, "max listings per batch (default from config)")
	geocodeFailedCmd.Flags().Bool("include-resolved", false, "also show entries already resolved")
	geocodeFailedCmd.Flags().Int("limit", 0, "max entries to show (0 = all)")
	geocodeCmd.AddCommand(geocodeFailedCmd)
	geocodeCmd.AddCommand(geocodeFixCmd)
	rootCmd.AddCommand(geocodeCmd)
}
