package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/plotpoint/auction-cli/internal/export"
	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/store"
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "List stored listings, optionally exporting to CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		filter, err := listingsFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("export")
		out, _ := cmd.Flags().GetString("out")
		if format != "" && format != "csv" && format != "xlsx" {
			return eris.Errorf("listings: --export must be csv or xlsx (got %q)", format)
		}
		if format != "" && out == "" {
			return eris.New("listings: --export requires --out")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		listings, err := env.Store.ListListings(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "listings")
		}

		switch format {
		case "csv":
			if err := export.WriteCSV(listings, out); err != nil {
				return err
			}
			fmt.Printf("Wrote %d listings to %s\n", len(listings), out)
		case "xlsx":
			if err := export.WriteXLSX(listings, out); err != nil {
				return err
			}
			fmt.Printf("Wrote %d listings to %s\n", len(listings), out)
		default:
			printListings(listings)
		}
		return nil
	},
}

func listingsFilterFromFlags(cmd *cobra.Command) (store.ListingFilter, error) {
	f := cmd.Flags()

	var filter store.ListingFilter
	filter.City, _ = f.GetString("city")
	filter.Status, _ = f.GetString("status")
	filter.MinPrice, _ = f.GetFloat64("min-price")
	filter.MaxPrice, _ = f.GetFloat64("max-price")
	filter.WatchedOnly, _ = f.GetBool("watched")
	filter.Limit, _ = f.GetInt("limit")
	filter.Offset, _ = f.GetInt("offset")

	if category, _ := f.GetString("category"); category != "" {
		cat, err := model.ParseCategory(category)
		if err != nil {
			return filter, eris.Wrapf(err, "listings: --category %q", category)
		}
		filter.Category = cat
	}
	if gs, _ := f.GetString("geocode-status"); gs != "" {
		filter.GeocodeStatus = model.GeocodeStatus(gs)
	}
	if from, _ := f.GetString("from"); from != "" {
		t, err := parseDateFlag(from)
		if err != nil {
			return filter, eris.Wrapf(err, "listings: --from %q", from)
		}
		filter.From = &t
	}
	if to, _ := f.GetString("to"); to != "" {
		t, err := parseDateFlag(to)
		if err != nil {
			return filter, eris.Wrapf(err, "listings: --to %q", to)
		}
		filter.To = &t
	}
	return filter, nil
}

func parseDateFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func printListings(listings []model.Listing) {
	if len(listings) == 0 {
		fmt.Println("No listings match.")
		return
	}

	fmt.Printf("\n%-14s %-20s %-10s %12s %-10s %-8s  %s\n", "ID", "CITY", "CATEGORY", "PRICE", "AUCTION", "GEO", "TITLE")
	fmt.Println(strings.Repeat("-", 110))
	for _, l := range listings {
		city := l.RawCity
		if len(city) > 20 {
			city = city[:17] + "..."
		}
		title := l.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		auction := "-"
		if l.AuctionDate != nil {
			auction = l.AuctionDate.Format("2006-01-02")
		}
		fmt.Printf("%-14s %-20s %-10s %12s %-10s %-8s  %s\n",
			l.ExternalID, city, l.Category, formatMoney(l.Price), auction, l.GeocodeStatus, title)
	}
	fmt.Printf("\n%d listings\n", len(listings))
}

func init() {
	f := listingsCmd.Flags()
	f.String("city", "", "filter by raw city substring")
	f.String("category", "", "filter by category")
	f.String("status", "", "filter by listing status")
	f.String("geocode-status", "", "filter by geocode status")
	f.Float64("min-price", 0, "minimum price in PLN")
	f.Float64("max-price", 0, "maximum price in PLN")
	f.String("from", "", "auction date from (YYYY-MM-DD)")
	f.String("to", "", "auction date to (YYYY-MM-DD)")
	f.Bool("watched", false, "only watched listings")
	f.Int("limit", 0, "max rows (0 = all)")
	f.Int("offset", 0, "rows to skip")
	f.String("export", "", "write to file instead of stdout: csv or xlsx")
	f.String("out", "", "output file path for --export")
	rootCmd.AddCommand(listingsCmd)
}
