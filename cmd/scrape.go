package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/plotpoint/auction-cli/internal/model"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Fetch auction listings from the bailiff service",
	Long:  "Pages through the auction search API for one category (--category) or every configured category, upserting listings into the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		category, _ := cmd.Flags().GetString("category")
		maxPages, _ := cmd.Flags().GetInt("max-pages")
		if maxPages < 0 {
			return eris.Errorf("scrape: --max-pages must be positive (got %d)", maxPages)
		}
		if maxPages > 0 {
			cfg.Scrape.MaxPages = maxPages
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var runs []*model.ScrapeRun
		if category != "" {
			cat, err := model.ParseCategory(category)
			if err != nil {
				return eris.Wrapf(err, "scrape: --category %q", category)
			}
			run, runErr := env.Engine.Run(ctx, cat)
			if run != nil {
				runs = append(runs, run)
			}
			printRuns(runs)
			if runErr != nil {
				return eris.Wrap(runErr, "scrape")
			}
		} else {
			cats, err := parseCategories(cfg.Scrape.Categories)
			if err != nil {
				return err
			}
			runs, err = env.Engine.RunAll(ctx, cats)
			printRuns(runs)
			if err != nil {
				return eris.Wrap(err, "scrape")
			}
		}

		return nil
	},
}

func parseCategories(names []string) ([]model.Category, error) {
	cats := make([]model.Category, 0, len(names))
	for _, name := range names {
		cat, err := model.ParseCategory(name)
		if err != nil {
			return nil, eris.Wrapf(err, "scrape: configured category %q", name)
		}
		cats = append(cats, cat)
	}
	return cats, nil
}

func printRuns(runs []*model.ScrapeRun) {
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}

	fmt.Printf("\n%-12s %6s %6s %8s %7s  %s\n", "CATEGORY", "PAGES", "NEW", "UPDATED", "ERRORS", "OUTCOME")
	fmt.Println(strings.Repeat("-", 56))

	var pages, created, updated, errors int
	for _, r := range runs {
		fmt.Printf("%-12s %6d %6d %8d %7d  %s\n",
			r.Category, r.PagesFetched, r.NewCount, r.UpdatedCount, r.ErrorCount, r.Outcome)
		pages += r.PagesFetched
		created += r.NewCount
		updated += r.UpdatedCount
		errors += r.ErrorCount
	}

	fmt.Println(strings.Repeat("-", 56))
	fmt.Printf("%-12s %6d %6d %8d %7d\n", "TOTAL", pages, created, updated, errors)
}

func init() {
	f := scrapeCmd.Flags()
	f.String("category", "", "single category to scrape (default: all configured)")
	f.Int("max-pages", 0, "page cap per category (default from config)")
	rootCmd.AddCommand(scrapeCmd)
}
