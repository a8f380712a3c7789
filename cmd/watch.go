package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the watched-listings set",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <external_id>",
	Short: "Mark a listing as watched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		notes, _ := cmd.Flags().GetString("notes")

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.AddWatched(ctx, args[0], notes); err != nil {
			return eris.Wrap(err, "watch add")
		}
		fmt.Printf("Watching %s\n", args[0])
		return nil
	},
}

var watchRmCmd = &cobra.Command{
	Use:   "rm <external_id>",
	Short: "Stop watching a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.RemoveWatched(ctx, args[0]); err != nil {
			return eris.Wrap(err, "watch rm")
		}
		fmt.Printf("Stopped watching %s\n", args[0])
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show watched listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		watched, err := env.Store.ListWatched(ctx)
		if err != nil {
			return eris.Wrap(err, "watch list")
		}
		if len(watched) == 0 {
			fmt.Println("No watched listings.")
			return nil
		}

		fmt.Printf("\n%-14s %-19s  %s\n", "LISTING", "ADDED", "NOTES")
		fmt.Println(strings.Repeat("-", 60))
		for _, w := range watched {
			fmt.Printf("%-14s %-19s  %s\n",
				w.ListingID, w.AddedAt.Local().Format("2006-01-02 15:04:05"), w.Notes)
		}
		return nil
	},
}

func init() {
	watchAddCmd.Flags().String("notes", "", "free-form note stored with the entry")
	watchCmd.AddCommand(watchAddCmd)
	watchCmd.AddCommand(watchRmCmd)
	watchCmd.AddCommand(watchListCmd)
	rootCmd.AddCommand(watchCmd)
}
