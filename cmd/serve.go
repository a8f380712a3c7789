package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/plotpoint/auction-cli/internal/api"
	"github.com/plotpoint/auction-cli/internal/monitoring"
	"github.com/plotpoint/auction-cli/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon: scheduled jobs, health monitor, HTTP API",
	Long:  "Starts the long-running service. A daily scrape, periodic geocoding batches, daily cleanup, and resource sampling run on the scheduler; the JSON API exposes listings and job controls.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cats, err := parseCategories(cfg.Scrape.Categories)
		if err != nil {
			return err
		}

		scrapeAt, err := scheduler.ParseDailyAt(cfg.Schedule.ScrapeAt)
		if err != nil {
			return eris.Wrap(err, "serve: schedule.scrape_at")
		}
		cleanupAt, err := scheduler.ParseDailyAt(cfg.Schedule.CleanupAt)
		if err != nil {
			return eris.Wrap(err, "serve: schedule.cleanup_at")
		}

		sched := scheduler.New(env.Store, time.Duration(cfg.Schedule.CooldownMins)*time.Minute)

		sched.Register("scrape", scrapeAt, func(ctx context.Context) error {
			runs, err := env.Engine.RunAll(ctx, cats)
			for _, r := range runs {
				zap.L().Info("scheduled scrape run",
					zap.String("category", string(r.Category)),
					zap.Int("new", r.NewCount),
					zap.Int("updated", r.UpdatedCount),
					zap.Int("errors", r.ErrorCount),
					zap.String("outcome", string(r.Outcome)))
			}
			return err
		})

		sched.Register("geocode", scheduler.Every{Interval: time.Duration(cfg.Schedule.GeocodeIntervalMins) * time.Minute}, func(ctx context.Context) error {
			result, err := env.Resolver.ResolveBatch(ctx, 0)
			if err != nil {
				return err
			}
			zap.L().Info("scheduled geocode batch",
				zap.Int("processed", result.Processed),
				zap.Int("resolved", result.Resolved),
				zap.Int("cache_hits", result.CachedHits),
				zap.Int("failed", result.Failed))
			return nil
		})

		sched.Register("cleanup", cleanupAt, func(ctx context.Context) error {
			now := time.Now()
			stats, err := env.Store.CleanupExpired(ctx,
				now.AddDate(0, 0, -cfg.Cleanup.GraceDays),
				now.AddDate(0, 0, -cfg.Cleanup.RetentionDays))
			if err != nil {
				return err
			}
			zap.L().Info("scheduled cleanup",
				zap.Int("listings_removed", stats.ListingsRemoved),
				zap.Int("failed_removed", stats.FailedRemoved),
				zap.Int("samples_removed", stats.SamplesRemoved),
				zap.Int("events_removed", stats.EventsRemoved))
			return nil
		})

		monitor := monitoring.NewMonitor(
			monitoring.NewSampler(cfg.Health.DataDir),
			env.Store,
			cfg.Health,
			monitoring.WithAlerter(monitoring.NewAlerter(cfg.Alert)),
			monitoring.WithCriticalCallback(func() {
				zap.L().Error("sustained resource pressure, stopping for supervisor restart")
				stop()
			}),
		)
		sched.Register("health", scheduler.Every{Interval: time.Duration(cfg.Schedule.HealthIntervalMins) * time.Minute}, monitor.Check)

		srv := api.NewServer(env.Store, sched, env.Resolver, env.Normalizer, cfg.Server)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })

		zap.L().Info("daemon started", zap.Int("port", cfg.Server.Port))
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "serve")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
