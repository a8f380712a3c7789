package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plotpoint/auction-cli/internal/geocoding"
	"github.com/plotpoint/auction-cli/internal/normalize"
	"github.com/plotpoint/auction-cli/internal/resilience"
	"github.com/plotpoint/auction-cli/internal/scrape"
	"github.com/plotpoint/auction-cli/internal/store"
	"github.com/plotpoint/auction-cli/pkg/geocode"
)

// pipelineEnv holds the store, normalizer, resolver, and acquisition engine
// shared by the scrape/geocode/serve commands.
type pipelineEnv struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Resolver   *geocoding.Resolver
	Engine     *scrape.Engine
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		if err := pe.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initPipeline opens the store, runs migrations, loads the normalization
// tables, and wires the geocoding resolver and scrape engine. Callers
// should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	normalizer, err := normalize.New(normalize.Sources{
		CorrectionsPath: cfg.Normalize.CorrectionsPath,
		DiacriticsPath:  cfg.Normalize.DiacriticsPath,
		PrefixesPath:    cfg.Normalize.PrefixesPath,
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load normalization tables")
	}

	provider := geocode.NewNominatim(
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
		geocode.WithRateLimit(cfg.Geocode.RequestsPerMinute, cfg.Geocode.Burst),
		geocode.WithTimeout(cfg.GeocodeTimeout()),
	)

	resolver := geocoding.NewResolver(st, provider, normalizer, geocoding.Options{
		SimilarityThreshold: cfg.Geocode.SimilarityThreshold,
		MaxAttempts:         cfg.Geocode.MaxAttempts,
		BatchSize:           cfg.Geocode.BatchSize,
		RetryFailedAfter:    cfg.RetryFailedAfter(),
		Bounds:              cfg.Geocode.Bounds,
		Retry:               resilience.DefaultRetryConfig(),
		Breaker:             resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	})

	source := scrape.NewSource(scrape.SourceOptions{
		APIURL:    cfg.Scrape.APIURL,
		UserAgent: cfg.Scrape.UserAgent,
		PageSize:  cfg.Scrape.PageSize,
		Timeout:   cfg.ScrapeTimeout(),
		Limiter:   rate.NewLimiter(rate.Limit(cfg.Scrape.RequestsPerMinute/60), cfg.Scrape.Burst),
	})

	engine := scrape.NewEngine(source, st, scrape.EngineOptions{
		MaxPages:     cfg.Scrape.MaxPages,
		MaxAttempts:  cfg.Scrape.MaxAttempts,
		ErrorCeiling: cfg.Scrape.ErrorCeiling,
	})

	return &pipelineEnv{
		Store:      st,
		Normalizer: normalizer,
		Resolver:   resolver,
		Engine:     engine,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.Path
		if dsn == "" {
			dsn = "auction.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
