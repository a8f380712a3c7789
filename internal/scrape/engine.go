package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/resilience"
	"github.com/plotpoint/auction-cli/internal/store"
)

// PageFetcher is the slice of the source client the engine drives.
type PageFetcher interface {
	FetchPage(ctx context.Context, category model.Category, page int) ([]model.Listing, error)
}

// EngineOptions bounds a run.
type EngineOptions struct {
	MaxPages     int
	MaxAttempts  int
	ErrorCeiling int
}

// Engine drives paginated acquisition for one category at a time and
// records each pass as a scrape run.
type Engine struct {
	source       PageFetcher
	store        store.Store
	retry        resilience.RetryConfig
	maxPages     int
	errorCeiling int
}

// NewEngine creates an acquisition engine on top of a source client and
// a store.
func NewEngine(source PageFetcher, st store.Store, opts EngineOptions) *Engine {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.ErrorCeiling <= 0 {
		opts.ErrorCeiling = 10
	}
	retry := resilience.DefaultRetryConfig()
	if opts.MaxAttempts > 0 {
		retry.MaxAttempts = opts.MaxAttempts
	}
	retry.OnRetry = resilience.RetryLogger("elicytacje", "search")
	return &Engine{
		source:       source,
		store:        st,
		retry:        retry,
		maxPages:     opts.MaxPages,
		errorCeiling: opts.ErrorCeiling,
	}
}

// Run acquires one category. The returned run carries the counters and
// outcome; the error is non-nil only when the run record itself could
// not be persisted.
func (e *Engine) Run(ctx context.Context, category model.Category) (*model.ScrapeRun, error) {
	run, err := e.store.CreateScrapeRun(ctx, category)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create run")
	}

	zap.L().Info("scrape: starting run",
		zap.String("run_id", run.RunID),
		zap.String("category", string(category)),
	)

	run.Outcome = e.acquire(ctx, run, category)

	if err := e.store.FinalizeScrapeRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "scrape: finalize run")
	}

	e.recordHealthEvent(ctx, run)

	zap.L().Info("scrape: run finished",
		zap.String("run_id", run.RunID),
		zap.String("category", string(category)),
		zap.String("outcome", string(run.Outcome)),
		zap.Int("pages", run.PagesFetched),
		zap.Int("new", run.NewCount),
		zap.Int("updated", run.UpdatedCount),
		zap.Int("errors", run.ErrorCount),
	)

	return run, nil
}

// RunAll acquires every category in order.
func (e *Engine) RunAll(ctx context.Context, categories []model.Category) ([]*model.ScrapeRun, error) {
	runs := make([]*model.ScrapeRun, 0, len(categories))
	for _, cat := range categories {
		run, err := e.Run(ctx, cat)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
		if ctx.Err() != nil {
			return runs, eris.Wrap(ctx.Err(), "scrape: run all")
		}
	}
	return runs, nil
}

// acquire pages through the category until a stop condition and fills
// the run counters. A page that fails after retries is skipped; the run
// aborts once skipped pages exceed the error ceiling.
func (e *Engine) acquire(ctx context.Context, run *model.ScrapeRun, category model.Category) model.RunOutcome {
	for page := 0; page < e.maxPages; page++ {
		items, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([]model.Listing, error) {
			return e.source.FetchPage(ctx, category, page)
		})
		if err != nil {
			if ctx.Err() != nil {
				return model.RunFailed
			}
			run.ErrorCount++
			zap.L().Warn("scrape: page failed",
				zap.String("category", string(category)),
				zap.Int("page", page),
				zap.Int("error_count", run.ErrorCount),
				zap.Error(err),
			)
			if run.ErrorCount > e.errorCeiling {
				zap.L().Error("scrape: error ceiling exceeded, aborting run",
					zap.String("category", string(category)),
					zap.Int("error_count", run.ErrorCount),
				)
				return model.RunFailed
			}
			continue
		}

		run.PagesFetched++

		for i := range items {
			outcome, err := e.store.UpsertListing(ctx, &items[i])
			if err != nil {
				run.ErrorCount++
				zap.L().Warn("scrape: upsert failed",
					zap.String("external_id", items[i].ExternalID),
					zap.Error(err),
				)
				if run.ErrorCount > e.errorCeiling {
					return model.RunFailed
				}
				continue
			}
			switch outcome {
			case store.UpsertInserted:
				run.NewCount++
			case store.UpsertUpdated:
				run.UpdatedCount++
			}
		}

		if len(items) == 0 {
			break
		}
	}

	if run.ErrorCount > 0 {
		return model.RunPartial
	}
	return model.RunComplete
}

func (e *Engine) recordHealthEvent(ctx context.Context, run *model.ScrapeRun) {
	status := model.HealthOK
	switch run.Outcome {
	case model.RunPartial:
		status = model.HealthWarn
	case model.RunFailed:
		status = model.HealthCritical
	}
	event := model.HealthEvent{
		Component: "scraper",
		Status:    status,
		Message: fmt.Sprintf("scraped %s: %d new, %d updated, %d errors",
			run.Category, run.NewCount, run.UpdatedCount, run.ErrorCount),
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertHealthEvent(ctx, event); err != nil {
		zap.L().Warn("scrape: record health event", zap.Error(err))
	}
}
