// Package geocoding assigns coordinates to listings through a cache,
// fuzzy key matching and the Nominatim provider, in that order.
package geocoding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/config"
	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/normalize"
	"github.com/plotpoint/auction-cli/internal/resilience"
	"github.com/plotpoint/auction-cli/internal/store"
	"github.com/plotpoint/auction-cli/pkg/geocode"
)

// fuzzyPenalty discounts the matched entry's confidence when a key is
// accepted through fuzzy matching instead of an exact hit.
const fuzzyPenalty = 0.8

// Options configures a Resolver.
type Options struct {
	SimilarityThreshold float64
	MaxAttempts         int
	BatchSize           int
	RetryFailedAfter    time.Duration
	Bounds              config.BoundsConfig
	Retry               resilience.RetryConfig
	Breaker             *resilience.CircuitBreaker
}

// BatchResult summarizes one ResolveBatch pass.
type BatchResult struct {
	Processed  int           `json:"processed"`
	CachedHits int           `json:"cached_hits"`
	Resolved   int           `json:"resolved"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Resolver owns the cache-first geocoding flow. The provider is only
// consulted when neither an exact nor a fuzzy cache key matches.
type Resolver struct {
	store      store.Store
	provider   geocode.Provider
	normalizer *normalize.Normalizer

	threshold        float64
	maxAttempts      int
	batchSize        int
	retryFailedAfter time.Duration
	bounds           config.BoundsConfig
	retry            resilience.RetryConfig
	breaker          *resilience.CircuitBreaker
}

// NewResolver creates a resolver over the given store, provider and
// normalizer.
func NewResolver(st store.Store, provider geocode.Provider, normalizer *normalize.Normalizer, opts Options) *Resolver {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RetryFailedAfter <= 0 {
		opts.RetryFailedAfter = 24 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
		opts.Retry.OnRetry = resilience.RetryLogger("nominatim", "search")
	}
	return &Resolver{
		store:            st,
		provider:         provider,
		normalizer:       normalizer,
		threshold:        opts.SimilarityThreshold,
		maxAttempts:      opts.MaxAttempts,
		batchSize:        opts.BatchSize,
		retryFailedAfter: opts.RetryFailedAfter,
		bounds:           opts.Bounds,
		retry:            opts.Retry,
		breaker:          opts.Breaker,
	}
}

// Resolve assigns coordinates to one listing and returns the resulting
// geocode status. A listing the provider cannot place comes back as
// GeocodeFailed with a nil error; the error is reserved for store and
// circuit failures.
func (r *Resolver) Resolve(ctx context.Context, l *model.Listing) (model.GeocodeStatus, error) {
	if l.GeocodeStatus == model.GeocodeManualOverride {
		return model.GeocodeManualOverride, nil
	}

	log := zap.L().With(
		zap.String("external_id", l.ExternalID),
		zap.String("raw_city", l.RawCity),
	)

	key := r.normalizer.Normalize(l.RawCity)
	if key == "" {
		return r.fail(ctx, l, "city normalizes to an empty key")
	}

	// Exact cache hit.
	entry, err := r.store.GetCacheEntry(ctx, key)
	if err != nil {
		return l.GeocodeStatus, eris.Wrap(err, "geocoding: cache lookup")
	}
	if entry != nil {
		if err := r.store.BumpCacheHit(ctx, key); err != nil {
			return l.GeocodeStatus, eris.Wrap(err, "geocoding: bump cache hit")
		}
		if err := r.apply(ctx, l, model.GeocodeCachedHit, entry.Latitude, entry.Longitude); err != nil {
			return l.GeocodeStatus, err
		}
		log.Debug("geocoding: exact cache hit", zap.String("key", key))
		return model.GeocodeCachedHit, nil
	}

	// Fuzzy match against known keys.
	status, matched, err := r.resolveFuzzy(ctx, l, key, log)
	if err != nil {
		return l.GeocodeStatus, err
	}
	if matched {
		return status, nil
	}

	// Provider lookup.
	return r.resolveProvider(ctx, l, key, log)
}

// resolveFuzzy scans existing cache keys for a near match. The matched
// entry's coordinates are reused under the new key with a confidence
// penalty so later exact hits on the misspelling stay cheap.
func (r *Resolver) resolveFuzzy(ctx context.Context, l *model.Listing, key string, log *zap.Logger) (model.GeocodeStatus, bool, error) {
	keys, err := r.store.ListCacheKeys(ctx)
	if err != nil {
		return l.GeocodeStatus, false, eris.Wrap(err, "geocoding: list cache keys")
	}
	if len(keys) == 0 {
		return l.GeocodeStatus, false, nil
	}

	best, score, ok := geocode.BestMatch(key, keys)
	if !ok || score < r.threshold {
		return l.GeocodeStatus, false, nil
	}

	matched, err := r.store.GetCacheEntry(ctx, best)
	if err != nil {
		return l.GeocodeStatus, false, eris.Wrap(err, "geocoding: fuzzy cache lookup")
	}
	if matched == nil {
		return l.GeocodeStatus, false, nil
	}

	seeded := &model.GeocodeCacheEntry{
		NormalizedCityKey: key,
		Latitude:          matched.Latitude,
		Longitude:         matched.Longitude,
		Confidence:        matched.Confidence * fuzzyPenalty,
		Source:            model.CacheSourceFuzzy,
	}
	if err := r.store.PutCacheEntry(ctx, seeded); err != nil {
		return l.GeocodeStatus, false, eris.Wrap(err, "geocoding: seed fuzzy cache entry")
	}
	if err := r.apply(ctx, l, model.GeocodeResolved, matched.Latitude, matched.Longitude); err != nil {
		return l.GeocodeStatus, false, err
	}

	log.Info("geocoding: fuzzy match",
		zap.String("key", key),
		zap.String("matched_key", best),
		zap.Float64("score", score),
	)
	return model.GeocodeResolved, true, nil
}

// resolveProvider queries Nominatim for the raw city, retried per
// policy and gated by the circuit breaker when one is configured.
func (r *Resolver) resolveProvider(ctx context.Context, l *model.Listing, key string, log *zap.Logger) (model.GeocodeStatus, error) {
	query := fmt.Sprintf("%s, Poland", l.RawCity)

	lookup := func(ctx context.Context) (*geocode.Result, error) {
		return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*geocode.Result, error) {
			return r.provider.Geocode(ctx, query)
		})
	}

	var result *geocode.Result
	var err error
	if r.breaker != nil {
		result, err = resilience.ExecuteVal(ctx, r.breaker, lookup)
	} else {
		result, err = lookup(ctx)
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return l.GeocodeStatus, err
		}
		if ctx.Err() != nil {
			return l.GeocodeStatus, eris.Wrap(err, "geocoding: provider lookup")
		}
		log.Warn("geocoding: provider lookup failed", zap.Error(err))
		return r.fail(ctx, l, err.Error())
	}

	if !result.Matched {
		return r.fail(ctx, l, "no match from provider")
	}
	if !r.bounds.Contains(result.Latitude, result.Longitude) {
		log.Warn("geocoding: result outside service bounds",
			zap.Float64("lat", result.Latitude),
			zap.Float64("lng", result.Longitude),
		)
		return r.fail(ctx, l, "result outside Poland bounds")
	}

	entry := &model.GeocodeCacheEntry{
		NormalizedCityKey: key,
		Latitude:          result.Latitude,
		Longitude:         result.Longitude,
		Confidence:        1.0,
		Source:            model.CacheSourceProvider,
	}
	if err := r.store.PutCacheEntry(ctx, entry); err != nil {
		return l.GeocodeStatus, eris.Wrap(err, "geocoding: cache provider result")
	}
	if err := r.apply(ctx, l, model.GeocodeResolved, result.Latitude, result.Longitude); err != nil {
		return l.GeocodeStatus, err
	}

	log.Debug("geocoding: provider resolved",
		zap.String("key", key),
		zap.String("provider", r.provider.Name()),
		zap.Float64("lat", result.Latitude),
		zap.Float64("lng", result.Longitude),
	)
	return model.GeocodeResolved, nil
}

// apply persists a successful resolution and clears any open failure
// entry for the listing.
func (r *Resolver) apply(ctx context.Context, l *model.Listing, status model.GeocodeStatus, lat, lng float64) error {
	if err := r.store.SetListingGeocode(ctx, l.ExternalID, status, &lat, &lng); err != nil {
		return eris.Wrap(err, "geocoding: set listing geocode")
	}
	if err := r.store.MarkFailedResolved(ctx, l.ExternalID); err != nil {
		return eris.Wrap(err, "geocoding: mark failure resolved")
	}
	l.GeocodeStatus = status
	l.Latitude = &lat
	l.Longitude = &lng
	return nil
}

// fail records the attempt in the manual-review queue and flips the
// listing to failed.
func (r *Resolver) fail(ctx context.Context, l *model.Listing, reason string) (model.GeocodeStatus, error) {
	attempts, err := r.store.RecordGeocodeFailure(ctx, l.ExternalID, l.RawCity, reason)
	if err != nil {
		return l.GeocodeStatus, eris.Wrap(err, "geocoding: record failure")
	}
	if err := r.store.SetListingGeocode(ctx, l.ExternalID, model.GeocodeFailed, nil, nil); err != nil {
		return l.GeocodeStatus, eris.Wrap(err, "geocoding: set listing geocode")
	}
	l.GeocodeStatus = model.GeocodeFailed
	l.Latitude = nil
	l.Longitude = nil

	zap.L().Info("geocoding: listing failed",
		zap.String("external_id", l.ExternalID),
		zap.String("raw_city", l.RawCity),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)
	return model.GeocodeFailed, nil
}

// ResolveBatch processes pending listings and failed listings whose
// cool-off has elapsed, oldest first, sequentially on the shared
// limiter. An open circuit aborts the batch; untouched candidates are
// counted as skipped.
func (r *Resolver) ResolveBatch(ctx context.Context, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = r.batchSize
	}
	start := time.Now()

	retryBefore := time.Now().Add(-r.retryFailedAfter)
	candidates, err := r.store.ListGeocodeCandidates(ctx, limit, r.maxAttempts, retryBefore)
	if err != nil {
		return nil, eris.Wrap(err, "geocoding: list candidates")
	}

	res := &BatchResult{}
	for i := range candidates {
		if ctx.Err() != nil {
			res.Skipped = len(candidates) - res.Processed
			break
		}

		status, err := r.Resolve(ctx, &candidates[i])
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				res.Skipped = len(candidates) - res.Processed
				zap.L().Warn("geocoding: circuit open, aborting batch",
					zap.Int("processed", res.Processed),
					zap.Int("skipped", res.Skipped),
				)
				break
			}
			return res, err
		}

		res.Processed++
		switch status {
		case model.GeocodeCachedHit:
			res.CachedHits++
		case model.GeocodeResolved:
			res.Resolved++
		case model.GeocodeFailed:
			res.Failed++
		}
	}
	res.Duration = time.Since(start)

	r.recordHealthEvent(ctx, res)

	zap.L().Info("geocoding: batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("cached_hits", res.CachedHits),
		zap.Int("resolved", res.Resolved),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// ApplyOverride pins a listing to operator-supplied coordinates. The
// override is terminal for automatic geocoding and feeds the cache so
// other listings in the same city benefit from it.
func (r *Resolver) ApplyOverride(ctx context.Context, listingID string, lat, lng float64) error {
	if !r.bounds.Contains(lat, lng) {
		return eris.Errorf("geocoding: coordinates (%f, %f) outside Poland bounds", lat, lng)
	}

	l, err := r.store.GetListing(ctx, listingID)
	if err != nil {
		return eris.Wrap(err, "geocoding: get listing")
	}
	if l == nil {
		return eris.Errorf("geocoding: listing not found: %s", listingID)
	}

	if err := r.store.SetListingGeocode(ctx, listingID, model.GeocodeManualOverride, &lat, &lng); err != nil {
		return eris.Wrap(err, "geocoding: set override")
	}

	if key := r.normalizer.Normalize(l.RawCity); key != "" {
		entry := &model.GeocodeCacheEntry{
			NormalizedCityKey: key,
			Latitude:          lat,
			Longitude:         lng,
			Confidence:        1.0,
			Source:            model.CacheSourceManual,
		}
		if err := r.store.PutCacheEntry(ctx, entry); err != nil {
			return eris.Wrap(err, "geocoding: cache override")
		}
	}

	if err := r.store.MarkFailedResolved(ctx, listingID); err != nil {
		return eris.Wrap(err, "geocoding: mark failure resolved")
	}

	zap.L().Info("geocoding: manual override applied",
		zap.String("external_id", listingID),
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
	)
	return nil
}

func (r *Resolver) recordHealthEvent(ctx context.Context, res *BatchResult) {
	if res.Processed == 0 && res.Skipped == 0 {
		return
	}
	status := model.HealthOK
	if res.Failed > 0 || res.Skipped > 0 {
		status = model.HealthWarn
	}
	event := model.HealthEvent{
		Component: "geocoding",
		Status:    status,
		Message: fmt.Sprintf("geocoded %d: %d cached, %d resolved, %d failed",
			res.Processed, res.CachedHits, res.Resolved, res.Failed),
		CreatedAt: time.Now(),
	}
	if err := r.store.InsertHealthEvent(ctx, event); err != nil {
		zap.L().Warn("geocoding: record health event", zap.Error(err))
	}
}
