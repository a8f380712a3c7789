package geocoding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpoint/auction-cli/internal/config"
	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/normalize"
	"github.com/plotpoint/auction-cli/internal/resilience"
	"github.com/plotpoint/auction-cli/internal/store"
	"github.com/plotpoint/auction-cli/pkg/geocode"
)

// fakeProvider answers queries from a canned map; unknown queries are
// unmatched rather than errors.
type fakeProvider struct {
	results map[string]*geocode.Result
	err     error
	calls   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Geocode(ctx context.Context, query string) (*geocode.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[query]; ok {
		return r, nil
	}
	return &geocode.Result{Matched: false}, nil
}

func polandBounds() config.BoundsConfig {
	return config.BoundsConfig{MinLat: 49.0, MaxLat: 54.9, MinLng: 14.1, MaxLng: 24.2}
}

func newTestResolver(t *testing.T, provider geocode.Provider, breaker *resilience.CircuitBreaker) (*Resolver, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	normalizer, err := normalize.New(normalize.Sources{})
	require.NoError(t, err)

	r := NewResolver(st, provider, normalizer, Options{
		SimilarityThreshold: 0.8,
		MaxAttempts:         3,
		BatchSize:           50,
		RetryFailedAfter:    24 * time.Hour,
		Bounds:              polandBounds(),
		Retry:               resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		Breaker:             breaker,
	})
	return r, st
}

func seedListing(t *testing.T, st store.Store, id, city string) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ExternalID:     id,
		Title:          "Działka " + id,
		RawCity:        city,
		Price:          100000,
		Category:       model.CategoryLand,
		Status:         "active",
		SourceChecksum: "chk-" + id,
		GeocodeStatus:  model.GeocodePending,
	}
	outcome, err := st.UpsertListing(context.Background(), l)
	require.NoError(t, err)
	require.Equal(t, store.UpsertInserted, outcome)
	return l
}

func seedCacheEntry(t *testing.T, st store.Store, key string, lat, lng, confidence float64, source model.CacheSource) {
	t.Helper()
	require.NoError(t, st.PutCacheEntry(context.Background(), &model.GeocodeCacheEntry{
		NormalizedCityKey: key,
		Latitude:          lat,
		Longitude:         lng,
		Confidence:        confidence,
		Source:            source,
	}))
}

func TestResolve_ManualOverrideIsTerminal(t *testing.T) {
	provider := &fakeProvider{}
	r, _ := newTestResolver(t, provider, nil)

	l := &model.Listing{ExternalID: "x1", RawCity: "Poznań", GeocodeStatus: model.GeocodeManualOverride}
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeManualOverride, status)
	assert.Equal(t, 0, provider.calls)
}

func TestResolve_ExactCacheHit(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	seedCacheEntry(t, st, "poznan", 52.41, 16.93, 1.0, model.CacheSourceProvider)
	l := seedListing(t, st, "l1", "Poznań")

	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeCachedHit, status)
	assert.Equal(t, 0, provider.calls)

	stored, err := st.GetListing(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeCachedHit, stored.GeocodeStatus)
	require.NotNil(t, stored.Latitude)
	assert.InDelta(t, 52.41, *stored.Latitude, 0.001)

	entry, err := st.GetCacheEntry(context.Background(), "poznan")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.HitCount)
}

func TestResolve_FuzzyMatch(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	seedCacheEntry(t, st, "wroclaw", 51.11, 17.03, 0.9, model.CacheSourceProvider)
	l := seedListing(t, st, "l2", "Wrocławw")

	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeResolved, status)
	assert.Equal(t, 0, provider.calls)

	seeded, err := st.GetCacheEntry(context.Background(), "wroclaww")
	require.NoError(t, err)
	require.NotNil(t, seeded)
	assert.Equal(t, model.CacheSourceFuzzy, seeded.Source)
	assert.InDelta(t, 0.72, seeded.Confidence, 0.001)
	assert.InDelta(t, 51.11, seeded.Latitude, 0.001)

	stored, err := st.GetListing(context.Background(), "l2")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeResolved, stored.GeocodeStatus)
	require.NotNil(t, stored.Longitude)
	assert.InDelta(t, 17.03, *stored.Longitude, 0.001)
}

func TestResolve_FuzzyBelowThresholdGoesToProvider(t *testing.T) {
	provider := &fakeProvider{results: map[string]*geocode.Result{
		"Zakopane, Poland": {Latitude: 49.30, Longitude: 19.95, Matched: true},
	}}
	r, st := newTestResolver(t, provider, nil)

	seedCacheEntry(t, st, "gdansk", 54.35, 18.65, 1.0, model.CacheSourceProvider)
	l := seedListing(t, st, "l3", "Zakopane")

	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeResolved, status)
	assert.Equal(t, 1, provider.calls)

	entry, err := st.GetCacheEntry(context.Background(), "zakopane")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.CacheSourceProvider, entry.Source)
	assert.InDelta(t, 1.0, entry.Confidence, 0.001)
}

func TestResolve_ProviderReceivesRawCity(t *testing.T) {
	provider := &fakeProvider{results: map[string]*geocode.Result{
		"Nowy Sącz, Poland": {Latitude: 49.62, Longitude: 20.70, Matched: true},
	}}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l4", "Nowy Sącz")
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeResolved, status)

	// Cache is keyed on the canonical form, not the raw spelling.
	entry, err := st.GetCacheEntry(context.Background(), "nowy sacz")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestResolve_ProviderNoMatch(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l5", "Nibylandia")
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, status)

	failed, err := st.GetFailedGeocode(context.Background(), "l5")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Contains(t, failed.LastError, "no match")

	stored, err := st.GetListing(context.Background(), "l5")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, stored.GeocodeStatus)
	assert.Nil(t, stored.Latitude)
}

func TestResolve_OutOfBoundsCountsAsNotFound(t *testing.T) {
	provider := &fakeProvider{results: map[string]*geocode.Result{
		// Vienna: a plausible homonym hit outside the service area.
		"Wien, Poland": {Latitude: 48.21, Longitude: 16.37, Matched: true},
	}}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l6", "Wien")
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, status)

	failed, err := st.GetFailedGeocode(context.Background(), "l6")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Contains(t, failed.LastError, "outside Poland bounds")
}

func TestResolve_EmptyCityFails(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l7", "   ")
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, status)
	assert.Equal(t, 0, provider.calls)
}

func TestResolve_SuccessClearsFailureEntry(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l8", "Radom")
	_, err := st.RecordGeocodeFailure(context.Background(), "l8", "Radom", "no match from provider")
	require.NoError(t, err)

	seedCacheEntry(t, st, "radom", 51.40, 21.15, 1.0, model.CacheSourceProvider)
	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeCachedHit, status)

	failed, err := st.GetFailedGeocode(context.Background(), "l8")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.True(t, failed.Resolved)
}

func TestResolve_ProviderErrorIncrementsAttempts(t *testing.T) {
	provider := &fakeProvider{err: resilience.NewPermanentError(errors.New("bad request"), 400)}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "l9", "Radom")

	status, err := r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, status)

	status, err = r.Resolve(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeFailed, status)

	failed, err := st.GetFailedGeocode(context.Background(), "l9")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.False(t, failed.Resolved)
}

func TestResolveBatch_Counters(t *testing.T) {
	provider := &fakeProvider{results: map[string]*geocode.Result{
		"Kraków, Poland": {Latitude: 50.06, Longitude: 19.94, Matched: true},
	}}
	r, st := newTestResolver(t, provider, nil)

	seedCacheEntry(t, st, "poznan", 52.41, 16.93, 1.0, model.CacheSourceProvider)
	seedListing(t, st, "b1", "Poznań")
	seedListing(t, st, "b2", "Kraków")
	seedListing(t, st, "b3", "Nibylandia")

	res, err := r.ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.CachedHits)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)

	events, err := st.ListHealthEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "geocoding", events[0].Component)
	assert.Equal(t, model.HealthWarn, events[0].Status)
}

// Listings sharing a city must cost one provider call; the first
// resolution seeds the cache and the rest hit it within the same batch.
func TestResolveBatch_SharedCityResolvedOnce(t *testing.T) {
	provider := &fakeProvider{results: map[string]*geocode.Result{
		"Radom, Poland":  {Latitude: 51.40, Longitude: 21.15, Matched: true},
		"Kraków, Poland": {Latitude: 50.06, Longitude: 19.94, Matched: true},
		"Opole, Poland":  {Latitude: 50.67, Longitude: 17.93, Matched: true},
	}}
	r, st := newTestResolver(t, provider, nil)

	seedListing(t, st, "d1", "Radom")
	seedListing(t, st, "d2", "Kraków")
	seedListing(t, st, "d3", "Radom")
	seedListing(t, st, "d4", "Opole")
	seedListing(t, st, "d5", "Radom")

	res, err := r.ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 3, res.Resolved)
	assert.Equal(t, 2, res.CachedHits)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, provider.calls)

	entry, err := st.GetCacheEntry(context.Background(), "radom")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.HitCount)
}

func TestResolveBatch_NoCandidates(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	res, err := r.ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	events, err := st.ListHealthEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestResolveBatch_CircuitOpenAborts(t *testing.T) {
	provider := &fakeProvider{err: resilience.NewTransientError(errors.New("upstream down"), 503)}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	r, st := newTestResolver(t, provider, breaker)

	seedListing(t, st, "c1", "Radom")
	seedListing(t, st, "c2", "Kielce")
	seedListing(t, st, "c3", "Opole")

	res, err := r.ResolveBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)

	// Untouched candidates stay pending for the next batch.
	stored, err := st.GetListing(context.Background(), "c3")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodePending, stored.GeocodeStatus)
}

func TestApplyOverride(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	l := seedListing(t, st, "m1", "Żyrardów")
	_, err := st.RecordGeocodeFailure(context.Background(), "m1", "Żyrardów", "no match from provider")
	require.NoError(t, err)

	require.NoError(t, r.ApplyOverride(context.Background(), "m1", 52.05, 20.44))

	stored, err := st.GetListing(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeManualOverride, stored.GeocodeStatus)
	require.NotNil(t, stored.Latitude)
	assert.InDelta(t, 52.05, *stored.Latitude, 0.001)

	entry, err := st.GetCacheEntry(context.Background(), "zyrardow")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.CacheSourceManual, entry.Source)
	assert.InDelta(t, 1.0, entry.Confidence, 0.001)

	failed, err := st.GetFailedGeocode(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, failed.Resolved)

	// The override survives later resolver passes.
	status, err := r.Resolve(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, model.GeocodeManualOverride, status)
	assert.Equal(t, 0, provider.calls)
}

func TestApplyOverride_OutOfBounds(t *testing.T) {
	provider := &fakeProvider{}
	r, st := newTestResolver(t, provider, nil)

	seedListing(t, st, "m2", "Radom")
	err := r.ApplyOverride(context.Background(), "m2", 48.21, 16.37)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside Poland bounds")

	stored, err := st.GetListing(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, model.GeocodePending, stored.GeocodeStatus)
}

func TestApplyOverride_UnknownListing(t *testing.T) {
	provider := &fakeProvider{}
	r, _ := newTestResolver(t, provider, nil)

	err := r.ApplyOverride(context.Background(), "missing", 52.0, 21.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
