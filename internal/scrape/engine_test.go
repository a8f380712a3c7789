package scrape

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/resilience"
	"github.com/plotpoint/auction-cli/internal/store"
)

// fakeSource serves canned pages. Pages beyond the slice are empty;
// transientLeft injects per-page transient failures that clear as the
// page is retried.
type fakeSource struct {
	pages         [][]model.Listing
	errs          map[int]error
	transientLeft map[int]int
	calls         int
}

func (f *fakeSource) FetchPage(ctx context.Context, category model.Category, page int) ([]model.Listing, error) {
	f.calls++
	if f.transientLeft[page] > 0 {
		f.transientLeft[page]--
		return nil, resilience.NewTransientError(errors.New("upstream hiccup"), 503)
	}
	if err := f.errs[page]; err != nil {
		return nil, err
	}
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func engineListing(id string, price float64) model.Listing {
	l := model.Listing{
		ExternalID:    id,
		Title:         "Działka " + id,
		RawCity:       "Radom",
		Price:         price,
		Category:      model.CategoryLand,
		Status:        "active",
		GeocodeStatus: model.GeocodePending,
	}
	l.SourceChecksum = Checksum(&l)
	return l
}

func newTestEngine(t *testing.T, src PageFetcher, maxPages, ceiling int) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	eng := &Engine{
		source: src,
		store:  st,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		maxPages:     maxPages,
		errorCeiling: ceiling,
	}
	return eng, st
}

func TestEngineRun_Complete(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("a1", 100), engineListing("a2", 200)},
		{engineListing("a3", 300)},
	}}
	eng, st := newTestEngine(t, src, 10, 10)

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	assert.Equal(t, model.RunComplete, run.Outcome)
	assert.Equal(t, 3, run.PagesFetched)
	assert.Equal(t, 3, run.NewCount)
	assert.Equal(t, 0, run.UpdatedCount)
	assert.Equal(t, 0, run.ErrorCount)
	require.NotNil(t, run.FinishedAt)

	latest, err := st.LatestScrapeRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.RunID, latest.RunID)
	assert.Equal(t, model.RunComplete, latest.Outcome)

	events, err := st.ListHealthEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "scraper", events[0].Component)
	assert.Equal(t, model.HealthOK, events[0].Status)
}

func TestEngineRun_SecondRunIsIdempotent(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("b1", 100), engineListing("b2", 200)},
	}}
	eng, _ := newTestEngine(t, src, 10, 10)

	first, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewCount)

	second, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, second.Outcome)
	assert.Equal(t, 0, second.NewCount)
	assert.Equal(t, 0, second.UpdatedCount)
}

func TestEngineRun_MixedPageCountsOnlyNew(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("m1", 100)},
	}}
	eng, _ := newTestEngine(t, src, 10, 10)

	_, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	// Next run sees one fresh listing alongside the unchanged one.
	src.pages = [][]model.Listing{
		{engineListing("m2", 200), engineListing("m1", 100)},
	}

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, run.Outcome)
	assert.Equal(t, 2, run.PagesFetched)
	assert.Equal(t, 1, run.NewCount)
	assert.Equal(t, 0, run.UpdatedCount)
}

func TestEngineRun_CountsUpdates(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("c1", 100), engineListing("c2", 200)},
	}}
	eng, _ := newTestEngine(t, src, 10, 10)

	_, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	src.pages[0][1] = engineListing("c2", 250)
	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)
	assert.Equal(t, 0, run.NewCount)
	assert.Equal(t, 1, run.UpdatedCount)
}

func TestEngineRun_SkipsFailedPage(t *testing.T) {
	src := &fakeSource{
		pages: [][]model.Listing{
			{engineListing("d1", 100)},
			nil,
			{engineListing("d2", 200)},
		},
		errs: map[int]error{1: resilience.NewPermanentError(errors.New("bad payload"), 200)},
	}
	eng, st := newTestEngine(t, src, 10, 10)

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	assert.Equal(t, model.RunPartial, run.Outcome)
	assert.Equal(t, 3, run.PagesFetched)
	assert.Equal(t, 2, run.NewCount)
	assert.Equal(t, 1, run.ErrorCount)

	events, err := st.ListHealthEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.HealthWarn, events[0].Status)
}

func TestEngineRun_FailsAtErrorCeiling(t *testing.T) {
	permanent := resilience.NewPermanentError(errors.New("bad payload"), 200)
	src := &fakeSource{errs: map[int]error{0: permanent, 1: permanent, 2: permanent, 3: permanent}}
	eng, st := newTestEngine(t, src, 10, 2)

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, run.Outcome)
	assert.Equal(t, 0, run.PagesFetched)
	assert.Equal(t, 3, run.ErrorCount)
	require.NotNil(t, run.FinishedAt)

	events, err := st.ListHealthEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.HealthCritical, events[0].Status)
}

func TestEngineRun_RetriesTransientFailures(t *testing.T) {
	src := &fakeSource{
		pages:         [][]model.Listing{{engineListing("e1", 100)}},
		transientLeft: map[int]int{0: 2},
	}
	eng, _ := newTestEngine(t, src, 10, 10)

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	assert.Equal(t, model.RunComplete, run.Outcome)
	assert.Equal(t, 0, run.ErrorCount)
	assert.Equal(t, 1, run.NewCount)
	assert.Equal(t, 4, src.calls)
}

func TestEngineRun_StopsAtMaxPages(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("f1", 100)},
		{engineListing("f2", 200)},
		{engineListing("f3", 300)},
	}}
	eng, _ := newTestEngine(t, src, 2, 10)

	run, err := eng.Run(context.Background(), model.CategoryLand)
	require.NoError(t, err)

	assert.Equal(t, model.RunComplete, run.Outcome)
	assert.Equal(t, 2, run.PagesFetched)
	assert.Equal(t, 2, run.NewCount)
}

func TestEngineRunAll(t *testing.T) {
	src := &fakeSource{pages: [][]model.Listing{
		{engineListing("g1", 100)},
	}}
	eng, st := newTestEngine(t, src, 10, 10)

	runs, err := eng.RunAll(context.Background(), []model.Category{model.CategoryLand, model.CategoryHouses})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.CategoryLand, runs[0].Category)
	assert.Equal(t, model.CategoryHouses, runs[1].Category)

	stored, err := st.ListScrapeRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestNewEngine_Defaults(t *testing.T) {
	eng := NewEngine(&fakeSource{}, nil, EngineOptions{})
	assert.Equal(t, 100, eng.maxPages)
	assert.Equal(t, 10, eng.errorCeiling)
	assert.Equal(t, 3, eng.retry.MaxAttempts)
}
