package store

import (
	"context"
	"time"

	"github.com/plotpoint/auction-cli/internal/model"
)

// UpsertOutcome reports what an UpsertListing call did.
type UpsertOutcome int

const (
	// UpsertUnchanged means the stored checksum matched and nothing was written.
	UpsertUnchanged UpsertOutcome = iota
	// UpsertInserted means the listing was new.
	UpsertInserted
	// UpsertUpdated means the checksum differed and mutable fields were rewritten.
	UpsertUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ListingFilter specifies criteria for querying listings.
type ListingFilter struct {
	City          string              `json:"city,omitempty"`
	Category      model.Category      `json:"category,omitempty"`
	Status        string              `json:"status,omitempty"`
	GeocodeStatus model.GeocodeStatus `json:"geocode_status,omitempty"`
	MinPrice      float64             `json:"min_price,omitempty"`
	MaxPrice      float64             `json:"max_price,omitempty"`
	From          *time.Time          `json:"from,omitempty"`
	To            *time.Time          `json:"to,omitempty"`
	WatchedOnly   bool                `json:"watched_only,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
	Offset        int                 `json:"offset,omitempty"`
}

// CategoryStat aggregates listing counts per auction category.
type CategoryStat struct {
	Category model.Category `json:"category"`
	Total    int            `json:"total"`
	Geocoded int            `json:"geocoded"`
	Failed   int            `json:"failed"`
	Pending  int            `json:"pending"`
	MinPrice float64        `json:"min_price"`
	AvgPrice float64        `json:"avg_price"`
	MaxPrice float64        `json:"max_price"`
}

// CleanupStats reports what a cleanup pass removed.
type CleanupStats struct {
	ListingsRemoved int `json:"listings_removed"`
	FailedRemoved   int `json:"failed_geocodes_removed"`
	SamplesRemoved  int `json:"health_samples_removed"`
	EventsRemoved   int `json:"health_events_removed"`
}

// Total returns the number of rows removed across all tables.
func (c CleanupStats) Total() int {
	return c.ListingsRemoved + c.FailedRemoved + c.SamplesRemoved + c.EventsRemoved
}

// Store defines the persistence interface for the acquisition pipeline.
// Lookups return (nil, nil) when the row does not exist; mutations on
// missing rows return a not-found error unless noted otherwise.
type Store interface {
	// Listings
	UpsertListing(ctx context.Context, l *model.Listing) (UpsertOutcome, error)
	GetListing(ctx context.Context, externalID string) (*model.Listing, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error)
	CountListings(ctx context.Context, filter ListingFilter) (int, error)
	// ListGeocodeCandidates selects listings whose location still needs
	// resolving: pending ones plus failed ones under the attempt cap whose
	// last attempt is older than retryBefore. Oldest first_seen_at first.
	ListGeocodeCandidates(ctx context.Context, limit, maxAttempts int, retryBefore time.Time) ([]model.Listing, error)
	SetListingGeocode(ctx context.Context, externalID string, status model.GeocodeStatus, lat, lng *float64) error

	// Geocode cache
	GetCacheEntry(ctx context.Context, key string) (*model.GeocodeCacheEntry, error)
	BumpCacheHit(ctx context.Context, key string) error
	PutCacheEntry(ctx context.Context, e *model.GeocodeCacheEntry) error
	ListCacheKeys(ctx context.Context) ([]string, error)

	// Failed geocodes
	// RecordGeocodeFailure creates or refreshes the entry for a listing and
	// returns the attempt count after the increment.
	RecordGeocodeFailure(ctx context.Context, listingID, rawCity, lastError string) (int, error)
	GetFailedGeocode(ctx context.Context, listingID string) (*model.FailedGeocode, error)
	ListFailedGeocodes(ctx context.Context, includeResolved bool, limit int) ([]model.FailedGeocode, error)
	// MarkFailedResolved is a no-op when the listing has no failure entry.
	MarkFailedResolved(ctx context.Context, listingID string) error

	// Scrape runs
	CreateScrapeRun(ctx context.Context, category model.Category) (*model.ScrapeRun, error)
	FinalizeScrapeRun(ctx context.Context, run *model.ScrapeRun) error
	LatestScrapeRun(ctx context.Context) (*model.ScrapeRun, error)
	ListScrapeRuns(ctx context.Context, limit int) ([]model.ScrapeRun, error)

	// Health
	InsertHealthSample(ctx context.Context, s model.HealthSample) error
	LatestHealthSample(ctx context.Context) (*model.HealthSample, error)
	InsertHealthEvent(ctx context.Context, e model.HealthEvent) error
	ListHealthEvents(ctx context.Context, limit int) ([]model.HealthEvent, error)

	// Watched listings
	AddWatched(ctx context.Context, externalID, notes string) error
	RemoveWatched(ctx context.Context, externalID string) error
	ListWatched(ctx context.Context) ([]model.WatchedListing, error)

	// Aggregates and maintenance
	CategoryStats(ctx context.Context) ([]CategoryStat, error)
	// CleanupExpired removes listings whose auction date is before
	// auctionsBefore, resolved or orphaned failure entries, and health
	// samples/events older than retainedBefore.
	CleanupExpired(ctx context.Context, auctionsBefore, retainedBefore time.Time) (CleanupStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
