package model

import "time"

// CacheSource records how a geocode cache entry was produced.
type CacheSource string

const (
	CacheSourceProvider CacheSource = "provider"
	CacheSourceFuzzy    CacheSource = "fuzzy"
	CacheSourceManual   CacheSource = "manual"
)

// GeocodeCacheEntry maps a canonical city key to coordinates.
// The same key always yields the same coordinates unless explicitly
// superseded by a manual override.
type GeocodeCacheEntry struct {
	NormalizedCityKey string      `json:"normalized_city_key"`
	Latitude          float64     `json:"latitude"`
	Longitude         float64     `json:"longitude"`
	Confidence        float64     `json:"confidence"`
	Source            CacheSource `json:"source"`
	HitCount          int         `json:"hit_count"`
	CreatedAt         time.Time   `json:"created_at"`
}

// FailedGeocode is one entry in the manual-review queue, created when the
// resolver exhausts its attempts for a listing.
type FailedGeocode struct {
	ListingID     string    `json:"listing_id"`
	RawCity       string    `json:"raw_city"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Resolved      bool      `json:"resolved"`
}
