package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Category identifies an auction listing category on the source.
type Category string

const (
	CategoryLand   Category = "grunty"
	CategoryHouses Category = "domy"
	CategoryOther  Category = "inne"
)

// AllCategories lists every category the scraper knows about, in scrape order.
func AllCategories() []Category {
	return []Category{CategoryLand, CategoryHouses, CategoryOther}
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryLand, CategoryHouses, CategoryOther:
		return Category(s), nil
	default:
		return "", eris.Errorf("unknown category %q (want grunty, domy, or inne)", s)
	}
}

// GeocodeStatus represents the geocoding state of a listing.
// Exactly one status applies to a listing at any time.
type GeocodeStatus string

const (
	GeocodePending        GeocodeStatus = "pending"
	GeocodeCachedHit      GeocodeStatus = "cached_hit"
	GeocodeResolved       GeocodeStatus = "resolved"
	GeocodeFailed         GeocodeStatus = "failed"
	GeocodeManualOverride GeocodeStatus = "manual_override"
)

// Terminal reports whether the status is never reassigned by automatic resolution.
func (s GeocodeStatus) Terminal() bool {
	return s == GeocodeManualOverride
}

// Listing represents one auction-property record acquired from the source.
// ExternalID is the source's stable identifier and never changes across updates.
type Listing struct {
	ExternalID     string        `json:"external_id"`
	Title          string        `json:"title"`
	RawAddress     string        `json:"raw_address,omitempty"`
	RawCity        string        `json:"raw_city"`
	Price          float64       `json:"price"`
	OpeningValue   float64       `json:"opening_value,omitempty"`
	Margin         float64       `json:"margin,omitempty"`
	Category       Category      `json:"category"`
	Status         string        `json:"status"`
	AuctionDate    *time.Time    `json:"auction_date,omitempty"`
	BailiffOffice  string        `json:"bailiff_office,omitempty"`
	LandAreaM2     float64       `json:"land_area_m2,omitempty"`
	LandAreaHa     float64       `json:"land_area_ha,omitempty"`
	LandType       string        `json:"land_type,omitempty"`
	OwnershipForm  string        `json:"ownership_form,omitempty"`
	OwnershipShare string        `json:"ownership_share,omitempty"`
	Utilities      []string      `json:"utilities,omitempty"`
	SourceChecksum string        `json:"source_checksum"`
	GeocodeStatus  GeocodeStatus `json:"geocode_status"`
	Latitude       *float64      `json:"latitude,omitempty"`
	Longitude      *float64      `json:"longitude,omitempty"`
	FirstSeenAt    time.Time     `json:"first_seen_at"`
	LastSeenAt     time.Time     `json:"last_seen_at"`
}

// HasCoordinates reports whether both coordinates are set.
func (l *Listing) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// WatchedListing marks a listing a user wants to follow.
type WatchedListing struct {
	ListingID string    `json:"listing_id"`
	Notes     string    `json:"notes,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}
