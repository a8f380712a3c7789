// Package geocode resolves Polish place names to coordinates through
// the OpenStreetMap Nominatim search API.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Provider resolves a free-form place query to coordinates.
type Provider interface {
	// Name identifies the provider in logs and failure records.
	Name() string

	// Geocode looks up a single place. A query the service cannot match
	// is reported through Result.Matched, not through the error.
	Geocode(ctx context.Context, query string) (*Result, error)
}

// Result is a single geocoder answer.
type Result struct {
	Latitude    float64
	Longitude   float64
	DisplayName string

	// Matched reports whether the service returned any place at all.
	Matched bool
}

// Option configures a Nominatim client.
type Option func(*Nominatim)

// WithBaseURL overrides the Nominatim endpoint, e.g. for a self-hosted
// instance.
func WithBaseURL(u string) Option {
	return func(n *Nominatim) {
		n.baseURL = u
	}
}

// WithUserAgent sets the User-Agent header. The public Nominatim usage
// policy requires an identifying agent string.
func WithUserAgent(ua string) Option {
	return func(n *Nominatim) {
		if ua != "" {
			n.userAgent = ua
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Nominatim) {
		n.httpClient = hc
	}
}

// WithRateLimit caps outbound requests per minute with the given burst.
func WithRateLimit(rpm float64, burst int) Option {
	return func(n *Nominatim) {
		if rpm <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(rpm/60.0), burst)
	}
}

// WithTimeout sets the request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(n *Nominatim) {
		if d > 0 {
			n.httpClient.Timeout = d
		}
	}
}
