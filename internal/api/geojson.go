package api

import (
	"encoding/json"
	"net/http"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/plotpoint/auction-cli/internal/model"
)

// handleListingsGeoJSON serves listings with coordinates as a GeoJSON
// FeatureCollection for map frontends. Query filters match /api/listings.
func (s *Server) handleListingsGeoJSON(w http.ResponseWriter, r *http.Request) {
	filter, err := listingFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	listings, err := s.store.ListListings(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data, err := json.Marshal(featureCollection(listings))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// featureCollection converts located listings into point features,
// coordinates in lng/lat order. Listings without coordinates are left out.
func featureCollection(listings []model.Listing) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for i := range listings {
		l := &listings[i]
		if !l.HasCoordinates() {
			continue
		}

		props := map[string]interface{}{
			"external_id":    l.ExternalID,
			"title":          l.Title,
			"city":           l.RawCity,
			"category":       string(l.Category),
			"status":         l.Status,
			"price":          l.Price,
			"geocode_status": string(l.GeocodeStatus),
		}
		if l.AuctionDate != nil {
			props["auction_date"] = l.AuctionDate.Format("2006-01-02")
		}

		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         l.ExternalID,
			Geometry:   geom.NewPointFlat(geom.XY, []float64{*l.Longitude, *l.Latitude}),
			Properties: props,
		})
	}
	return fc
}
