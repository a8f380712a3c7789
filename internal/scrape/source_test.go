package scrape

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"

	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/resilience"
)

func newTestSource(apiURL string, pageSize int) *Source {
	return &Source{
		client:    http.DefaultClient,
		apiURL:    apiURL,
		userAgent: "test-agent",
		pageSize:  pageSize,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
}

func TestFetchPage_BuildsSearchPayload(t *testing.T) {
	var captured searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	_, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 2)
	require.NoError(t, err)

	assert.Len(t, captured.Aggregations, 6)
	assert.Contains(t, captured.Aggregations, "params.LAND_AREA")
	require.Len(t, captured.TermFilters, 2)
	assert.Equal(t, "mainCategory", captured.TermFilters[0].Field)
	assert.Equal(t, []string{"Nieruchomości"}, captured.TermFilters[0].Value)
	assert.Equal(t, "subCategory", captured.TermFilters[1].Field)
	assert.Equal(t, []string{"grunty"}, captured.TermFilters[1].Value)
	assert.Equal(t, 30, captured.Limit)
	assert.Equal(t, 60, captured.Offset)
	assert.Equal(t, "DESC", captured.OrderBy)
	assert.Equal(t, "startAuctionAt", captured.OrderByField)
}

func TestFetchPage_OtherCategorySkipsLandAggregations(t *testing.T) {
	var captured searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	_, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryOther, 0)
	require.NoError(t, err)

	assert.Empty(t, captured.Aggregations)
	assert.Equal(t, []string{"inne"}, captured.TermFilters[1].Value)
}

func TestFetchPage_MapsItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[{
			"id": 12345,
			"title": "Działka budowlana",
			"city": "Żyrardów",
			"address": "ul. Polna 1",
			"estimate": 150000.5,
			"openingValue": 112500,
			"margin": 15000,
			"startAuctionAt": "2026-03-15T10:00:00Z",
			"status": "active",
			"bailiffOffice": "Komornik Sądowy przy SR w Żyrardowie",
			"params": {
				"LAND_AREA": 1500,
				"LAND_AREAHA": 0.15,
				"LAND_LOTTYPE": "budowlana",
				"LAND_MEDIA": ["prąd", "woda"],
				"LAND_FORMOFOWNERSHIP": "własność",
				"LAND_SHARESIZE": "1/1"
			}
		}]}`)
	}))
	defer srv.Close()

	items, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	l := items[0]
	assert.Equal(t, "12345", l.ExternalID)
	assert.Equal(t, "Działka budowlana", l.Title)
	assert.Equal(t, "Żyrardów", l.RawCity)
	assert.Equal(t, "ul. Polna 1", l.RawAddress)
	assert.InDelta(t, 150000.5, l.Price, 0.001)
	assert.InDelta(t, 112500, l.OpeningValue, 0.001)
	assert.InDelta(t, 15000, l.Margin, 0.001)
	assert.Equal(t, model.CategoryLand, l.Category)
	assert.Equal(t, "active", l.Status)
	require.NotNil(t, l.AuctionDate)
	assert.Equal(t, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), l.AuctionDate.UTC())
	assert.Equal(t, "Komornik Sądowy przy SR w Żyrardowie", l.BailiffOffice)
	assert.InDelta(t, 1500, l.LandAreaM2, 0.001)
	assert.InDelta(t, 0.15, l.LandAreaHa, 0.001)
	assert.Equal(t, "budowlana", l.LandType)
	assert.Equal(t, []string{"prąd", "woda"}, l.Utilities)
	assert.Equal(t, "własność", l.OwnershipForm)
	assert.Equal(t, "1/1", l.OwnershipShare)
	assert.Equal(t, model.GeocodePending, l.GeocodeStatus)
	assert.Len(t, l.SourceChecksum, 64)
}

func TestFetchPage_SkipsItemWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[
			{"title": "bez id", "city": "Radom"},
			{"id": 99, "title": "ok", "city": "Radom"}
		]}`)
	}))
	defer srv.Close()

	items, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryHouses, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "99", items[0].ExternalID)
}

func TestFetchPage_DecodesISO88592(t *testing.T) {
	payload := `{"items":[{"id":7,"title":"Grunt orny","city":"Żyrardów","estimate":1,"status":"active"}]}`
	encoded, err := charmap.ISO8859_2.NewEncoder().Bytes([]byte(payload))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=iso-8859-2")
		_, _ = w.Write(encoded)
	}))
	defer srv.Close()

	items, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Żyrardów", items[0].RawCity)
}

func TestFetchPage_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	items, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFetchPage_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetchPage_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestFetchPage_MalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	_, err := newTestSource(srv.URL, 30).FetchPage(context.Background(), model.CategoryLand, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "parse response")
}

func TestParseAuctionTime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *time.Time
	}{
		{name: "rfc3339", in: "2026-03-15T10:00:00Z", want: timePtr(2026, 3, 15, 10, 0, 0)},
		{name: "no zone", in: "2026-03-15T10:00:00", want: timePtr(2026, 3, 15, 10, 0, 0)},
		{name: "space separated", in: "2026-03-15 10:00:00", want: timePtr(2026, 3, 15, 10, 0, 0)},
		{name: "date only", in: "2026-03-15", want: timePtr(2026, 3, 15, 0, 0, 0)},
		{name: "empty", in: "", want: nil},
		{name: "garbage", in: "soon", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAuctionTime(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Equal(*tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func timePtr(year int, month time.Month, day, hour, minute, sec int) *time.Time {
	t := time.Date(year, month, day, hour, minute, sec, 0, time.UTC)
	return &t
}

func TestNewSource_Defaults(t *testing.T) {
	src := NewSource(SourceOptions{APIURL: "https://example.test/search"})
	assert.Equal(t, 30, src.PageSize())
	assert.NotNil(t, src.limiter)
	assert.NotNil(t, src.client)
	assert.Equal(t, "auction-cli/1.0", src.userAgent)
}
