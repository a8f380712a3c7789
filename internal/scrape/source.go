// Package scrape acquires auction listings from the e-licytacje search API.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/resilience"
)

// landAggregations are the parameter facets requested for land-bearing
// categories. The "inne" category carries no land parameters upstream.
var landAggregations = []string{
	"params.LAND_LOTTYPE",
	"params.LAND_AREAHA",
	"params.LAND_MEDIA",
	"params.LAND_FORMOFOWNERSHIP",
	"params.LAND_SHARESIZE",
	"params.LAND_AREA",
}

// SourceOptions configures the auction source client.
type SourceOptions struct {
	APIURL    string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
	Limiter   *rate.Limiter
}

// Source posts paginated search queries against the auction API and maps
// response items to listings.
type Source struct {
	client    *http.Client
	apiURL    string
	userAgent string
	pageSize  int
	limiter   *rate.Limiter
}

// NewSource creates a source client. A nil limiter gets a conservative
// default so the client never hammers the upstream.
func NewSource(opts SourceOptions) *Source {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "auction-cli/1.0"
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(0.5), 1)
	}
	return &Source{
		client:    &http.Client{Timeout: opts.Timeout},
		apiURL:    opts.APIURL,
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		limiter:   opts.Limiter,
	}
}

// PageSize returns the number of items requested per page.
func (s *Source) PageSize() int {
	return s.pageSize
}

type termFilter struct {
	Field string   `json:"field"`
	Value []string `json:"value"`
}

type searchRequest struct {
	Aggregations     []string     `json:"aggregations"`
	TermFilters      []termFilter `json:"termFilters"`
	NumberFilters    []any        `json:"numberFilters"`
	DateRangeFilters []any        `json:"dateRangeFilters"`
	FullTextFilters  []any        `json:"fullTextFilters"`
	Limit            int          `json:"limit"`
	OrderBy          string       `json:"orderBy"`
	OrderByField     string       `json:"orderByField"`
	Offset           int          `json:"offset"`
}

func buildSearchRequest(category model.Category, limit, offset int) searchRequest {
	aggs := landAggregations
	if category == model.CategoryOther {
		aggs = []string{}
	}
	return searchRequest{
		Aggregations: aggs,
		TermFilters: []termFilter{
			{Field: "mainCategory", Value: []string{"Nieruchomości"}},
			{Field: "subCategory", Value: []string{string(category)}},
		},
		NumberFilters:    []any{},
		DateRangeFilters: []any{},
		FullTextFilters:  []any{},
		Limit:            limit,
		OrderBy:          "DESC",
		OrderByField:     "startAuctionAt",
		Offset:           offset,
	}
}

type sourceParams struct {
	LandArea       json.Number `json:"LAND_AREA"`
	LandAreaHa     json.Number `json:"LAND_AREAHA"`
	LandType       string      `json:"LAND_LOTTYPE"`
	Utilities      []string    `json:"LAND_MEDIA"`
	OwnershipForm  string      `json:"LAND_FORMOFOWNERSHIP"`
	OwnershipShare string      `json:"LAND_SHARESIZE"`
}

type sourceItem struct {
	ID             json.Number  `json:"id"`
	Title          string       `json:"title"`
	City           string       `json:"city"`
	Address        string       `json:"address"`
	Estimate       float64      `json:"estimate"`
	OpeningValue   float64      `json:"openingValue"`
	Margin         float64      `json:"margin"`
	StartAuctionAt string       `json:"startAuctionAt"`
	Status         string       `json:"status"`
	BailiffOffice  string       `json:"bailiffOffice"`
	Params         sourceParams `json:"params"`
}

type searchResponse struct {
	Items []sourceItem `json:"items"`
}

// FetchPage retrieves one page of listings for the category. Pages are
// zero-based; an empty slice means the category is exhausted. Transient
// upstream failures are tagged for the retry layer.
func (s *Source) FetchPage(ctx context.Context, category model.Category, page int) ([]model.Listing, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "scrape: rate limiter wait")
	}

	payload := buildSearchRequest(category, s.pageSize, page*s.pageSize)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: marshal search request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "scrape: search request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("scrape: search returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(statusErr, resp.StatusCode)
	}

	reader, err := decodeCharset(resp)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "scrape: read response"), 0)
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "scrape: parse response"), resp.StatusCode)
	}

	listings := make([]model.Listing, 0, len(parsed.Items))
	for i := range parsed.Items {
		l, err := mapItem(&parsed.Items[i], category)
		if err != nil {
			zap.L().Warn("scrape: skipping malformed item",
				zap.String("category", string(category)),
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		listings = append(listings, *l)
	}
	return listings, nil
}

// decodeCharset wraps the response body in a charset decoder when the
// Content-Type declares a non-UTF-8 encoding. The upstream occasionally
// serves ISO-8859-2 or Windows-1250.
func decodeCharset(resp *http.Response) (io.Reader, error) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return resp.Body, nil
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return resp.Body, nil
	}
	cs, ok := params["charset"]
	if !ok || strings.EqualFold(cs, "utf-8") {
		return resp.Body, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "scrape: unsupported charset %q", cs), 0)
	}
	return enc.NewDecoder().Reader(resp.Body), nil
}

// auctionTimeFormats are tried in order when parsing startAuctionAt.
var auctionTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseAuctionTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range auctionTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func numberToFloat(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

// mapItem converts a raw API item into a listing with its checksum set.
func mapItem(it *sourceItem, category model.Category) (*model.Listing, error) {
	id := strings.TrimSpace(it.ID.String())
	if id == "" {
		return nil, eris.New("scrape: item has no id")
	}

	l := &model.Listing{
		ExternalID:     id,
		Title:          it.Title,
		RawAddress:     it.Address,
		RawCity:        it.City,
		Price:          it.Estimate,
		OpeningValue:   it.OpeningValue,
		Margin:         it.Margin,
		Category:       category,
		Status:         it.Status,
		AuctionDate:    parseAuctionTime(it.StartAuctionAt),
		BailiffOffice:  it.BailiffOffice,
		LandAreaM2:     numberToFloat(it.Params.LandArea),
		LandAreaHa:     numberToFloat(it.Params.LandAreaHa),
		LandType:       it.Params.LandType,
		OwnershipForm:  it.Params.OwnershipForm,
		OwnershipShare: it.Params.OwnershipShare,
		Utilities:      it.Params.Utilities,
		GeocodeStatus:  model.GeocodePending,
	}
	l.SourceChecksum = Checksum(l)
	return l, nil
}
