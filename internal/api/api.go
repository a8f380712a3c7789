// Package api exposes the pipeline's read and control surface over
// HTTP: listing queries, the manual-review queue, on-demand job
// triggers and health introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/config"
	"github.com/plotpoint/auction-cli/internal/geocoding"
	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/normalize"
	"github.com/plotpoint/auction-cli/internal/scheduler"
	"github.com/plotpoint/auction-cli/internal/store"
)

// Server serves the HTTP API. Job triggers go through the scheduler so
// manual runs respect the same mutual exclusion as scheduled ones.
type Server struct {
	store      store.Store
	sched      *scheduler.Scheduler
	resolver   *geocoding.Resolver
	normalizer *normalize.Normalizer
	cfg        config.ServerConfig

	router chi.Router
	server *http.Server
}

// NewServer wires the routes over the store, scheduler, resolver and
// normalizer. Everything lives under /api except the bare /health
// liveness probe at the root.
func NewServer(st store.Store, sched *scheduler.Scheduler, resolver *geocoding.Resolver, normalizer *normalize.Normalizer, cfg config.ServerConfig) *Server {
	s := &Server{
		store:      st,
		sched:      sched,
		resolver:   resolver,
		normalizer: normalizer,
		cfg:        cfg,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleLiveness)
	r.Route("/api", func(r chi.Router) {
		r.Get("/listings", s.handleListings)
		r.Get("/listings.geojson", s.handleListingsGeoJSON)
		r.Get("/listings/{externalID}", s.handleGetListing)
		r.Get("/failed-geocodes", s.handleFailedGeocodes)
		r.Post("/failed-geocodes/{listingID}/override", s.handleOverride)
		r.Post("/scrape", s.handleTriggerScrape)
		r.Post("/geocode", s.handleTriggerGeocode)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/watched", s.handleListWatched)
		r.Get("/watched/{externalID}", s.handleGetWatched)
		r.Post("/watched/{externalID}", s.handleAddWatched)
		r.Delete("/watched/{externalID}", s.handleRemoveWatched)
		r.Post("/tables/reload", s.handleReloadTables)
	})
	s.router = r

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.server.Addr = fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	zap.L().Info("api: server listening", zap.Int("port", s.cfg.Port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "api: shutdown")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "api: listen")
		}
		return nil
	}
}

type listingsResponse struct {
	Listings []model.Listing `json:"listings"`
	Count    int             `json:"count"`
}

type failedGeocodesResponse struct {
	FailedGeocodes []model.FailedGeocode `json:"failed_geocodes"`
	Count          int                   `json:"count"`
}

type healthResponse struct {
	Status model.HealthStatus    `json:"status"`
	Sample *model.HealthSample   `json:"sample,omitempty"`
	Jobs   []scheduler.JobStatus `json:"jobs"`
}

type statsResponse struct {
	Categories []store.CategoryStat `json:"categories"`
	LastRun    *model.ScrapeRun     `json:"last_run,omitempty"`
}

type watchedResponse struct {
	Watched []model.WatchedListing `json:"watched"`
	Count   int                    `json:"count"`
}

type reloadResponse struct {
	Status      string `json:"status"`
	Diacritics  int    `json:"diacritics"`
	Prefixes    int    `json:"prefixes"`
	Corrections int    `json:"corrections"`
}

type overrideRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type watchRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
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
	if listings == nil {
		listings = []model.Listing{}
	}
	s.writeJSON(w, http.StatusOK, listingsResponse{Listings: listings, Count: len(listings)})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "externalID")
	l, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if l == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("listing not found: %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleFailedGeocodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	includeResolved := false
	if v := q.Get("include_resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid include_resolved %q", v))
			return
		}
		includeResolved = b
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	failed, err := s.store.ListFailedGeocodes(r.Context(), includeResolved, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failed == nil {
		failed = []model.FailedGeocode{}
	}
	s.writeJSON(w, http.StatusOK, failedGeocodesResponse{FailedGeocodes: failed, Count: len(failed)})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.resolver.ApplyOverride(r.Context(), id, req.Latitude, req.Longitude); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerScrape(w http.ResponseWriter, _ *http.Request) {
	s.trigger(w, "scrape")
}

func (s *Server) handleTriggerGeocode(w http.ResponseWriter, _ *http.Request) {
	s.trigger(w, "geocode")
}

// trigger starts a named job, refusing with 409 while a prior run is
// still in flight.
func (s *Server) trigger(w http.ResponseWriter, job string) {
	if err := s.sched.TryRun(job); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrJobRunning):
			s.writeError(w, http.StatusConflict, fmt.Sprintf("%s already running", job))
		case errors.Is(err, scheduler.ErrUnknownJob):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": job})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sample, err := s.store.LatestHealthSample(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := healthResponse{Status: model.HealthOK, Sample: sample, Jobs: s.sched.Jobs()}
	if sample != nil {
		resp.Status = sample.Status
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CategoryStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	run, err := s.store.LatestScrapeRun(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stats == nil {
		stats = []store.CategoryStat{}
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Categories: stats, LastRun: run})
}

func (s *Server) handleListWatched(w http.ResponseWriter, r *http.Request) {
	watched, err := s.store.ListWatched(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if watched == nil {
		watched = []model.WatchedListing{}
	}
	s.writeJSON(w, http.StatusOK, watchedResponse{Watched: watched, Count: len(watched)})
}

func (s *Server) handleGetWatched(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "externalID")
	watched, err := s.store.ListWatched(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, entry := range watched {
		if entry.ListingID == id {
			s.writeJSON(w, http.StatusOK, entry)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("listing %s is not watched", id))
}

func (s *Server) handleAddWatched(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "externalID")

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.store.AddWatched(r.Context(), id, req.Notes); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveWatched(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "externalID")
	if err := s.store.RemoveWatched(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReloadTables(w http.ResponseWriter, _ *http.Request) {
	if err := s.normalizer.Reload(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	diacritics, prefixes, corrections := s.normalizer.Counts()
	s.writeJSON(w, http.StatusOK, reloadResponse{
		Status:      "reloaded",
		Diacritics:  diacritics,
		Prefixes:    prefixes,
		Corrections: corrections,
	})
}

// listingFilter builds a store filter from the request query.
func listingFilter(r *http.Request) (store.ListingFilter, error) {
	q := r.URL.Query()
	f := store.ListingFilter{
		City:   q.Get("city"),
		Status: q.Get("status"),
	}

	if v := q.Get("category"); v != "" {
		cat, err := model.ParseCategory(v)
		if err != nil {
			return f, err
		}
		f.Category = cat
	}
	if v := q.Get("geocode_status"); v != "" {
		f.GeocodeStatus = model.GeocodeStatus(v)
	}

	var err error
	if f.MinPrice, err = floatParam(q.Get("min_price")); err != nil {
		return f, err
	}
	if f.MaxPrice, err = floatParam(q.Get("max_price")); err != nil {
		return f, err
	}
	if v := q.Get("from"); v != "" {
		if f.From, err = parseTimeParam(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = parseTimeParam(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("watched"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, eris.Errorf("invalid watched %q", v)
		}
		f.WatchedOnly = b
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

// parseTimeParam accepts RFC3339 or a bare date.
func parseTimeParam(v string) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, eris.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", v)
	}
	return &t, nil
}

func floatParam(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, eris.Errorf("invalid number %q", v)
	}
	return n, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, eris.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// writeDomainError maps store and resolver failures onto HTTP statuses
// by message class: missing rows to 404, bounds violations to 400.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		s.writeError(w, http.StatusNotFound, msg)
	case strings.Contains(msg, "outside"):
		s.writeError(w, http.StatusBadRequest, msg)
	default:
		s.writeError(w, http.StatusInternalServerError, msg)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
