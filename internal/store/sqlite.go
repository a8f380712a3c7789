package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/plotpoint/auction-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS listings (
	external_id     TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	raw_address     TEXT NOT NULL DEFAULT '',
	raw_city        TEXT NOT NULL DEFAULT '',
	price           REAL NOT NULL DEFAULT 0,
	opening_value   REAL NOT NULL DEFAULT 0,
	margin          REAL NOT NULL DEFAULT 0,
	category        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT '',
	auction_date    DATETIME,
	bailiff_office  TEXT NOT NULL DEFAULT '',
	land_area_m2    REAL NOT NULL DEFAULT 0,
	land_area_ha    REAL NOT NULL DEFAULT 0,
	land_type       TEXT NOT NULL DEFAULT '',
	ownership_form  TEXT NOT NULL DEFAULT '',
	ownership_share TEXT NOT NULL DEFAULT '',
	utilities       TEXT NOT NULL DEFAULT '[]',
	source_checksum TEXT NOT NULL,
	geocode_status  TEXT NOT NULL DEFAULT 'pending',
	latitude        REAL,
	longitude       REAL,
	first_seen_at   DATETIME NOT NULL,
	last_seen_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	normalized_city_key TEXT PRIMARY KEY,
	latitude   REAL NOT NULL,
	longitude  REAL NOT NULL,
	confidence REAL NOT NULL,
	source     TEXT NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_geocodes (
	listing_id      TEXT PRIMARY KEY REFERENCES listings(external_id) ON DELETE CASCADE,
	raw_city        TEXT NOT NULL DEFAULT '',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	last_attempt_at DATETIME NOT NULL,
	resolved        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id            TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	new_count     INTEGER NOT NULL DEFAULT 0,
	updated_count INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS health_samples (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sampled_at DATETIME NOT NULL,
	cpu_pct    REAL NOT NULL,
	mem_pct    REAL NOT NULL,
	disk_pct   REAL NOT NULL,
	status     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS health_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	component  TEXT NOT NULL,
	status     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS watched_listings (
	listing_id TEXT PRIMARY KEY REFERENCES listings(external_id) ON DELETE CASCADE,
	notes      TEXT NOT NULL DEFAULT '',
	added_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_listings_geocode_status ON listings(geocode_status);
CREATE INDEX IF NOT EXISTS idx_listings_category ON listings(category);
CREATE INDEX IF NOT EXISTS idx_listings_raw_city ON listings(raw_city);
CREATE INDEX IF NOT EXISTS idx_listings_auction_date ON listings(auction_date);
CREATE INDEX IF NOT EXISTS idx_listings_first_seen ON listings(first_seen_at);
CREATE INDEX IF NOT EXISTS idx_failed_geocodes_resolved ON failed_geocodes(resolved);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_started ON scrape_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_health_samples_sampled ON health_samples(sampled_at);
CREATE INDEX IF NOT EXISTS idx_health_events_created ON health_events(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const listingColumns = `external_id, title, raw_address, raw_city, price, opening_value, margin,
	category, status, auction_date, bailiff_office, land_area_m2, land_area_ha, land_type,
	ownership_form, ownership_share, utilities, source_checksum, geocode_status,
	latitude, longitude, first_seen_at, last_seen_at`

func (s *SQLiteStore) UpsertListing(ctx context.Context, l *model.Listing) (UpsertOutcome, error) {
	now := time.Now().UTC()

	var oldCity, oldChecksum string
	err := s.db.QueryRowContext(ctx,
		`SELECT raw_city, source_checksum FROM listings WHERE external_id = ?`,
		l.ExternalID,
	).Scan(&oldCity, &oldChecksum)

	switch {
	case err == sql.ErrNoRows:
		utilitiesJSON, merr := json.Marshal(l.Utilities)
		if merr != nil {
			return UpsertUnchanged, eris.Wrap(merr, "sqlite: marshal utilities")
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO listings (`+listingColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ExternalID, l.Title, l.RawAddress, l.RawCity, l.Price, l.OpeningValue, l.Margin,
			string(l.Category), l.Status, nullTime(l.AuctionDate), l.BailiffOffice,
			l.LandAreaM2, l.LandAreaHa, l.LandType, l.OwnershipForm, l.OwnershipShare,
			string(utilitiesJSON), l.SourceChecksum, string(model.GeocodePending),
			nil, nil, now, now,
		)
		if err != nil {
			return UpsertUnchanged, eris.Wrapf(err, "sqlite: insert listing %s", l.ExternalID)
		}
		return UpsertInserted, nil

	case err != nil:
		return UpsertUnchanged, eris.Wrapf(err, "sqlite: lookup listing %s", l.ExternalID)

	case oldChecksum == l.SourceChecksum:
		return UpsertUnchanged, nil
	}

	utilitiesJSON, err := json.Marshal(l.Utilities)
	if err != nil {
		return UpsertUnchanged, eris.Wrap(err, "sqlite: marshal utilities")
	}

	query := `UPDATE listings SET
		title = ?, raw_address = ?, raw_city = ?, price = ?, opening_value = ?, margin = ?,
		category = ?, status = ?, auction_date = ?, bailiff_office = ?,
		land_area_m2 = ?, land_area_ha = ?, land_type = ?, ownership_form = ?, ownership_share = ?,
		utilities = ?, source_checksum = ?, last_seen_at = ?`
	args := []any{
		l.Title, l.RawAddress, l.RawCity, l.Price, l.OpeningValue, l.Margin,
		string(l.Category), l.Status, nullTime(l.AuctionDate), l.BailiffOffice,
		l.LandAreaM2, l.LandAreaHa, l.LandType, l.OwnershipForm, l.OwnershipShare,
		string(utilitiesJSON), l.SourceChecksum, now,
	}
	// A changed city invalidates whatever location was resolved for the
	// old value; the listing goes back through the geocode queue.
	if oldCity != l.RawCity {
		query += `, geocode_status = ?, latitude = NULL, longitude = NULL`
		args = append(args, string(model.GeocodePending))
	}
	query += ` WHERE external_id = ?`
	args = append(args, l.ExternalID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return UpsertUnchanged, eris.Wrapf(err, "sqlite: update listing %s", l.ExternalID)
	}
	if err := checkRowsAffected(res, "listing", l.ExternalID); err != nil {
		return UpsertUnchanged, err
	}
	return UpsertUpdated, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, externalID string) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE external_id = ?`,
		externalID,
	)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get listing %s", externalID)
	}
	return l, nil
}

// buildListingWhere assembles the WHERE clause shared by ListListings and
// CountListings.
func buildListingWhere(filter ListingFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any

	if filter.City != "" {
		where += ` AND raw_city LIKE ?`
		args = append(args, "%"+filter.City+"%")
	}
	if filter.Category != "" {
		where += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.GeocodeStatus != "" {
		where += ` AND geocode_status = ?`
		args = append(args, string(filter.GeocodeStatus))
	}
	if filter.MinPrice > 0 {
		where += ` AND price >= ?`
		args = append(args, filter.MinPrice)
	}
	if filter.MaxPrice > 0 {
		where += ` AND price <= ?`
		args = append(args, filter.MaxPrice)
	}
	if filter.From != nil {
		where += ` AND auction_date >= ?`
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where += ` AND auction_date <= ?`
		args = append(args, filter.To.UTC())
	}
	if filter.WatchedOnly {
		where += ` AND external_id IN (SELECT listing_id FROM watched_listings)`
	}
	return where, args
}

func (s *SQLiteStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	where, args := buildListingWhere(filter)
	query := `SELECT ` + listingColumns + ` FROM listings` + where + ` ORDER BY auction_date ASC, external_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "sqlite: list listings iterate")
}

func (s *SQLiteStore) CountListings(ctx context.Context, filter ListingFilter) (int, error) {
	where, args := buildListingWhere(filter)

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count listings")
}

func (s *SQLiteStore) ListGeocodeCandidates(ctx context.Context, limit, maxAttempts int, retryBefore time.Time) ([]model.Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings l
		 WHERE l.geocode_status = ?
		    OR (l.geocode_status = ? AND EXISTS (
		        SELECT 1 FROM failed_geocodes f
		        WHERE f.listing_id = l.external_id
		          AND f.resolved = 0
		          AND f.attempt_count < ?
		          AND f.last_attempt_at <= ?))
		 ORDER BY l.first_seen_at ASC, l.external_id ASC
		 LIMIT ?`,
		string(model.GeocodePending), string(model.GeocodeFailed),
		maxAttempts, retryBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list geocode candidates")
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "sqlite: list geocode candidates iterate")
}

func (s *SQLiteStore) SetListingGeocode(ctx context.Context, externalID string, status model.GeocodeStatus, lat, lng *float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET geocode_status = ?, latitude = ?, longitude = ? WHERE external_id = ?`,
		string(status), lat, lng, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set geocode for listing %s", externalID)
	}
	return checkRowsAffected(res, "listing", externalID)
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.GeocodeCacheEntry, error) {
	var e model.GeocodeCacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT normalized_city_key, latitude, longitude, confidence, source, hit_count, created_at
		 FROM geocode_cache WHERE normalized_city_key = ?`,
		key,
	).Scan(&e.NormalizedCityKey, &e.Latitude, &e.Longitude, &e.Confidence, &e.Source, &e.HitCount, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cache entry %s", key)
	}
	return &e, nil
}

func (s *SQLiteStore) BumpCacheHit(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE geocode_cache SET hit_count = hit_count + 1 WHERE normalized_city_key = ?`,
		key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump cache hit %s", key)
	}
	return checkRowsAffected(res, "cache entry", key)
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e *model.GeocodeCacheEntry) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO geocode_cache (normalized_city_key, latitude, longitude, confidence, source, hit_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (normalized_city_key) DO UPDATE SET
		   latitude = excluded.latitude, longitude = excluded.longitude,
		   confidence = excluded.confidence, source = excluded.source`,
		e.NormalizedCityKey, e.Latitude, e.Longitude, e.Confidence, string(e.Source), now,
	)
	return eris.Wrapf(err, "sqlite: put cache entry %s", e.NormalizedCityKey)
}

func (s *SQLiteStore) ListCacheKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT normalized_city_key FROM geocode_cache`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cache keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list cache keys iterate")
}

func (s *SQLiteStore) RecordGeocodeFailure(ctx context.Context, listingID, rawCity, lastError string) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_geocodes (listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved)
		 VALUES (?, ?, 1, ?, ?, 0)
		 ON CONFLICT (listing_id) DO UPDATE SET
		   attempt_count = attempt_count + 1, raw_city = excluded.raw_city,
		   last_error = excluded.last_error, last_attempt_at = excluded.last_attempt_at,
		   resolved = 0`,
		listingID, rawCity, lastError, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: record geocode failure %s", listingID)
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM failed_geocodes WHERE listing_id = ?`, listingID,
	).Scan(&attempts)
	return attempts, eris.Wrapf(err, "sqlite: read failure attempts %s", listingID)
}

func (s *SQLiteStore) GetFailedGeocode(ctx context.Context, listingID string) (*model.FailedGeocode, error) {
	var f model.FailedGeocode
	err := s.db.QueryRowContext(ctx,
		`SELECT listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved
		 FROM failed_geocodes WHERE listing_id = ?`,
		listingID,
	).Scan(&f.ListingID, &f.RawCity, &f.AttemptCount, &f.LastError, &f.LastAttemptAt, &f.Resolved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get failed geocode %s", listingID)
	}
	return &f, nil
}

func (s *SQLiteStore) ListFailedGeocodes(ctx context.Context, includeResolved bool, limit int) ([]model.FailedGeocode, error) {
	query := `SELECT listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved
	          FROM failed_geocodes`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY last_attempt_at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed geocodes")
	}
	defer rows.Close()

	var failed []model.FailedGeocode
	for rows.Next() {
		var f model.FailedGeocode
		if err := rows.Scan(&f.ListingID, &f.RawCity, &f.AttemptCount, &f.LastError, &f.LastAttemptAt, &f.Resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed geocode")
		}
		failed = append(failed, f)
	}
	return failed, eris.Wrap(rows.Err(), "sqlite: list failed geocodes iterate")
}

func (s *SQLiteStore) MarkFailedResolved(ctx context.Context, listingID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failed_geocodes SET resolved = 1 WHERE listing_id = ?`,
		listingID,
	)
	return eris.Wrapf(err, "sqlite: mark failed resolved %s", listingID)
}

func (s *SQLiteStore) CreateScrapeRun(ctx context.Context, category model.Category) (*model.ScrapeRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_runs (id, category, started_at) VALUES (?, ?, ?)`,
		id, string(category), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert scrape run")
	}

	return &model.ScrapeRun{
		RunID:     id,
		Category:  category,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) FinalizeScrapeRun(ctx context.Context, run *model.ScrapeRun) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_runs SET finished_at = ?, pages_fetched = ?, new_count = ?,
		 updated_count = ?, error_count = ?, outcome = ? WHERE id = ?`,
		now, run.PagesFetched, run.NewCount, run.UpdatedCount, run.ErrorCount,
		string(run.Outcome), run.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize scrape run %s", run.RunID)
	}
	run.FinishedAt = &now
	return checkRowsAffected(res, "scrape run", run.RunID)
}

func (s *SQLiteStore) LatestScrapeRun(ctx context.Context) (*model.ScrapeRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, started_at, finished_at, pages_fetched, new_count, updated_count, error_count, outcome
		 FROM scrape_runs ORDER BY started_at DESC LIMIT 1`,
	)
	r, err := scanScrapeRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest scrape run")
	}
	return r, nil
}

func (s *SQLiteStore) ListScrapeRuns(ctx context.Context, limit int) ([]model.ScrapeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, started_at, finished_at, pages_fetched, new_count, updated_count, error_count, outcome
		 FROM scrape_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scrape runs")
	}
	defer rows.Close()

	var runs []model.ScrapeRun
	for rows.Next() {
		r, err := scanScrapeRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scrape run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list scrape runs iterate")
}

func (s *SQLiteStore) InsertHealthSample(ctx context.Context, sample model.HealthSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_samples (sampled_at, cpu_pct, mem_pct, disk_pct, status) VALUES (?, ?, ?, ?, ?)`,
		sample.Timestamp.UTC(), sample.CPUPct, sample.MemPct, sample.DiskPct, string(sample.Status),
	)
	return eris.Wrap(err, "sqlite: insert health sample")
}

func (s *SQLiteStore) LatestHealthSample(ctx context.Context) (*model.HealthSample, error) {
	var sample model.HealthSample
	err := s.db.QueryRowContext(ctx,
		`SELECT sampled_at, cpu_pct, mem_pct, disk_pct, status
		 FROM health_samples ORDER BY id DESC LIMIT 1`,
	).Scan(&sample.Timestamp, &sample.CPUPct, &sample.MemPct, &sample.DiskPct, &sample.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest health sample")
	}
	return &sample, nil
}

func (s *SQLiteStore) InsertHealthEvent(ctx context.Context, event model.HealthEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_events (component, status, message, created_at) VALUES (?, ?, ?, ?)`,
		event.Component, string(event.Status), event.Message, event.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert health event")
}

func (s *SQLiteStore) ListHealthEvents(ctx context.Context, limit int) ([]model.HealthEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT component, status, message, created_at
		 FROM health_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list health events")
	}
	defer rows.Close()

	var events []model.HealthEvent
	for rows.Next() {
		var e model.HealthEvent
		if err := rows.Scan(&e.Component, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan health event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list health events iterate")
}

func (s *SQLiteStore) AddWatched(ctx context.Context, externalID, notes string) error {
	listing, err := s.GetListing(ctx, externalID)
	if err != nil {
		return err
	}
	if listing == nil {
		return eris.Errorf("listing not found: %s", externalID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watched_listings (listing_id, notes, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (listing_id) DO UPDATE SET notes = excluded.notes`,
		externalID, notes, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: add watched %s", externalID)
}

func (s *SQLiteStore) RemoveWatched(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watched_listings WHERE listing_id = ?`,
		externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove watched %s", externalID)
	}
	return checkRowsAffected(res, "watched listing", externalID)
}

func (s *SQLiteStore) ListWatched(ctx context.Context) ([]model.WatchedListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, notes, added_at FROM watched_listings ORDER BY added_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watched")
	}
	defer rows.Close()

	var watched []model.WatchedListing
	for rows.Next() {
		var w model.WatchedListing
		if err := rows.Scan(&w.ListingID, &w.Notes, &w.AddedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watched")
		}
		watched = append(watched, w)
	}
	return watched, eris.Wrap(rows.Err(), "sqlite: list watched iterate")
}

func (s *SQLiteStore) CategoryStats(ctx context.Context) ([]CategoryStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category,
		        COUNT(*),
		        SUM(CASE WHEN geocode_status IN ('cached_hit', 'resolved', 'manual_override') THEN 1 ELSE 0 END),
		        SUM(CASE WHEN geocode_status = 'failed' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN geocode_status = 'pending' THEN 1 ELSE 0 END),
		        MIN(price),
		        AVG(price),
		        MAX(price)
		 FROM listings GROUP BY category ORDER BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: category stats")
	}
	defer rows.Close()

	var stats []CategoryStat
	for rows.Next() {
		var st CategoryStat
		var min, avg, max sql.NullFloat64
		if err := rows.Scan(&st.Category, &st.Total, &st.Geocoded, &st.Failed, &st.Pending, &min, &avg, &max); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category stat")
		}
		st.MinPrice = min.Float64
		st.AvgPrice = avg.Float64
		st.MaxPrice = max.Float64
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: category stats iterate")
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, auctionsBefore, retainedBefore time.Time) (CleanupStats, error) {
	var stats CleanupStats

	// Failure entries go first so listings removed below are counted here
	// rather than vanishing through the FK cascade.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_geocodes WHERE resolved = 1
		   OR listing_id IN (SELECT external_id FROM listings
		                     WHERE auction_date IS NOT NULL AND auction_date < ?)`,
		auctionsBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: cleanup failed geocodes")
	}
	stats.FailedRemoved = rowsAffected(res)

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM listings WHERE auction_date IS NOT NULL AND auction_date < ?`,
		auctionsBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: cleanup listings")
	}
	stats.ListingsRemoved = rowsAffected(res)

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM health_samples WHERE sampled_at < ?`,
		retainedBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: cleanup health samples")
	}
	stats.SamplesRemoved = rowsAffected(res)

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM health_events WHERE created_at < ?`,
		retainedBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: cleanup health events")
	}
	stats.EventsRemoved = rowsAffected(res)

	return stats, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func rowsAffected(res sql.Result) int {
	n, _ := res.RowsAffected()
	return int(n)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (*model.Listing, error) {
	var l model.Listing
	var category, geocodeStatus string
	var auctionDate sql.NullTime
	var lat, lng sql.NullFloat64
	var utilitiesJSON string

	err := row.Scan(
		&l.ExternalID, &l.Title, &l.RawAddress, &l.RawCity, &l.Price, &l.OpeningValue, &l.Margin,
		&category, &l.Status, &auctionDate, &l.BailiffOffice, &l.LandAreaM2, &l.LandAreaHa,
		&l.LandType, &l.OwnershipForm, &l.OwnershipShare, &utilitiesJSON, &l.SourceChecksum,
		&geocodeStatus, &lat, &lng, &l.FirstSeenAt, &l.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	l.Category = model.Category(category)
	l.GeocodeStatus = model.GeocodeStatus(geocodeStatus)
	if auctionDate.Valid {
		t := auctionDate.Time
		l.AuctionDate = &t
	}
	if lat.Valid {
		v := lat.Float64
		l.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		l.Longitude = &v
	}
	if err := json.Unmarshal([]byte(utilitiesJSON), &l.Utilities); err != nil {
		return nil, eris.Wrap(err, "unmarshal utilities")
	}
	return &l, nil
}

func scanScrapeRun(row scannable) (*model.ScrapeRun, error) {
	var r model.ScrapeRun
	var category, outcome string
	var finished sql.NullTime

	err := row.Scan(&r.RunID, &category, &r.StartedAt, &finished,
		&r.PagesFetched, &r.NewCount, &r.UpdatedCount, &r.ErrorCount, &outcome)
	if err != nil {
		return nil, err
	}

	r.Category = model.Category(category)
	r.Outcome = model.RunOutcome(outcome)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
