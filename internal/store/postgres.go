package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/plotpoint/auction-cli/internal/db"
	"github.com/plotpoint/auction-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_listing_head":    `SELECT raw_city, source_checksum FROM listings WHERE external_id = $1`,
	"set_listing_geocode": `UPDATE listings SET geocode_status = $1, latitude = $2, longitude = $3 WHERE external_id = $4`,
	"get_cache_entry":     `SELECT normalized_city_key, latitude, longitude, confidence, source, hit_count, created_at FROM geocode_cache WHERE normalized_city_key = $1`,
	"bump_cache_hit":      `UPDATE geocode_cache SET hit_count = hit_count + 1 WHERE normalized_city_key = $1`,
	"insert_health_sample": `INSERT INTO health_samples (sampled_at, cpu_pct, mem_pct, disk_pct, status) VALUES ($1, $2, $3, $4, $5)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listings (
	external_id     TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	raw_address     TEXT NOT NULL DEFAULT '',
	raw_city        TEXT NOT NULL DEFAULT '',
	price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	opening_value   DOUBLE PRECISION NOT NULL DEFAULT 0,
	margin          DOUBLE PRECISION NOT NULL DEFAULT 0,
	category        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT '',
	auction_date    TIMESTAMPTZ,
	bailiff_office  TEXT NOT NULL DEFAULT '',
	land_area_m2    DOUBLE PRECISION NOT NULL DEFAULT 0,
	land_area_ha    DOUBLE PRECISION NOT NULL DEFAULT 0,
	land_type       TEXT NOT NULL DEFAULT '',
	ownership_form  TEXT NOT NULL DEFAULT '',
	ownership_share TEXT NOT NULL DEFAULT '',
	utilities       JSONB NOT NULL DEFAULT '[]',
	source_checksum TEXT NOT NULL,
	geocode_status  TEXT NOT NULL DEFAULT 'pending',
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	first_seen_at   TIMESTAMPTZ NOT NULL,
	last_seen_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	normalized_city_key TEXT PRIMARY KEY,
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS failed_geocodes (
	listing_id      TEXT PRIMARY KEY REFERENCES listings(external_id) ON DELETE CASCADE,
	raw_city        TEXT NOT NULL DEFAULT '',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	last_attempt_at TIMESTAMPTZ NOT NULL,
	resolved        BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id            TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	new_count     INTEGER NOT NULL DEFAULT 0,
	updated_count INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS health_samples (
	id         BIGSERIAL PRIMARY KEY,
	sampled_at TIMESTAMPTZ NOT NULL,
	cpu_pct    DOUBLE PRECISION NOT NULL,
	mem_pct    DOUBLE PRECISION NOT NULL,
	disk_pct   DOUBLE PRECISION NOT NULL,
	status     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS health_events (
	id         BIGSERIAL PRIMARY KEY,
	component  TEXT NOT NULL,
	status     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS watched_listings (
	listing_id TEXT PRIMARY KEY REFERENCES listings(external_id) ON DELETE CASCADE,
	notes      TEXT NOT NULL DEFAULT '',
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertListing(ctx context.Context, l *model.Listing) (UpsertOutcome, error) {
	now := time.Now().UTC()

	var oldCity, oldChecksum string
	err := s.pool.QueryRow(ctx,
		`SELECT raw_city, source_checksum FROM listings WHERE external_id = $1`,
		l.ExternalID,
	).Scan(&oldCity, &oldChecksum)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		utilitiesJSON, merr := json.Marshal(l.Utilities)
		if merr != nil {
			return UpsertUnchanged, eris.Wrap(merr, "postgres: marshal utilities")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO listings (`+listingColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
			l.ExternalID, l.Title, l.RawAddress, l.RawCity, l.Price, l.OpeningValue, l.Margin,
			string(l.Category), l.Status, l.AuctionDate, l.BailiffOffice,
			l.LandAreaM2, l.LandAreaHa, l.LandType, l.OwnershipForm, l.OwnershipShare,
			utilitiesJSON, l.SourceChecksum, string(model.GeocodePending),
			nil, nil, now, now,
		)
		if err != nil {
			return UpsertUnchanged, eris.Wrapf(err, "postgres: insert listing %s", l.ExternalID)
		}
		return UpsertInserted, nil

	case err != nil:
		return UpsertUnchanged, eris.Wrapf(err, "postgres: lookup listing %s", l.ExternalID)

	case oldChecksum == l.SourceChecksum:
		return UpsertUnchanged, nil
	}

	utilitiesJSON, err := json.Marshal(l.Utilities)
	if err != nil {
		return UpsertUnchanged, eris.Wrap(err, "postgres: marshal utilities")
	}

	query := `UPDATE listings SET
		title = $1, raw_address = $2, raw_city = $3, price = $4, opening_value = $5, margin = $6,
		category = $7, status = $8, auction_date = $9, bailiff_office = $10,
		land_area_m2 = $11, land_area_ha = $12, land_type = $13, ownership_form = $14, ownership_share = $15,
		utilities = $16, source_checksum = $17, last_seen_at = $18`
	args := []any{
		l.Title, l.RawAddress, l.RawCity, l.Price, l.OpeningValue, l.Margin,
		string(l.Category), l.Status, l.AuctionDate, l.BailiffOffice,
		l.LandAreaM2, l.LandAreaHa, l.LandType, l.OwnershipForm, l.OwnershipShare,
		utilitiesJSON, l.SourceChecksum, now,
	}
	argIdx := 19

	// A changed city invalidates whatever location was resolved for the
	// old value; the listing goes back through the geocode queue.
	if oldCity != l.RawCity {
		query += fmt.Sprintf(`, geocode_status = $%d, latitude = NULL, longitude = NULL`, argIdx)
		args = append(args, string(model.GeocodePending))
		argIdx++
	}
	query += fmt.Sprintf(` WHERE external_id = $%d`, argIdx)
	args = append(args, l.ExternalID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return UpsertUnchanged, eris.Wrapf(err, "postgres: update listing %s", l.ExternalID)
	}
	if tag.RowsAffected() == 0 {
		return UpsertUnchanged, eris.Errorf("listing not found: %s", l.ExternalID)
	}
	return UpsertUpdated, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, externalID string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE external_id = $1`,
		externalID,
	)
	l, err := scanListingPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get listing %s", externalID)
	}
	return l, nil
}

// buildListingWherePg assembles the WHERE clause shared by ListListings and
// CountListings, returning the next free placeholder index.
func buildListingWherePg(filter ListingFilter) (string, []any, int) {
	where := ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.City != "" {
		where += fmt.Sprintf(` AND raw_city ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.City+"%")
		argIdx++
	}
	if filter.Category != "" {
		where += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.GeocodeStatus != "" {
		where += fmt.Sprintf(` AND geocode_status = $%d`, argIdx)
		args = append(args, string(filter.GeocodeStatus))
		argIdx++
	}
	if filter.MinPrice > 0 {
		where += fmt.Sprintf(` AND price >= $%d`, argIdx)
		args = append(args, filter.MinPrice)
		argIdx++
	}
	if filter.MaxPrice > 0 {
		where += fmt.Sprintf(` AND price <= $%d`, argIdx)
		args = append(args, filter.MaxPrice)
		argIdx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND auction_date >= $%d`, argIdx)
		args = append(args, filter.From.UTC())
		argIdx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND auction_date <= $%d`, argIdx)
		args = append(args, filter.To.UTC())
		argIdx++
	}
	if filter.WatchedOnly {
		where += ` AND external_id IN (SELECT listing_id FROM watched_listings)`
	}
	return where, args, argIdx
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	where, args, argIdx := buildListingWherePg(filter)
	query := `SELECT ` + listingColumns + ` FROM listings` + where + ` ORDER BY auction_date ASC, external_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListingPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "postgres: list listings iterate")
}

func (s *PostgresStore) CountListings(ctx context.Context, filter ListingFilter) (int, error) {
	where, args, _ := buildListingWherePg(filter)

	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&count)
	return count, eris.Wrap(err, "postgres: count listings")
}

func (s *PostgresStore) ListGeocodeCandidates(ctx context.Context, limit, maxAttempts int, retryBefore time.Time) ([]model.Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings l
		 WHERE l.geocode_status = $1
		    OR (l.geocode_status = $2 AND EXISTS (
		        SELECT 1 FROM failed_geocodes f
		        WHERE f.listing_id = l.external_id
		          AND NOT f.resolved
		          AND f.attempt_count < $3
		          AND f.last_attempt_at <= $4))
		 ORDER BY l.first_seen_at ASC, l.external_id ASC
		 LIMIT $5`,
		string(model.GeocodePending), string(model.GeocodeFailed),
		maxAttempts, retryBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list geocode candidates")
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListingPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "postgres: list geocode candidates iterate")
}

func (s *PostgresStore) SetListingGeocode(ctx context.Context, externalID string, status model.GeocodeStatus, lat, lng *float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET geocode_status = $1, latitude = $2, longitude = $3 WHERE external_id = $4`,
		string(status), lat, lng, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set geocode for listing %s", externalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("listing not found: %s", externalID)
	}
	return nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.GeocodeCacheEntry, error) {
	var e model.GeocodeCacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT normalized_city_key, latitude, longitude, confidence, source, hit_count, created_at
		 FROM geocode_cache WHERE normalized_city_key = $1`,
		key,
	).Scan(&e.NormalizedCityKey, &e.Latitude, &e.Longitude, &e.Confidence, &e.Source, &e.HitCount, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cache entry %s", key)
	}
	return &e, nil
}

func (s *PostgresStore) BumpCacheHit(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE geocode_cache SET hit_count = hit_count + 1 WHERE normalized_city_key = $1`,
		key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump cache hit %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cache entry not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, e *model.GeocodeCacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO geocode_cache (normalized_city_key, latitude, longitude, confidence, source, hit_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)
		 ON CONFLICT (normalized_city_key) DO UPDATE SET
		   latitude = $2, longitude = $3, confidence = $4, source = $5`,
		e.NormalizedCityKey, e.Latitude, e.Longitude, e.Confidence, string(e.Source), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put cache entry %s", e.NormalizedCityKey)
}

func (s *PostgresStore) ListCacheKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT normalized_city_key FROM geocode_cache`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cache keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list cache keys iterate")
}

func (s *PostgresStore) RecordGeocodeFailure(ctx context.Context, listingID, rawCity, lastError string) (int, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_geocodes (listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved)
		 VALUES ($1, $2, 1, $3, $4, false)
		 ON CONFLICT (listing_id) DO UPDATE SET
		   attempt_count = failed_geocodes.attempt_count + 1, raw_city = $2,
		   last_error = $3, last_attempt_at = $4, resolved = false`,
		listingID, rawCity, lastError, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: record geocode failure %s", listingID)
	}

	var attempts int
	err = s.pool.QueryRow(ctx,
		`SELECT attempt_count FROM failed_geocodes WHERE listing_id = $1`, listingID,
	).Scan(&attempts)
	return attempts, eris.Wrapf(err, "postgres: read failure attempts %s", listingID)
}

func (s *PostgresStore) GetFailedGeocode(ctx context.Context, listingID string) (*model.FailedGeocode, error) {
	var f model.FailedGeocode
	err := s.pool.QueryRow(ctx,
		`SELECT listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved
		 FROM failed_geocodes WHERE listing_id = $1`,
		listingID,
	).Scan(&f.ListingID, &f.RawCity, &f.AttemptCount, &f.LastError, &f.LastAttemptAt, &f.Resolved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get failed geocode %s", listingID)
	}
	return &f, nil
}

func (s *PostgresStore) ListFailedGeocodes(ctx context.Context, includeResolved bool, limit int) ([]model.FailedGeocode, error) {
	query := `SELECT listing_id, raw_city, attempt_count, last_error, last_attempt_at, resolved
	          FROM failed_geocodes`
	if !includeResolved {
		query += ` WHERE NOT resolved`
	}
	query += ` ORDER BY last_attempt_at DESC LIMIT $1`

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed geocodes")
	}
	defer rows.Close()

	var failed []model.FailedGeocode
	for rows.Next() {
		var f model.FailedGeocode
		if err := rows.Scan(&f.ListingID, &f.RawCity, &f.AttemptCount, &f.LastError, &f.LastAttemptAt, &f.Resolved); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed geocode")
		}
		failed = append(failed, f)
	}
	return failed, eris.Wrap(rows.Err(), "postgres: list failed geocodes iterate")
}

func (s *PostgresStore) MarkFailedResolved(ctx context.Context, listingID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE failed_geocodes SET resolved = true WHERE listing_id = $1`,
		listingID,
	)
	return eris.Wrapf(err, "postgres: mark failed resolved %s", listingID)
}

func (s *PostgresStore) CreateScrapeRun(ctx context.Context, category model.Category) (*model.ScrapeRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_runs (id, category, started_at) VALUES ($1, $2, $3)`,
		id, string(category), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert scrape run")
	}

	return &model.ScrapeRun{
		RunID:     id,
		Category:  category,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) FinalizeScrapeRun(ctx context.Context, run *model.ScrapeRun) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_runs SET finished_at = $1, pages_fetched = $2, new_count = $3,
		 updated_count = $4, error_count = $5, outcome = $6 WHERE id = $7`,
		now, run.PagesFetched, run.NewCount, run.UpdatedCount, run.ErrorCount,
		string(run.Outcome), run.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize scrape run %s", run.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("scrape run not found: %s", run.RunID)
	}
	run.FinishedAt = &now
	return nil
}

func (s *PostgresStore) LatestScrapeRun(ctx context.Context) (*model.ScrapeRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, category, started_at, finished_at, pages_fetched, new_count, updated_count, error_count, outcome
		 FROM scrape_runs ORDER BY started_at DESC LIMIT 1`,
	)
	r, err := scanScrapeRunPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest scrape run")
	}
	return r, nil
}

func (s *PostgresStore) ListScrapeRuns(ctx context.Context, limit int) ([]model.ScrapeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, category, started_at, finished_at, pages_fetched, new_count, updated_count, error_count, outcome
		 FROM scrape_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scrape runs")
	}
	defer rows.Close()

	var runs []model.ScrapeRun
	for rows.Next() {
		r, err := scanScrapeRunPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan scrape run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list scrape runs iterate")
}

func (s *PostgresStore) InsertHealthSample(ctx context.Context, sample model.HealthSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO health_samples (sampled_at, cpu_pct, mem_pct, disk_pct, status) VALUES ($1, $2, $3, $4, $5)`,
		sample.Timestamp.UTC(), sample.CPUPct, sample.MemPct, sample.DiskPct, string(sample.Status),
	)
	return eris.Wrap(err, "postgres: insert health sample")
}

func (s *PostgresStore) LatestHealthSample(ctx context.Context) (*model.HealthSample, error) {
	var sample model.HealthSample
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT sampled_at, cpu_pct, mem_pct, disk_pct, status
		 FROM health_samples ORDER BY id DESC LIMIT 1`,
	).Scan(&sample.Timestamp, &sample.CPUPct, &sample.MemPct, &sample.DiskPct, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest health sample")
	}
	sample.Status = model.HealthStatus(status)
	return &sample, nil
}

func (s *PostgresStore) InsertHealthEvent(ctx context.Context, event model.HealthEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO health_events (component, status, message, created_at) VALUES ($1, $2, $3, $4)`,
		event.Component, string(event.Status), event.Message, event.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert health event")
}

func (s *PostgresStore) ListHealthEvents(ctx context.Context, limit int) ([]model.HealthEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT component, status, message, created_at
		 FROM health_events ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list health events")
	}
	defer rows.Close()

	var events []model.HealthEvent
	for rows.Next() {
		var e model.HealthEvent
		var status string
		if err := rows.Scan(&e.Component, &status, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan health event")
		}
		e.Status = model.HealthStatus(status)
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list health events iterate")
}

func (s *PostgresStore) AddWatched(ctx context.Context, externalID, notes string) error {
	listing, err := s.GetListing(ctx, externalID)
	if err != nil {
		return err
	}
	if listing == nil {
		return eris.Errorf("listing not found: %s", externalID)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO watched_listings (listing_id, notes, added_at) VALUES ($1, $2, $3)
		 ON CONFLICT (listing_id) DO UPDATE SET notes = $2`,
		externalID, notes, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: add watched %s", externalID)
}

func (s *PostgresStore) RemoveWatched(ctx context.Context, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM watched_listings WHERE listing_id = $1`,
		externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove watched %s", externalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("watched listing not found: %s", externalID)
	}
	return nil
}

func (s *PostgresStore) ListWatched(ctx context.Context) ([]model.WatchedListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT listing_id, notes, added_at FROM watched_listings ORDER BY added_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list watched")
	}
	defer rows.Close()

	var watched []model.WatchedListing
	for rows.Next() {
		var w model.WatchedListing
		if err := rows.Scan(&w.ListingID, &w.Notes, &w.AddedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan watched")
		}
		watched = append(watched, w)
	}
	return watched, eris.Wrap(rows.Err(), "postgres: list watched iterate")
}

func (s *PostgresStore) CategoryStats(ctx context.Context) ([]CategoryStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category,
		        COUNT(*),
		        SUM(CASE WHEN geocode_status IN ('cached_hit', 'resolved', 'manual_override') THEN 1 ELSE 0 END),
		        SUM(CASE WHEN geocode_status = 'failed' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN geocode_status = 'pending' THEN 1 ELSE 0 END),
		        COALESCE(MIN(price), 0),
		        COALESCE(AVG(price), 0),
		        COALESCE(MAX(price), 0)
		 FROM listings GROUP BY category ORDER BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: category stats")
	}
	defer rows.Close()

	var stats []CategoryStat
	for rows.Next() {
		var st CategoryStat
		if err := rows.Scan(&st.Category, &st.Total, &st.Geocoded, &st.Failed, &st.Pending, &st.MinPrice, &st.AvgPrice, &st.MaxPrice); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: category stats iterate")
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, auctionsBefore, retainedBefore time.Time) (CleanupStats, error) {
	var stats CleanupStats

	// Failure entries go first so listings removed below are counted here
	// rather than vanishing through the FK cascade.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM failed_geocodes WHERE resolved
		   OR listing_id IN (SELECT external_id FROM listings
		                     WHERE auction_date IS NOT NULL AND auction_date < $1)`,
		auctionsBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: cleanup failed geocodes")
	}
	stats.FailedRemoved = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM listings WHERE auction_date IS NOT NULL AND auction_date < $1`,
		auctionsBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: cleanup listings")
	}
	stats.ListingsRemoved = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM health_samples WHERE sampled_at < $1`,
		retainedBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: cleanup health samples")
	}
	stats.SamplesRemoved = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM health_events WHERE created_at < $1`,
		retainedBefore.UTC(),
	)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: cleanup health events")
	}
	stats.EventsRemoved = int(tag.RowsAffected())

	return stats, nil
}

func scanListingPg(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var category, geocodeStatus string
	var utilitiesJSON []byte

	err := row.Scan(
		&l.ExternalID, &l.Title, &l.RawAddress, &l.RawCity, &l.Price, &l.OpeningValue, &l.Margin,
		&category, &l.Status, &l.AuctionDate, &l.BailiffOffice, &l.LandAreaM2, &l.LandAreaHa,
		&l.LandType, &l.OwnershipForm, &l.OwnershipShare, &utilitiesJSON, &l.SourceChecksum,
		&geocodeStatus, &l.Latitude, &l.Longitude, &l.FirstSeenAt, &l.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	l.Category = model.Category(category)
	l.GeocodeStatus = model.GeocodeStatus(geocodeStatus)
	if err := json.Unmarshal(utilitiesJSON, &l.Utilities); err != nil {
		return nil, eris.Wrap(err, "unmarshal utilities")
	}
	return &l, nil
}

func scanScrapeRunPg(row pgx.Row) (*model.ScrapeRun, error) {
	var r model.ScrapeRun
	var category, outcome string

	err := row.Scan(&r.RunID, &category, &r.StartedAt, &r.FinishedAt,
		&r.PagesFetched, &r.NewCount, &r.UpdatedCount, &r.ErrorCount, &outcome)
	if err != nil {
		return nil, err
	}

	r.Category = model.Category(category)
	r.Outcome = model.RunOutcome(outcome)
	return &r, nil
}
