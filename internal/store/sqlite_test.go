package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSQLiteRaw returns a *SQLiteStore (not the Store interface) so tests
// can reach the underlying db for direct SQL in edge-case setups.
func newTestSQLiteRaw(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// TestNewSQLite_InvalidDSN verifies that NewSQLite returns an error for a
// path inside a nonexistent directory.
func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

// TestNewSQLite_Pragmas confirms NewSQLite sets WAL mode and enables
// foreign key enforcement.
func TestNewSQLite_Pragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "valid.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	var mode string
	err = s.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	var fk int
	err = s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	require.NoError(t, err)
	assert.Equal(t, 1, fk)
}

// TestNewSQLite_CloseAndReopen verifies the database can be closed and
// reopened with tables intact.
func TestNewSQLite_CloseAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Migrate(context.Background()))
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() }) //nolint:errcheck

	ctx := context.Background()
	outcome, err := s2.UpsertListing(ctx, testListing("reopen-1", "Poznań", "c1"))
	require.NoError(t, err)
	assert.Equal(t, UpsertInserted, outcome)
}

// TestMigrate_Idempotent verifies that calling Migrate multiple times is safe.
func TestMigrate_Idempotent(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
}

// TestGetListing_CorruptUtilitiesJSON covers the error path where the
// utilities column holds invalid JSON.
func TestGetListing_CorruptUtilitiesJSON(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (external_id, title, category, source_checksum, utilities, first_seen_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"corrupt-1", "Bad row", "grunty", "c1", "not-valid-json{{{", now, now,
	)
	require.NoError(t, err)

	_, err = s.GetListing(ctx, "corrupt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal utilities")
}

// TestRecordGeocodeFailure_UnknownListing verifies the listing FK is
// enforced on failure entries.
func TestRecordGeocodeFailure_UnknownListing(t *testing.T) {
	s := newTestSQLiteRaw(t)

	_, err := s.RecordGeocodeFailure(context.Background(), "no-such-listing", "Nigdzie", "no results")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record geocode failure")
}

// TestCheckRowsAffected_ZeroRows verifies the "not found" error when no rows
// are affected.
func TestCheckRowsAffected_ZeroRows(t *testing.T) {
	res := &fakeResult{rowsAffected: 0, err: nil}
	err := checkRowsAffected(res, "widget", "abc-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widget not found: abc-123")
}

// TestCheckRowsAffected_Error verifies error propagation from RowsAffected().
func TestCheckRowsAffected_Error(t *testing.T) {
	res := &fakeResult{rowsAffected: 0, err: assert.AnError}
	err := checkRowsAffected(res, "widget", "abc-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected")
}

// TestCheckRowsAffected_Success verifies nil error when rows > 0.
func TestCheckRowsAffected_Success(t *testing.T) {
	res := &fakeResult{rowsAffected: 1, err: nil}
	err := checkRowsAffected(res, "widget", "abc-123")
	require.NoError(t, err)
}

// TestClose_OperationsFail verifies that operations fail after Close.
func TestClose_OperationsFail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "close.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	ctx := context.Background()
	_, err = s.UpsertListing(ctx, testListing("close-1", "Poznań", "c1"))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = s.UpsertListing(ctx, testListing("close-2", "Gniezno", "c2"))
	require.Error(t, err)

	_, err = s.GetListing(ctx, "close-1")
	require.Error(t, err)

	_, err = s.ListListings(ctx, ListingFilter{})
	require.Error(t, err)

	_, err = s.CategoryStats(ctx)
	require.Error(t, err)

	err = s.Migrate(ctx)
	require.Error(t, err)
}

// fakeResult implements sql.Result for testing checkRowsAffected.
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (f *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f *fakeResult) RowsAffected() (int64, error) { return f.rowsAffected, f.err }

var _ sql.Result = (*fakeResult)(nil)
