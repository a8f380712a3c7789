package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "auction.db", cfg.Store.Path)
	assert.Equal(t, []string{"grunty", "domy", "inne"}, cfg.Scrape.Categories)
	assert.Equal(t, 30, cfg.Scrape.PageSize)
	assert.Equal(t, 10, cfg.Scrape.ErrorCeiling)
	assert.InDelta(t, 30.0, cfg.Scrape.RequestsPerMinute, 0.001)
	assert.InDelta(t, 54.0, cfg.Geocode.RequestsPerMinute, 0.001)
	assert.Equal(t, 1, cfg.Geocode.Burst)
	assert.InDelta(t, 0.8, cfg.Geocode.SimilarityThreshold, 0.001)
	assert.Equal(t, 24, cfg.Geocode.RetryFailedAfterHours)
	assert.InDelta(t, 49.0, cfg.Geocode.Bounds.MinLat, 0.001)
	assert.InDelta(t, 24.2, cfg.Geocode.Bounds.MaxLng, 0.001)
	assert.Equal(t, "06:00", cfg.Schedule.ScrapeAt)
	assert.Equal(t, "02:00", cfg.Schedule.CleanupAt)
	assert.Equal(t, 60, cfg.Schedule.GeocodeIntervalMins)
	assert.Equal(t, 2, cfg.Cleanup.GraceDays)
	assert.Equal(t, 30, cfg.Cleanup.RetentionDays)
	assert.InDelta(t, 80.0, cfg.Health.CPUThreshold, 0.001)
	assert.Equal(t, 3, cfg.Health.WarnStreak)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
scrape:
  page_size: 10
  categories: [grunty]
geocode:
  similarity_threshold: 0.9
schedule:
  scrape_at: "04:30"
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Scrape.PageSize)
	assert.Equal(t, []string{"grunty"}, cfg.Scrape.Categories)
	assert.InDelta(t, 0.9, cfg.Geocode.SimilarityThreshold, 0.001)
	assert.Equal(t, "04:30", cfg.Schedule.ScrapeAt)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Scrape.ErrorCeiling)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("AUCTION_STORE_DRIVER", "postgres")
	t.Setenv("AUCTION_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("AUCTION_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes Validate, for mutation tests.
func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig(t)
	cfg.Scrape.PageSize = 0
	cfg.Geocode.SimilarityThreshold = 0.2
	cfg.Health.WarnStreak = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrape.page_size must be > 0")
	assert.Contains(t, err.Error(), "similarity_threshold must be between 0.5 and 1.0")
	assert.Contains(t, err.Error(), "warn_streak must be >= 1")
}

func TestValidateDriver(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store.Driver = "oracle"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")

	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/auctions"
	assert.NoError(t, cfg.Validate())
}

func TestValidateScheduleTimes(t *testing.T) {
	cfg := validConfig(t)
	cfg.Schedule.ScrapeAt = "6am"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid HH:MM time")
}

func TestValidateCategories(t *testing.T) {
	cfg := validConfig(t)
	cfg.Scrape.Categories = []string{"grunty", "mieszkania"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown scrape category "mieszkania"`)
}

func TestValidateBounds(t *testing.T) {
	cfg := validConfig(t)
	cfg.Geocode.Bounds.MinLat = 60
	cfg.Geocode.Bounds.MaxLat = 50

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bounds min must be below max")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validConfig(t)

	cfg.Health.CPUThreshold = 120
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu_threshold must be between 0 and 100")

	cfg.Health.CPUThreshold = 80
	cfg.Health.DiskThreshold = -5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk_threshold must be between 0 and 100")
}

func TestBoundsContains(t *testing.T) {
	b := BoundsConfig{MinLat: 49.0, MaxLat: 54.9, MinLng: 14.1, MaxLng: 24.2}

	assert.True(t, b.Contains(52.23, 21.01), "Warsaw should be inside")
	assert.True(t, b.Contains(49.0, 14.1), "edges are inclusive")
	assert.True(t, b.Contains(54.9, 24.2), "edges are inclusive")
	assert.False(t, b.Contains(48.2, 16.4), "Vienna is south of the box")
	assert.False(t, b.Contains(52.5, 13.4), "Berlin is west of the box")
}
