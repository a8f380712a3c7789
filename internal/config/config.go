package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Geocode   GeocodeConfig   `yaml:"geocode" mapstructure:"geocode"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Cleanup   CleanupConfig   `yaml:"cleanup" mapstructure:"cleanup"`
	Health    HealthConfig    `yaml:"health" mapstructure:"health"`
	Alert     AlertConfig     `yaml:"alert" mapstructure:"alert"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScrapeConfig configures the auction source client and acquisition engine.
type ScrapeConfig struct {
	APIURL            string   `yaml:"api_url" mapstructure:"api_url"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	Categories        []string `yaml:"categories" mapstructure:"categories"`
	PageSize          int      `yaml:"page_size" mapstructure:"page_size"`
	MaxPages          int      `yaml:"max_pages" mapstructure:"max_pages"`
	RequestsPerMinute float64  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int      `yaml:"burst" mapstructure:"burst"`
	MaxAttempts       int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	ErrorCeiling      int      `yaml:"error_ceiling" mapstructure:"error_ceiling"`
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BoundsConfig is a lat/lng bounding box used to reject provider results
// outside the service area.
type BoundsConfig struct {
	MinLat float64 `yaml:"min_lat" mapstructure:"min_lat"`
	MaxLat float64 `yaml:"max_lat" mapstructure:"max_lat"`
	MinLng float64 `yaml:"min_lng" mapstructure:"min_lng"`
	MaxLng float64 `yaml:"max_lng" mapstructure:"max_lng"`
}

// Contains reports whether the coordinates fall inside the box.
func (b BoundsConfig) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// GeocodeConfig configures the geocoding provider and resolver.
type GeocodeConfig struct {
	BaseURL               string       `yaml:"base_url" mapstructure:"base_url"`
	UserAgent             string       `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerMinute     float64      `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst                 int          `yaml:"burst" mapstructure:"burst"`
	MaxAttempts           int          `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize             int          `yaml:"batch_size" mapstructure:"batch_size"`
	RetryFailedAfterHours int          `yaml:"retry_failed_after_hours" mapstructure:"retry_failed_after_hours"`
	SimilarityThreshold   float64      `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	TimeoutSecs           int          `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Bounds                BoundsConfig `yaml:"bounds" mapstructure:"bounds"`
}

// NormalizeConfig points at the external normalization table files. Each
// path is optional; an empty path means built-in defaults only, while a
// configured path that cannot be read is a startup error.
type NormalizeConfig struct {
	CorrectionsPath string `yaml:"corrections_path" mapstructure:"corrections_path"`
	DiacriticsPath  string `yaml:"diacritics_path" mapstructure:"diacritics_path"`
	PrefixesPath    string `yaml:"prefixes_path" mapstructure:"prefixes_path"`
}

// ScheduleConfig configures job cadences.
type ScheduleConfig struct {
	ScrapeAt            string `yaml:"scrape_at" mapstructure:"scrape_at"`
	CleanupAt           string `yaml:"cleanup_at" mapstructure:"cleanup_at"`
	GeocodeIntervalMins int    `yaml:"geocode_interval_mins" mapstructure:"geocode_interval_mins"`
	HealthIntervalMins  int    `yaml:"health_interval_mins" mapstructure:"health_interval_mins"`
	CooldownMins        int    `yaml:"cooldown_mins" mapstructure:"cooldown_mins"`
}

// CleanupConfig configures the daily cleanup job.
type CleanupConfig struct {
	GraceDays     int `yaml:"grace_days" mapstructure:"grace_days"`
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
}

// HealthConfig configures resource sampling thresholds.
type HealthConfig struct {
	CPUThreshold  float64 `yaml:"cpu_threshold" mapstructure:"cpu_threshold"`
	MemThreshold  float64 `yaml:"mem_threshold" mapstructure:"mem_threshold"`
	DiskThreshold float64 `yaml:"disk_threshold" mapstructure:"disk_threshold"`
	WarnStreak    int     `yaml:"warn_streak" mapstructure:"warn_streak"`
	DataDir       string  `yaml:"data_dir" mapstructure:"data_dir"`
}

// AlertConfig configures webhook alerting.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "auction.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("scrape.api_url", "https://elicytacje.komornik.pl/api/search")
	v.SetDefault("scrape.user_agent", "auction-cli/1.0")
	v.SetDefault("scrape.categories", []string{"grunty", "domy", "inne"})
	v.SetDefault("scrape.page_size", 30)
	v.SetDefault("scrape.max_pages", 0)
	v.SetDefault("scrape.requests_per_minute", 30)
	v.SetDefault("scrape.burst", 5)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.error_ceiling", 10)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "auction-cli/1.0")
	v.SetDefault("geocode.requests_per_minute", 54)
	v.SetDefault("geocode.burst", 1)
	v.SetDefault("geocode.max_attempts", 3)
	v.SetDefault("geocode.batch_size", 50)
	v.SetDefault("geocode.retry_failed_after_hours", 24)
	v.SetDefault("geocode.similarity_threshold", 0.8)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.bounds.min_lat", 49.0)
	v.SetDefault("geocode.bounds.max_lat", 54.9)
	v.SetDefault("geocode.bounds.min_lng", 14.1)
	v.SetDefault("geocode.bounds.max_lng", 24.2)
	v.SetDefault("normalize.corrections_path", "")
	v.SetDefault("normalize.diacritics_path", "")
	v.SetDefault("normalize.prefixes_path", "")
	v.SetDefault("schedule.scrape_at", "06:00")
	v.SetDefault("schedule.cleanup_at", "02:00")
	v.SetDefault("schedule.geocode_interval_mins", 60)
	v.SetDefault("schedule.health_interval_mins", 5)
	v.SetDefault("schedule.cooldown_mins", 10)
	v.SetDefault("cleanup.grace_days", 2)
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("health.cpu_threshold", 80.0)
	v.SetDefault("health.mem_threshold", 85.0)
	v.SetDefault("health.disk_threshold", 85.0)
	v.SetDefault("health.warn_streak", 3)
	v.SetDefault("health.data_dir", ".")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for values that would make the
// pipeline misbehave. It is called once at startup so bad config fails
// fast instead of surfacing mid-run. All problems are reported at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if c.Scrape.APIURL == "" {
		problems = append(problems, "scrape.api_url is required")
	}
	if c.Scrape.PageSize <= 0 {
		problems = append(problems, "scrape.page_size must be > 0")
	}
	if c.Scrape.RequestsPerMinute <= 0 || c.Scrape.Burst <= 0 {
		problems = append(problems, "scrape.requests_per_minute and scrape.burst must be > 0")
	}
	if c.Scrape.MaxAttempts < 1 {
		problems = append(problems, "scrape.max_attempts must be >= 1")
	}
	if c.Scrape.ErrorCeiling < 1 {
		problems = append(problems, "scrape.error_ceiling must be >= 1")
	}
	for _, cat := range c.Scrape.Categories {
		if cat != "grunty" && cat != "domy" && cat != "inne" {
			problems = append(problems, fmt.Sprintf("unknown scrape category %q", cat))
		}
	}

	if c.Geocode.RequestsPerMinute <= 0 || c.Geocode.Burst <= 0 {
		problems = append(problems, "geocode.requests_per_minute and geocode.burst must be > 0")
	}
	if c.Geocode.MaxAttempts < 1 {
		problems = append(problems, "geocode.max_attempts must be >= 1")
	}
	if c.Geocode.BatchSize <= 0 {
		problems = append(problems, "geocode.batch_size must be > 0")
	}
	if t := c.Geocode.SimilarityThreshold; t < 0.5 || t > 1.0 {
		problems = append(problems, "geocode.similarity_threshold must be between 0.5 and 1.0")
	}
	if b := c.Geocode.Bounds; b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
		problems = append(problems, "geocode.bounds min must be below max")
	}

	if _, err := time.Parse("15:04", c.Schedule.ScrapeAt); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.scrape_at %q is not a valid HH:MM time", c.Schedule.ScrapeAt))
	}
	if _, err := time.Parse("15:04", c.Schedule.CleanupAt); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.cleanup_at %q is not a valid HH:MM time", c.Schedule.CleanupAt))
	}
	if c.Schedule.GeocodeIntervalMins <= 0 || c.Schedule.HealthIntervalMins <= 0 {
		problems = append(problems, "schedule intervals must be > 0")
	}

	if c.Health.CPUThreshold <= 0 || c.Health.CPUThreshold > 100 {
		problems = append(problems, "health.cpu_threshold must be between 0 and 100")
	}
	if c.Health.MemThreshold <= 0 || c.Health.MemThreshold > 100 {
		problems = append(problems, "health.mem_threshold must be between 0 and 100")
	}
	if c.Health.DiskThreshold <= 0 || c.Health.DiskThreshold > 100 {
		problems = append(problems, "health.disk_threshold must be between 0 and 100")
	}
	if c.Health.WarnStreak < 1 {
		problems = append(problems, "health.warn_streak must be >= 1")
	}

	if c.Cleanup.GraceDays < 0 {
		problems = append(problems, "cleanup.grace_days must be >= 0")
	}
	if c.Cleanup.RetentionDays < 1 {
		problems = append(problems, "cleanup.retention_days must be >= 1")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.New("config: invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// ScrapeTimeout returns the per-request timeout for source calls.
func (c *Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scrape.TimeoutSecs) * time.Second
}

// GeocodeTimeout returns the per-request timeout for provider calls.
func (c *Config) GeocodeTimeout() time.Duration {
	return time.Duration(c.Geocode.TimeoutSecs) * time.Second
}

// RetryFailedAfter returns the cool-off before a failed geocode is retried.
func (c *Config) RetryFailedAfter() time.Duration {
	return time.Duration(c.Geocode.RetryFailedAfterHours) * time.Hour
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
