package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production" - controls test URL validation
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Crawler     CrawlerConfig    `toml:"crawler"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Quality     QualityConfig    `toml:"quality"`
	Jobs        JobsConfig       `toml:"jobs"`
	Output      OutputConfig     `toml:"output"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port        int    `toml:"port"`
	Host        string `toml:"host"`
	AuthEnabled bool   `toml:"auth_enabled"` // Require job access token for artifact downloads
}

type StorageConfig struct {
	Type   string       `toml:"type"` // "badger" or "sqlite"
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // How long writers wait on a locked database
}

// CrawlerConfig contains fetch pipeline configuration
type CrawlerConfig struct {
	UserAgent          string        `toml:"user_agent"`           // User agent sent on every request
	ConcurrentRequests int           `toml:"concurrent_requests"`  // Worker count in HTTP mode
	JSConcurrency      int           `toml:"js_concurrency"`       // Worker count in JS mode (browser instances, 1-4)
	DownloadDelay      float64       `toml:"download_delay"`       // Seconds between requests (fractional)
	DepthLimit         int           `toml:"depth_limit"`          // Hard cap on crawl depth
	MaxPagesLimit      int           `toml:"max_pages_limit"`      // Hard cap on per-job page budget
	DefaultMaxPages    int           `toml:"default_max_pages"`    // Budget when the job does not specify one
	MaxRetries         int           `toml:"max_retries"`          // Retries per URL for transient failures
	MaxRedirects       int           `toml:"max_redirects"`        // Redirect hops before a fetch is abandoned
	LeaseTTLSeconds    int           `toml:"lease_ttl_seconds"`    // Frontier lease duration
	LeaseBatchSize     int           `toml:"lease_batch_size"`     // URLs claimed per lease call
	RequestTimeout     time.Duration `toml:"request_timeout"`      // HTTP request timeout
	JSRenderTimeout    time.Duration `toml:"js_render_timeout"`    // Browser navigation timeout
	JSSettleTime       time.Duration `toml:"js_settle_time"`       // Wait after navigation for scripts to render
	MaxBodySize        int           `toml:"max_body_size"`        // Maximum response body size in bytes
	ShutdownDrain      time.Duration `toml:"shutdown_drain"`       // Max wait for in-flight fetches on shutdown
	FallbackMinFetches int           `toml:"fallback_min_fetches"` // Fetches before the JS fallback check may fire
	FallbackMinElapsed time.Duration `toml:"fallback_min_elapsed"` // Or crawl time before the check may fire
}

// SupervisorConfig contains stall detection and claim loop configuration
type SupervisorConfig struct {
	WorkerPollIntervalSeconds   int    `toml:"worker_poll_interval_seconds"`   // Supervisor tick
	HeartbeatIntervalSeconds    int    `toml:"heartbeat_interval_seconds"`     // Engine heartbeat cadence
	OrphanedThresholdSeconds    int    `toml:"orphaned_threshold_seconds"`     // No heartbeat for this long = orphaned
	StalledThresholdSeconds     int    `toml:"stalled_threshold_seconds"`      // No progress for this long = stalled
	HardStalledThresholdSeconds int    `toml:"hard_stalled_threshold_seconds"` // Zero pages for this long = hard stalled
	MaxRestarts                 int    `toml:"max_restarts"`                   // Restart budget per job
	MaxConcurrentJobs           int    `toml:"max_concurrent_jobs"`            // Engines running at once
	MaintenanceSchedule         string `toml:"maintenance_schedule"`           // Cron schedule for housekeeping
}

// QualityConfig contains extraction quality gate thresholds
type QualityConfig struct {
	MinTextLengthSuccess  int `toml:"min_text_length_success"`  // Text length for full score
	MinTextLengthMarginal int `toml:"min_text_length_marginal"` // Text length below which score is zero
}

// JobsConfig contains job lifecycle configuration
type JobsConfig struct {
	ExpiryHours   int `toml:"expiry_hours"`   // Job TTL; any non-terminal job past this is expired
	RetentionDays int `toml:"retention_days"` // Output retention for expired jobs before cleanup
}

// OutputConfig contains corpus output configuration
type OutputConfig struct {
	Dir string `toml:"dir"` // Root directory for per-job output (pages.jsonl, summary.json, kb/)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in skrapp.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows test URLs
		Server: ServerConfig{
			Port:        8113,
			Host:        "localhost",
			AuthEnabled: false,
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
			SQLite: SQLiteConfig{
				Path:          "./data/skrapp.db",
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
		},
		Crawler: CrawlerConfig{
			UserAgent:          "SkrappBot/1.0",
			ConcurrentRequests: 128,
			JSConcurrency:      2,
			DownloadDelay:      0.02, // 20ms between requests
			DepthLimit:         20,
			MaxPagesLimit:      1000,
			DefaultMaxPages:    100,
			MaxRetries:         3,
			MaxRedirects:       10,
			LeaseTTLSeconds:    30,
			LeaseBatchSize:     16,
			RequestTimeout:     30 * time.Second,
			JSRenderTimeout:    45 * time.Second,
			JSSettleTime:       2 * time.Second,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			ShutdownDrain:      60 * time.Second,
			FallbackMinFetches: 10,
			FallbackMinElapsed: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			WorkerPollIntervalSeconds:   1,
			HeartbeatIntervalSeconds:    15,
			OrphanedThresholdSeconds:    120,
			StalledThresholdSeconds:     300,
			HardStalledThresholdSeconds: 180,
			MaxRestarts:                 2,
			MaxConcurrentJobs:           4,
			MaintenanceSchedule:         "0 * * * *", // Hourly housekeeping
		},
		Quality: QualityConfig{
			MinTextLengthSuccess:  200,
			MinTextLengthMarginal: 50,
		},
		Jobs: JobsConfig{
			ExpiryHours:   24,
			RetentionDays: 7,
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Crawl tuning keys use their bare historical names; everything else is SKRAPP_ prefixed.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SKRAPP_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Crawler tuning
	if v := os.Getenv("MAX_PAGES_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.MaxPagesLimit = n
		}
	}
	if v := os.Getenv("DEFAULT_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.DefaultMaxPages = n
		}
	}
	if v := os.Getenv("CRAWLER_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.ConcurrentRequests = n
		}
	}
	if v := os.Getenv("CRAWLER_DOWNLOAD_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Crawler.DownloadDelay = f
		}
	}
	if v := os.Getenv("CRAWLER_DEPTH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.DepthLimit = n
		}
	}
	if v := os.Getenv("CRAWLER_USER_AGENT"); v != "" {
		config.Crawler.UserAgent = v
	}
	if v := os.Getenv("SKRAPP_JS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.JSConcurrency = n
		}
	}
	if v := os.Getenv("SKRAPP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.MaxRetries = n
		}
	}
	if v := os.Getenv("SKRAPP_LEASE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Crawler.LeaseTTLSeconds = n
		}
	}

	// Supervisor timing
	if v := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.WorkerPollIntervalSeconds = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("ORPHANED_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.OrphanedThresholdSeconds = n
		}
	}
	if v := os.Getenv("STALLED_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.StalledThresholdSeconds = n
		}
	}
	if v := os.Getenv("HARD_STALLED_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Supervisor.HardStalledThresholdSeconds = n
		}
	}

	// Quality gate
	if v := os.Getenv("MIN_TEXT_LENGTH_SUCCESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Quality.MinTextLengthSuccess = n
		}
	}
	if v := os.Getenv("MIN_TEXT_LENGTH_MARGINAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Quality.MinTextLengthMarginal = n
		}
	}

	// Job lifecycle
	if v := os.Getenv("JOB_EXPIRY_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Jobs.ExpiryHours = n
		}
	}

	// Server
	if v := os.Getenv("SKRAPP_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Server.Port = n
		}
	}
	if v := os.Getenv("SKRAPP_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("SKRAPP_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Server.AuthEnabled = b
		}
	}

	// Storage
	if v := os.Getenv("SKRAPP_STORAGE_TYPE"); v != "" {
		config.Storage.Type = v
	}
	if v := os.Getenv("SKRAPP_STORAGE_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("SKRAPP_SQLITE_PATH"); v != "" {
		config.Storage.SQLite.Path = v
	}

	// Output
	if v := os.Getenv("SKRAPP_OUTPUT_DIR"); v != "" {
		config.Output.Dir = v
	}

	// Logging
	if v := os.Getenv("SKRAPP_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SKRAPP_LOG_OUTPUT"); v != "" {
		outputs := []string{}
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration invariants that would otherwise surface as
// runtime failures deep inside the crawl loop.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Storage.Type {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("storage type must be badger or sqlite, got %q", c.Storage.Type)
	}
	if c.Crawler.ConcurrentRequests < 1 {
		return fmt.Errorf("concurrent_requests must be at least 1, got %d", c.Crawler.ConcurrentRequests)
	}
	if c.Crawler.JSConcurrency < 1 || c.Crawler.JSConcurrency > 4 {
		return fmt.Errorf("js_concurrency must be 1-4, got %d", c.Crawler.JSConcurrency)
	}
	if c.Crawler.MaxPagesLimit < 1 {
		return fmt.Errorf("max_pages_limit must be at least 1, got %d", c.Crawler.MaxPagesLimit)
	}
	if c.Crawler.DefaultMaxPages > c.Crawler.MaxPagesLimit {
		c.Crawler.DefaultMaxPages = c.Crawler.MaxPagesLimit
	}
	if c.Crawler.DownloadDelay < 0 {
		return fmt.Errorf("download_delay must not be negative, got %f", c.Crawler.DownloadDelay)
	}
	if c.Jobs.ExpiryHours < 1 {
		return fmt.Errorf("job expiry_hours must be at least 1, got %d", c.Jobs.ExpiryHours)
	}
	return nil
}

// DownloadDelayDuration converts the fractional-seconds delay to a duration.
func (c *CrawlerConfig) DownloadDelayDuration() time.Duration {
	return time.Duration(c.DownloadDelay * float64(time.Second))
}

// LeaseTTL returns the frontier lease duration.
func (c *CrawlerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// PollInterval returns the supervisor tick duration.
func (c *SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the engine heartbeat cadence.
func (c *SupervisorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// OrphanedThreshold returns the heartbeat silence duration that marks a job orphaned.
func (c *SupervisorConfig) OrphanedThreshold() time.Duration {
	return time.Duration(c.OrphanedThresholdSeconds) * time.Second
}

// StalledThreshold returns the progress silence duration that marks a job stalled.
func (c *SupervisorConfig) StalledThreshold() time.Duration {
	return time.Duration(c.StalledThresholdSeconds) * time.Second
}

// HardStalledThreshold returns the zero-page runtime that fails a job outright.
func (c *SupervisorConfig) HardStalledThreshold() time.Duration {
	return time.Duration(c.HardStalledThresholdSeconds) * time.Second
}

// Expiry returns the job TTL.
func (c *JobsConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are allowed
// Test URLs are only allowed in development mode
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}
