// ABOUTME: Configuration loading and parsing for wotgraph.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete wotgraph configuration
type Config struct {
	Relays   RelaysConfig   `yaml:"relays"`
	Database DatabaseConfig `yaml:"database"`
	Crawler  CrawlerConfig  `yaml:"crawler"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RelaysConfig holds relay endpoints and connection tuning
type RelaysConfig struct {
	URLs        []string `yaml:"urls"`
	MaxInFlight int      `yaml:"max_in_flight"`
	SuccessRun  int      `yaml:"success_run"`

	ConnectTimeout time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
	BaseDelay      time.Duration `yaml:"-"`
	MaxDelay       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
	BaseDelayRaw      string `yaml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CrawlerConfig holds crawl tuning
type CrawlerConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	DefaultMaxDepth int           `yaml:"default_max_depth"`
	ProgressEvery   time.Duration `yaml:"-"`

	ProgressEveryRaw string `yaml:"progress_every"`
}

// StoreConfig holds write-buffer tuning
type StoreConfig struct {
	FlushRecords int           `yaml:"flush_records"`
	FlushIDs     int           `yaml:"flush_ids"`
	FlushIdle    time.Duration `yaml:"-"`

	FlushIdleRaw string `yaml:"flush_idle"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults and no relays.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tuning fields.
func (c *Config) applyDefaults() {
	if c.Relays.MaxInFlight <= 0 {
		c.Relays.MaxInFlight = 5
	}
	if c.Relays.SuccessRun <= 0 {
		c.Relays.SuccessRun = 10
	}
	if c.Relays.ConnectTimeout <= 0 {
		c.Relays.ConnectTimeout = 10 * time.Second
	}
	if c.Relays.RequestTimeout <= 0 {
		c.Relays.RequestTimeout = 15 * time.Second
	}
	if c.Relays.BaseDelay <= 0 {
		c.Relays.BaseDelay = 100 * time.Millisecond
	}
	if c.Relays.MaxDelay <= 0 {
		c.Relays.MaxDelay = 10 * time.Second
	}
	if c.Crawler.BatchSize <= 0 {
		c.Crawler.BatchSize = 50
	}
	if c.Crawler.DefaultMaxDepth <= 0 {
		c.Crawler.DefaultMaxDepth = 3
	}
	if c.Crawler.ProgressEvery <= 0 {
		c.Crawler.ProgressEvery = 200 * time.Millisecond
	}
	if c.Store.FlushRecords <= 0 {
		c.Store.FlushRecords = 100
	}
	if c.Store.FlushIDs <= 0 {
		c.Store.FlushIDs = 500
	}
	if c.Store.FlushIdle <= 0 {
		c.Store.FlushIdle = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Relays.MaxDelay < c.Relays.BaseDelay {
		return fmt.Errorf("relays.max_delay must be >= relays.base_delay")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Relays.ConnectTimeoutRaw, "connect_timeout", &cfg.Relays.ConnectTimeout},
		{cfg.Relays.RequestTimeoutRaw, "request_timeout", &cfg.Relays.RequestTimeout},
		{cfg.Relays.BaseDelayRaw, "base_delay", &cfg.Relays.BaseDelay},
		{cfg.Relays.MaxDelayRaw, "max_delay", &cfg.Relays.MaxDelay},
		{cfg.Crawler.ProgressEveryRaw, "progress_every", &cfg.Crawler.ProgressEvery},
		{cfg.Store.FlushIdleRaw, "flush_idle", &cfg.Store.FlushIdle},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
