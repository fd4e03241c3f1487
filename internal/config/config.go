// Package config loads the storefront configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all storefront configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Flags      FlagsConfig      `yaml:"flags"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Storefront StorefrontConfig `yaml:"storefront"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the Redis holding datafiles and events.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FlagsConfig configures the feature flag client.
type FlagsConfig struct {
	Version       int           `yaml:"version"`        // datafile version served
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`  // startup wait for a datafile
	PollInterval  time.Duration `yaml:"poll_interval"`  // readiness poll period
	EventBuffer   int           `yaml:"event_buffer"`   // queued events before Track drops
	Datafile      string        `yaml:"datafile"`       // optional YAML datafile published at startup
	WatchDatafile bool          `yaml:"watch_datafile"` // republish the datafile when it changes
}

// CatalogConfig configures where the catalog and images come from.
type CatalogConfig struct {
	Path      string `yaml:"path"`       // local CSV, also served at /items.csv
	URL       string `yaml:"url"`        // remote CSV; overrides Path for loading
	ImagesDir string `yaml:"images_dir"` // served at /images/
}

// StorefrontConfig configures page behaviour.
type StorefrontConfig struct {
	PurchaseURL    string `yaml:"purchase_url"`
	DefaultWelcome string `yaml:"default_welcome"`
	CookieName     string `yaml:"cookie_name"`
	DeviceHeader   string `yaml:"device_header"`
	QueryParam     string `yaml:"query_param"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "storefront-flags:",
		},
		Flags: FlagsConfig{
			Version:      1,
			ReadyTimeout: 30 * time.Second,
			PollInterval: 500 * time.Millisecond,
			EventBuffer:  256,
		},
		Catalog: CatalogConfig{
			Path:      "items.csv",
			ImagesDir: "images",
		},
		Storefront: StorefrontConfig{
			PurchaseURL:    "/purchase.html",
			DefaultWelcome: "Welcome to Attic & Button",
			CookieName:     "bbCookie",
			DeviceHeader:   "X-Device-Name",
			QueryParam:     "test",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STOREFRONT_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("STOREFRONT_ADDR", &c.Server.Addr)
	str("STOREFRONT_REDIS_ADDR", &c.Redis.Addr)
	str("STOREFRONT_REDIS_PASSWORD", &c.Redis.Password)
	str("STOREFRONT_REDIS_PREFIX", &c.Redis.Prefix)
	str("STOREFRONT_CATALOG_PATH", &c.Catalog.Path)
	str("STOREFRONT_CATALOG_URL", &c.Catalog.URL)
	str("STOREFRONT_DATAFILE", &c.Flags.Datafile)
	str("STOREFRONT_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("STOREFRONT_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v, ok := lookup("STOREFRONT_FLAGS_VERSION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_FLAGS_VERSION: %w", err)
		}
		c.Flags.Version = n
	}
	if v, ok := lookup("STOREFRONT_READY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_READY_TIMEOUT: %w", err)
		}
		c.Flags.ReadyTimeout = d
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Flags.Version <= 0 {
		errs = append(errs, fmt.Errorf("flags.version must be positive, got %d", c.Flags.Version))
	}
	if c.Flags.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("flags.ready_timeout must be positive"))
	}
	if c.Catalog.Path == "" && c.Catalog.URL == "" {
		errs = append(errs, errors.New("catalog.path or catalog.url is required"))
	}
	if c.Flags.WatchDatafile && c.Flags.Datafile == "" {
		errs = append(errs, errors.New("flags.watch_datafile needs flags.datafile"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
