// Package config holds application configuration. Values come from
// defaults, then an optional YAML file, then METAFORGE_* environment
// variables; the CLI applies its flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "METAFORGE_"

// Config is the application configuration.
type Config struct {
	// DatabaseURL selects PostgreSQL storage; empty means in-memory.
	DatabaseURL string `yaml:"database_url"`
	MetadataDir string `yaml:"metadata_dir"`
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
	// JSONNative stores json fields as jsonb instead of text.
	JSONNative       bool          `yaml:"json_native"`
	Watch            bool          `yaml:"watch"`
	WatchDebounce    time.Duration `yaml:"watch_debounce"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MaxConns         int           `yaml:"max_conns"`

	Outbox OutboxConfig `yaml:"outbox"`
}

// OutboxConfig tunes the event outbox and its relay.
type OutboxConfig struct {
	CompressThreshold int           `yaml:"compress_threshold"`
	RelayInterval     time.Duration `yaml:"relay_interval"`
	BatchSize         int           `yaml:"batch_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MetadataDir:      "models",
		LogLevel:         "info",
		JSONNative:       true,
		WatchDebounce:    300 * time.Millisecond,
		StatementTimeout: 30 * time.Second,
		MaxConns:         10,
		Outbox: OutboxConfig{
			CompressThreshold: 10 * 1024,
			RelayInterval:     time.Second,
			BatchSize:         100,
		},
	}
}

// Load reads defaults, the YAML file at path (skipped when path is empty)
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from METAFORGE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("METADATA_DIR", &c.MetadataDir)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.boolean("DEVELOPMENT", &c.Development)
	e.boolean("JSON_NATIVE", &c.JSONNative)
	e.boolean("WATCH", &c.Watch)
	e.duration("WATCH_DEBOUNCE", &c.WatchDebounce)
	e.duration("STATEMENT_TIMEOUT", &c.StatementTimeout)
	e.integer("MAX_CONNS", &c.MaxConns)
	e.integer("OUTBOX_COMPRESS_THRESHOLD", &c.Outbox.CompressThreshold)
	e.duration("OUTBOX_RELAY_INTERVAL", &c.Outbox.RelayInterval)
	e.integer("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)
	return errors.Join(e.errs...)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.MetadataDir == "" {
		errs = append(errs, errors.New("metadata_dir is required"))
	}
	if c.WatchDebounce < 0 {
		errs = append(errs, errors.New("watch_debounce must not be negative"))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, errors.New("max_conns must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.RelayInterval <= 0 {
		errs = append(errs, errors.New("outbox.relay_interval must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether a database is configured.
func (c Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}
