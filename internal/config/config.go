// Package config loads server configuration from defaults, an optional
// YAML file, and CRATESYNC_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CRATESYNC_"

// Config is the full server configuration tree.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Store   StoreConfig   `koanf:"store"`
	Blob    BlobConfig    `koanf:"blob"`
	Sync    SyncConfig    `koanf:"sync"`
	Logging LoggingConfig `koanf:"logging"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BlobConfig configures the MinIO-backed audio byte store.
type BlobConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Secure    bool   `koanf:"secure"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// MaxChunkSize caps the number of records accepted per chunk post.
	MaxChunkSize int `koanf:"max_chunk_size"`
	// DefaultNamingTemplate is used for devices without their own template.
	DefaultNamingTemplate string `koanf:"default_naming_template"`
	// StaleAfter is the inactivity window after which an in-progress
	// session is eligible for administrative cancellation.
	StaleAfter time.Duration `koanf:"stale_after"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8773",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "cratesync.db",
		},
		Blob: BlobConfig{
			Bucket: "cratesync",
			Secure: true,
		},
		Sync: SyncConfig{
			MaxChunkSize:          500,
			DefaultNamingTemplate: "",
			StaleAfter:            24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), and environment variables.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// CRATESYNC_HTTP_ADDR=:9000 -> http.addr
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the type system cannot.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Sync.MaxChunkSize <= 0 {
		return fmt.Errorf("sync.max_chunk_size must be positive, got %d", c.Sync.MaxChunkSize)
	}
	if c.Sync.StaleAfter < time.Minute {
		return fmt.Errorf("sync.stale_after must be at least one minute, got %s", c.Sync.StaleAfter)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
