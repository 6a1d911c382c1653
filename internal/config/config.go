// Package config loads daemon configuration from defaults, an optional YAML
// file and POSYNC_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
)

// DefaultDeferredTag is the registration name used for deferred sync triggers.
const DefaultDeferredTag = "sync-pending-orders"

// Duration is a time.Duration that reads from YAML as a string like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	DataDir        string             `yaml:"data_dir"`
	LogLevel       string             `yaml:"log_level"`
	Listen         string             `yaml:"listen"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	OrderService   OrderServiceConfig `yaml:"order_service"`
	Sync           SyncConfig         `yaml:"sync"`
	Catalog        CatalogConfig      `yaml:"catalog"`
}

// OrderServiceConfig describes the remote order service.
type OrderServiceConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	SessionToken string   `yaml:"session_token"`
	HealthPath   string   `yaml:"health_path"`
}

// SyncConfig tunes the trigger sources and the quarantine ceiling.
type SyncConfig struct {
	ProbeInterval         Duration `yaml:"probe_interval"`
	FallbackInterval      Duration `yaml:"fallback_interval"`
	PermanentFailureLimit int      `yaml:"permanent_failure_limit"`
	DeferredTag           string   `yaml:"deferred_tag"`
}

// CatalogConfig tunes the catalog read-through cache.
type CatalogConfig struct {
	Timeout    Duration `yaml:"timeout"`
	MaxAge     Duration `yaml:"max_age"`
	MaxEntries int      `yaml:"max_entries"`
	Prefixes   []string `yaml:"prefixes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		Listen:   "127.0.0.1:8420",
		OrderService: OrderServiceConfig{
			BaseURL:    "http://localhost:5000/api",
			Timeout:    Duration(10 * time.Second),
			HealthPath: "/health",
		},
		Sync: SyncConfig{
			ProbeInterval:         Duration(15 * time.Second),
			FallbackInterval:      Duration(5 * time.Minute),
			PermanentFailureLimit: 3,
			DeferredTag:           DefaultDeferredTag,
		},
		Catalog: CatalogConfig{
			Timeout:    Duration(3 * time.Second),
			MaxAge:     Duration(24 * time.Hour),
			MaxEntries: 50,
			Prefixes:   []string{"/products", "/categories"},
		},
	}
}

// Load reads configuration using the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv reads configuration, resolving environment overrides through
// lookup. An empty path skips the file.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Debug("configuration loaded", map[string]interface{}{
		"file":          path,
		"data_dir":      cfg.DataDir,
		"order_service": cfg.OrderService.BaseURL,
	})
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, key, err)
		}
		*dst = Duration(d)
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, key, err)
		}
		*dst = n
		return nil
	}

	str("POSYNC_DATA_DIR", &c.DataDir)
	str("POSYNC_LOG_LEVEL", &c.LogLevel)
	str("POSYNC_LISTEN", &c.Listen)
	str("POSYNC_ORDER_SERVICE_URL", &c.OrderService.BaseURL)
	str("POSYNC_SESSION_TOKEN", &c.OrderService.SessionToken)
	if v, ok := lookup("POSYNC_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}

	for key, dst := range map[string]*Duration{
		"POSYNC_ORDER_SERVICE_TIMEOUT": &c.OrderService.Timeout,
		"POSYNC_PROBE_INTERVAL":        &c.Sync.ProbeInterval,
		"POSYNC_FALLBACK_INTERVAL":     &c.Sync.FallbackInterval,
		"POSYNC_CATALOG_TIMEOUT":       &c.Catalog.Timeout,
		"POSYNC_CATALOG_MAX_AGE":       &c.Catalog.MaxAge,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := num("POSYNC_PERMANENT_FAILURE_LIMIT", &c.Sync.PermanentFailureLimit); err != nil {
		return err
	}
	return num("POSYNC_CATALOG_MAX_ENTRIES", &c.Catalog.MaxEntries)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	u, err := url.Parse(c.OrderService.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("order_service.base_url must be an absolute http(s) URL, got %q", c.OrderService.BaseURL)
	}
	if c.OrderService.Timeout <= 0 {
		return invalid("order_service.timeout must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		return invalid("sync.probe_interval must be positive")
	}
	if c.Sync.FallbackInterval < 0 {
		return invalid("sync.fallback_interval must not be negative")
	}
	if c.Sync.PermanentFailureLimit < 1 {
		return invalid("sync.permanent_failure_limit must be at least 1")
	}
	if strings.TrimSpace(c.Sync.DeferredTag) == "" {
		return invalid("sync.deferred_tag must not be empty")
	}
	if c.Catalog.Timeout <= 0 || c.Catalog.MaxAge <= 0 {
		return invalid("catalog.timeout and catalog.max_age must be positive")
	}
	if c.Catalog.MaxEntries < 1 {
		return invalid("catalog.max_entries must be at least 1")
	}
	for _, p := range c.Catalog.Prefixes {
		if !strings.HasPrefix(p, "/") {
			return invalid("catalog prefix %q must start with /", p)
		}
	}
	return nil
}
