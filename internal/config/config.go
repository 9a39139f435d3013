// Package config loads boardsync settings from a YAML file and BOARDSYNC_*
// environment variables. Environment values win over the file; CLI flags
// are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/backendsync"
	"github.com/roach88/boardsync/internal/crosstab"
	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/kv"
)

// Config is the full settings tree.
type Config struct {
	Store    Store    `yaml:"store"`
	CrossTab CrossTab `yaml:"crosstab"`
	Backend  Backend  `yaml:"backend"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Store selects the shared kv store.
type Store struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

// CrossTab tunes the event log and its consumer.
type CrossTab struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// Backend configures the remote authority. An empty URL means local only.
type Backend struct {
	URL             string        `yaml:"url"`
	PullInterval    time.Duration `yaml:"pull_interval"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Store: Store{
			Driver: kv.DriverSQLite,
			Path:   "boardsync.db",
		},
		CrossTab: CrossTab{
			PollInterval: crosstab.DefaultPollInterval,
			MaxAge:       eventlog.DefaultMaxAge,
		},
		Backend: Backend{
			PullInterval:    backendsync.DefaultPullInterval,
			RetryInitial:    backendsync.DefaultRetryInitial,
			RetryMax:        backendsync.DefaultRetryMax,
			BreakerFailures: backend.DefaultBreakerFailures,
			BreakerTimeout:  backend.DefaultBreakerTimeout,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping cfg's values for absent fields.
// Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("BOARDSYNC_STORE_DRIVER", &c.Store.Driver)
	str("BOARDSYNC_STORE_PATH", &c.Store.Path)
	str("BOARDSYNC_REDIS_URL", &c.Store.RedisURL)
	str("BOARDSYNC_BACKEND_URL", &c.Backend.URL)
	str("BOARDSYNC_METRICS_ADDR", &c.Metrics.Addr)

	for key, dst := range map[string]*time.Duration{
		"BOARDSYNC_POLL_INTERVAL":   &c.CrossTab.PollInterval,
		"BOARDSYNC_MAX_AGE":         &c.CrossTab.MaxAge,
		"BOARDSYNC_PULL_INTERVAL":   &c.Backend.PullInterval,
		"BOARDSYNC_RETRY_INITIAL":   &c.Backend.RetryInitial,
		"BOARDSYNC_RETRY_MAX":       &c.Backend.RetryMax,
		"BOARDSYNC_BREAKER_TIMEOUT": &c.Backend.BreakerTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v := getenv("BOARDSYNC_BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("BOARDSYNC_BREAKER_FAILURES: %w", err)
		}
		c.Backend.BreakerFailures = uint32(n)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if !slices.Contains(kv.Drivers, c.Store.Driver) {
		return fmt.Errorf("store.driver %q: must be one of %v", c.Store.Driver, kv.Drivers)
	}
	switch c.Store.Driver {
	case kv.DriverSQLite, kv.DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	case kv.DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for driver %q", c.Store.Driver)
		}
	}

	for name, d := range map[string]time.Duration{
		"crosstab.poll_interval":  c.CrossTab.PollInterval,
		"crosstab.max_age":        c.CrossTab.MaxAge,
		"backend.pull_interval":   c.Backend.PullInterval,
		"backend.retry_initial":   c.Backend.RetryInitial,
		"backend.retry_max":       c.Backend.RetryMax,
		"backend.breaker_timeout": c.Backend.BreakerTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Backend.RetryMax < c.Backend.RetryInitial {
		return fmt.Errorf("backend.retry_max (%s) is below backend.retry_initial (%s)", c.Backend.RetryMax, c.Backend.RetryInitial)
	}
	if c.Backend.BreakerFailures == 0 {
		return fmt.Errorf("backend.breaker_failures must be positive")
	}
	return nil
}

// StoreOptions converts the store section for kv.Open.
func (c Config) StoreOptions() kv.Options {
	return kv.Options{
		Driver:   c.Store.Driver,
		Path:     c.Store.Path,
		RedisURL: c.Store.RedisURL,
	}
}
