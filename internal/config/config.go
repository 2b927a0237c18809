// Package config loads xjog's configuration from a TOML file with
// environment-variable overrides, one section per engine component.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// InstanceConfig configures this instance's identity and mutex timings
// (spec.md §9's "Configuration").
type InstanceConfig struct {
	SelfID            string        `toml:"self_id" env:"XJOG_SELF_ID"`
	ChartMutexTimeout time.Duration `toml:"chart_mutex_timeout" env:"XJOG_CHART_MUTEX_TIMEOUT"`
	CacheMutexTimeout time.Duration `toml:"cache_mutex_timeout" env:"XJOG_CACHE_MUTEX_TIMEOUT"`
	CacheSize         int           `toml:"cache_size" env:"XJOG_CACHE_SIZE"`
}

// StoreConfig selects and configures the persistence backend. Driver is
// either "sqlite" or "postgres".
type StoreConfig struct {
	Driver string `toml:"driver" env:"XJOG_STORE_DRIVER"`
	DSN    string `toml:"dsn" env:"XJOG_STORE_DSN"`
}

// StartupConfig configures the adoption lifecycle.
type StartupConfig struct {
	AdoptionFrequency        time.Duration `toml:"adoption_frequency" env:"XJOG_ADOPTION_FREQUENCY"`
	GracePeriod              time.Duration `toml:"grace_period" env:"XJOG_GRACE_PERIOD"`
	OwnChartPollingFrequency time.Duration `toml:"own_chart_polling_frequency" env:"XJOG_OWN_CHART_POLLING_FREQUENCY"`
}

// DeferredConfig configures the deferred-event polling loop.
type DeferredConfig struct {
	Interval  time.Duration `toml:"interval" env:"XJOG_DEFERRED_INTERVAL"`
	LookAhead time.Duration `toml:"look_ahead" env:"XJOG_DEFERRED_LOOK_AHEAD"`
	BatchSize int           `toml:"batch_size" env:"XJOG_DEFERRED_BATCH_SIZE"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" env:"XJOG_METRICS_ENABLED"`
	ListenAddr string `toml:"listen_addr" env:"XJOG_METRICS_LISTEN_ADDR"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `toml:"level" env:"XJOG_LOG_LEVEL"`
	Format string `toml:"format" env:"XJOG_LOG_FORMAT"` // "console" or "json"
}

// Config is the complete xjog configuration.
type Config struct {
	Instance InstanceConfig `toml:"instance"`
	Store    StoreConfig    `toml:"store"`
	Startup  StartupConfig  `toml:"startup"`
	Deferred DeferredConfig `toml:"deferred"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Log      LogConfig      `toml:"log"`
}

func defaults() Config {
	return Config{
		Instance: InstanceConfig{
			ChartMutexTimeout: 2000 * time.Millisecond,
			CacheMutexTimeout: 4000 * time.Millisecond,
			CacheSize:         1000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "xjog.db",
		},
		Startup: StartupConfig{
			AdoptionFrequency:        2000 * time.Millisecond,
			GracePeriod:              30000 * time.Millisecond,
			OwnChartPollingFrequency: 500 * time.Millisecond,
		},
		Deferred: DeferredConfig{
			Interval:  30000 * time.Millisecond,
			LookAhead: 30000 * time.Millisecond,
			BatchSize: 100,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty and present on disk) as TOML into a
// defaulted Config, applies environment-variable overrides, then validates
// the result. A missing path is not an error; env vars and defaults still
// apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks invariants Load's defaults and overrides can't guarantee
// on their own.
func (c *Config) Validate() error {
	if c.Instance.SelfID == "" {
		return fmt.Errorf("instance.self_id is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be \"sqlite\" or \"postgres\", got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Instance.ChartMutexTimeout < 50*time.Millisecond {
		return fmt.Errorf("instance.chart_mutex_timeout must be at least 50ms")
	}
	if c.Instance.CacheSize < 10 {
		return fmt.Errorf("instance.cache_size must be at least 10")
	}
	if c.Startup.AdoptionFrequency < 10*time.Millisecond {
		return fmt.Errorf("startup.adoption_frequency must be at least 10ms")
	}
	if min := time.Duration(2.5 * float64(c.Startup.AdoptionFrequency)); c.Startup.GracePeriod < min {
		return fmt.Errorf("startup.grace_period must be at least 2.5x adoption_frequency (%s)", min)
	}
	if c.Startup.OwnChartPollingFrequency < 50*time.Millisecond {
		return fmt.Errorf("startup.own_chart_polling_frequency must be at least 50ms")
	}
	if c.Deferred.Interval < 50*time.Millisecond {
		return fmt.Errorf("deferred.interval must be at least 50ms")
	}
	if c.Deferred.LookAhead < c.Deferred.Interval {
		return fmt.Errorf("deferred.look_ahead must be at least deferred.interval")
	}
	if c.Deferred.BatchSize < 1 {
		return fmt.Errorf("deferred.batch_size must be at least 1")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"console\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}
