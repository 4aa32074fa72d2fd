// Package config loads the tunables of every component from an optional
// YAML or JSON file and RC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"resilient-client/pkg/breaker"
	"resilient-client/pkg/client"
	"resilient-client/pkg/dedup"
	"resilient-client/pkg/logging"
	"resilient-client/pkg/network"
	"resilient-client/pkg/offline"
	"resilient-client/pkg/retry"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix namespaces environment overrides: breaker.failure_threshold is
// read from RC_BREAKER_FAILURE_THRESHOLD.
const EnvPrefix = "RC"

// Config is the full configuration tree.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Network NetworkConfig `mapstructure:"network"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
}

type ClientConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DisableCache bool          `mapstructure:"disable_cache"`
	DisableDedup bool          `mapstructure:"disable_dedup"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
	GroupSegments    int           `mapstructure:"group_segments"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxJitter  time.Duration `mapstructure:"max_jitter"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
	Grace  time.Duration `mapstructure:"grace"`
}

type CacheConfig struct {
	MaxAge            time.Duration `mapstructure:"max_age"`
	StaleTime         time.Duration `mapstructure:"stale_time"`
	Version           string        `mapstructure:"version"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	RevalidateTimeout time.Duration `mapstructure:"revalidate_timeout"`
}

// NetworkConfig configures the connectivity prober. With neither a probe URL
// nor a probe address the monitor stays online and is driven by the host.
type NetworkConfig struct {
	ProbeURL              string        `mapstructure:"probe_url"`
	ProbeAddr             string        `mapstructure:"probe_addr"`
	Interval              time.Duration `mapstructure:"interval"`
	Timeout               time.Duration `mapstructure:"timeout"`
	FailuresBeforeOffline int           `mapstructure:"failures_before_offline"`
}

// StorageConfig selects and configures the offline cache backend.
type StorageConfig struct {
	// Driver is memory, sqlite, postgres or redis.
	Driver string `mapstructure:"driver"`
	// DSN is the SQL data source name for sqlite and postgres.
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
	// Addr is the Redis address.
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// MaxEntries bounds the in-process store and the memory tier.
	MaxEntries int `mapstructure:"max_entries"`
	// Tiered puts an in-process tier in front of a persistent driver.
	Tiered bool `mapstructure:"tiered"`
	// Bloom adds a negative-lookup filter sized for BloomItems keys.
	Bloom       bool    `mapstructure:"bloom"`
	BloomItems  uint    `mapstructure:"bloom_items"`
	BloomFPRate float64 `mapstructure:"bloom_fp_rate"`
	// OperationTimeout bounds each backend call.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

type ServerConfig struct {
	// Address of the inspection server; empty disables it.
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Load reads path when it is not empty, applies RC_* environment overrides
// on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	cd := client.DefaultConfig()
	v.SetDefault("client.base_url", "")
	v.SetDefault("client.timeout", cd.Timeout)
	v.SetDefault("client.disable_cache", false)
	v.SetDefault("client.disable_dedup", false)

	bd := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", bd.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", bd.ResetTimeout)
	v.SetDefault("breaker.monitoring_window", bd.MonitoringWindow)
	v.SetDefault("breaker.group_segments", breaker.DefaultGroupSegments)

	rd := retry.DefaultConfig()
	v.SetDefault("retry.max_retries", rd.MaxRetries)
	v.SetDefault("retry.base_delay", rd.BaseDelay)
	v.SetDefault("retry.max_delay", rd.MaxDelay)
	v.SetDefault("retry.max_jitter", rd.MaxJitter)

	dd := dedup.DefaultConfig()
	v.SetDefault("dedup.window", dd.Window)
	v.SetDefault("dedup.grace", dd.Grace)

	od := offline.DefaultConfig()
	v.SetDefault("cache.max_age", od.MaxAge)
	v.SetDefault("cache.stale_time", od.StaleTime)
	v.SetDefault("cache.version", od.Version)
	v.SetDefault("cache.key_prefix", od.KeyPrefix)
	v.SetDefault("cache.revalidate_timeout", od.RevalidateTimeout)

	nd := network.DefaultProberConfig()
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_addr", "")
	v.SetDefault("network.interval", nd.Interval)
	v.SetDefault("network.timeout", nd.Timeout)
	v.SetDefault("network.failures_before_offline", nd.FailuresBeforeOffline)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "offline_cache")
	v.SetDefault("storage.addr", "localhost:6379")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.db", 0)
	v.SetDefault("storage.key_prefix", "rc:")
	v.SetDefault("storage.max_entries", 0)
	v.SetDefault("storage.tiered", false)
	v.SetDefault("storage.bloom", false)
	v.SetDefault("storage.bloom_items", 10000)
	v.SetDefault("storage.bloom_fp_rate", 0.01)
	v.SetDefault("storage.operation_timeout", 2*time.Second)

	ld := logging.DefaultConfig()
	v.SetDefault("log.level", ld.Level)
	v.SetDefault("log.format", ld.Format)
	v.SetDefault("log.development", false)

	v.SetDefault("server.address", "")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	err := multierr.Combine(
		c.ClientConfig().Validate(),
		c.BreakerConfig().Validate(),
		c.RetryConfig().Validate(),
		c.DedupConfig().Validate(),
		c.OfflineConfig().Validate(),
	)
	if c.Breaker.GroupSegments < 1 {
		err = multierr.Append(err, fmt.Errorf("config: breaker.group_segments must be at least 1, got %d", c.Breaker.GroupSegments))
	}
	if c.ProbeEnabled() {
		err = multierr.Append(err, c.ProberConfig().Validate())
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Storage.Driver == DriverPostgres && c.Storage.DSN == "" {
			err = multierr.Append(err, errors.New("config: storage.dsn is required for postgres"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver))
	}
	return err
}

// ClientConfig maps the client section.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		BaseURL:      c.Client.BaseURL,
		Timeout:      c.Client.Timeout,
		DisableCache: c.Client.DisableCache,
		DisableDedup: c.Client.DisableDedup,
	}
}

// BreakerConfig maps the breaker section.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
		MonitoringWindow: c.Breaker.MonitoringWindow,
	}
}

// RetryConfig maps the retry section.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		MaxJitter:  c.Retry.MaxJitter,
	}
}

// DedupConfig maps the dedup section.
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{Window: c.Dedup.Window, Grace: c.Dedup.Grace}
}

// OfflineConfig maps the cache section.
func (c *Config) OfflineConfig() offline.Config {
	return offline.Config{
		MaxAge:            c.Cache.MaxAge,
		StaleTime:         c.Cache.StaleTime,
		Version:           c.Cache.Version,
		KeyPrefix:         c.Cache.KeyPrefix,
		RevalidateTimeout: c.Cache.RevalidateTimeout,
	}
}

// ProbeEnabled reports whether a connectivity probe target is configured.
func (c *Config) ProbeEnabled() bool {
	return c.Network.ProbeURL != "" || c.Network.ProbeAddr != ""
}

// ProberConfig maps the network section.
func (c *Config) ProberConfig() network.ProberConfig {
	return network.ProberConfig{
		ProbeURL:              c.Network.ProbeURL,
		ProbeAddr:             c.Network.ProbeAddr,
		Interval:              c.Network.Interval,
		Timeout:               c.Network.Timeout,
		FailuresBeforeOffline: c.Network.FailuresBeforeOffline,
	}
}

// LoggingConfig maps the log section onto the production or development preset.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	if c.Log.Development {
		lc = logging.DevelopmentConfig()
	}
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc
}
