// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Crawler   CrawlerConfig             `mapstructure:"crawler"`
	Retry     RetryConfig               `mapstructure:"retry"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Registry  RegistryConfig            `mapstructure:"registry"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Publisher PublisherConfig           `mapstructure:"publisher"`
	JobStore  JobStoreConfig            `mapstructure:"jobstore"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool and job deadline.
type CrawlerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobDeadline time.Duration `mapstructure:"job_deadline"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// RetryConfig tunes provider retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CacheConfig selects the cache backend and per-domain TTLs.
type CacheConfig struct {
	Backend string                   `mapstructure:"backend"`
	Shards  int                      `mapstructure:"shards"`
	TTL     map[string]time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig              `mapstructure:"redis"`
}

// RedisConfig configures the shared cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RegistryConfig points at an optional location catalog file.
type RegistryConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// ProviderConfig carries per-provider credentials and limits. Zero values
// fall back to the adapter's own defaults.
type ProviderConfig struct {
	Enabled     *bool         `mapstructure:"enabled"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// IsEnabled reports whether the provider should be built (default true).
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// StorageConfig selects where artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PublisherConfig selects how hand-off notifications are sent.
type PublisherConfig struct {
	Backend       string   `mapstructure:"backend"`
	Topic         string   `mapstructure:"topic"`
	PubSubProject string   `mapstructure:"pubsub_project"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
}

// JobStoreConfig selects where job records are persisted.
type JobStoreConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// Load builds a Config from an optional .env file, disk, and environment.
// Environment variables use the ENVCRAWLER_ prefix with dots replaced by
// underscores (ENVCRAWLER_PROVIDERS_IQAIR_API_KEY).
func Load(path string) (Config, error) {
	if err := loadDotEnv(os.Getenv("ENVCRAWLER_DOTENV")); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("ENVCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	bindProviderEnv(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv loads credentials from a .env file into the process
// environment without overriding variables that are already set. A missing
// default ".env" is not an error; a missing explicit file is.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load dotenv %s: %w", path, err)
	}
	return nil
}

// KnownProviders lists the provider config keys understood by the service.
var KnownProviders = []string{"openweather", "iqair", "waqi", "aqicn", "openmeteo", "soilgrids", "nasapower"}

// bindProviderEnv fills provider API keys from the environment. AutomaticEnv
// does not reach into map entries that are absent from the config file.
func bindProviderEnv(v *viper.Viper, cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range KnownProviders {
		pc := cfg.Providers[name]
		if pc.APIKey == "" {
			pc.APIKey = v.GetString("providers." + name + ".api_key")
		}
		if pc.BaseURL == "" {
			pc.BaseURL = v.GetString("providers." + name + ".base_url")
		}
		cfg.Providers[name] = pc
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 10*time.Minute)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.job_deadline", 5*time.Minute)
	v.SetDefault("crawler.user_agent", "envcrawler/0.1 (+environmental-data-ingestion)")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 250*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.shards", 32)
	v.SetDefault("cache.ttl.air", 30*time.Minute)
	v.SetDefault("cache.ttl.climate", time.Hour)
	v.SetDefault("cache.ttl.water", 6*time.Hour)
	v.SetDefault("cache.ttl.soil", 7*24*time.Hour)
	v.SetDefault("cache.redis.prefix", "envcrawler:cache:")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "batches")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "envcrawler.batches")
	v.SetDefault("jobstore.backend", "memory")
	v.SetDefault("jobstore.table", "crawl_jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.JobDeadline <= 0 {
		return fmt.Errorf("crawler.job_deadline must be > 0")
	}
	if c.Server.RequestTimeout > 0 && c.Crawler.JobDeadline >= c.Server.RequestTimeout {
		return fmt.Errorf("crawler.job_deadline must be below server.request_timeout")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for _, d := range crawler.AllDomains() {
		if c.Cache.TTL[string(d)] <= 0 {
			return fmt.Errorf("cache.ttl.%s must be > 0", d)
		}
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr must be set when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Publisher.Backend {
	case "memory", "none":
	case "pubsub":
		if c.Publisher.PubSubProject == "" {
			return fmt.Errorf("publisher.pubsub_project must be set when publisher.backend is pubsub")
		}
	case "kafka":
		if len(c.Publisher.KafkaBrokers) == 0 {
			return fmt.Errorf("publisher.kafka_brokers must be set when publisher.backend is kafka")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	switch c.JobStore.Backend {
	case "memory":
	case "postgres":
		if c.JobStore.DSN == "" {
			return fmt.Errorf("jobstore.dsn must be set when jobstore.backend is postgres")
		}
	default:
		return fmt.Errorf("jobstore.backend %q is not supported", c.JobStore.Backend)
	}
	return nil
}

// CacheTTL returns the TTL configured for a domain.
func (c Config) CacheTTL(d crawler.Domain) time.Duration {
	return c.Cache.TTL[string(d)]
}

// RetryPolicy converts the retry section into crawler retry settings.
func (c Config) RetryPolicy() crawler.RetryConfig {
	return crawler.RetryConfig{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// Provider returns the config for a named provider.
func (c Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}
