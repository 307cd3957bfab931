// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitesearch/internal/crawler"
)

// Storage backends understood by StorageConfig.Backend.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sites    []SiteConfig   `mapstructure:"sites"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Indexing IndexingConfig `mapstructure:"indexing"`
	Handoff  HandoffConfig  `mapstructure:"handoff"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SiteConfig is one configured crawl target.
type SiteConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// CrawlerConfig governs fetching and crawl fan-out.
type CrawlerConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	Referrer              string  `mapstructure:"referrer"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	Parallelism           int     `mapstructure:"parallelism"`
	RespectRobots         bool    `mapstructure:"respect_robots"`
	RateLimitRPS          float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
}

// IndexingConfig controls run lifecycle.
type IndexingConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// HandoffConfig sizes the per-run page queue.
type HandoffConfig struct {
	Capacity     int `mapstructure:"capacity"`
	LowWater     int `mapstructure:"low_water"`
	MaxBackoffMs int `mapstructure:"max_backoff_ms"`
}

// StorageConfig selects the blob backend and object naming.
type StorageConfig struct {
	Backend     string             `mapstructure:"backend"`
	Bucket      string             `mapstructure:"bucket"`
	Prefix      string             `mapstructure:"prefix"`
	ContentType string             `mapstructure:"content_type"`
	Local       LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to the relational database. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for analysis notifications. An empty project selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESEARCH")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows; U; WindowsNT 5.1; en-US; rv1.8.1.6) Gecko/20070725 Firefox/2.0.0.6")
	v.SetDefault("crawler.referrer", "http://www.google.com")
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.parallelism", 0)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.rate_limit_rps", 0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("indexing.grace_period_seconds", 5)
	v.SetDefault("handoff.capacity", 100)
	v.SetDefault("handoff.low_water", 5)
	v.SetDefault("handoff.max_backoff_ms", 5000)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "data/pages")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.topic_name", "sitesearch-pages")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Crawler.Parallelism < 0 {
		return errors.New("crawler.parallelism must be >= 0")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return errors.New("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return errors.New("crawler.rate_limit_rps must be >= 0")
	}
	if c.Indexing.GracePeriodSeconds < 0 {
		return errors.New("indexing.grace_period_seconds must be >= 0")
	}
	if c.Handoff.Capacity <= 0 {
		return errors.New("handoff.capacity must be > 0")
	}
	if c.Handoff.LowWater < 0 || c.Handoff.LowWater > c.Handoff.Capacity {
		return errors.New("handoff.low_water must be between 0 and handoff.capacity")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return errors.New("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	for i, site := range c.Sites {
		u, err := url.Parse(site.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("sites[%d].url %q must be an absolute http(s) URL", i, site.URL)
		}
	}
	return nil
}

// SiteConfigs converts the configured targets into crawler site configs.
func (c Config) SiteConfigs() []crawler.SiteConfig {
	out := make([]crawler.SiteConfig, 0, len(c.Sites))
	for _, site := range c.Sites {
		out = append(out, crawler.SiteConfig{URL: site.URL, Name: site.Name})
	}
	return out
}

// RequestTimeout returns the per-fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSeconds) * time.Second
}

// GracePeriod returns how long a stop waits before aborting in-flight saves.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Indexing.GracePeriodSeconds) * time.Second
}

// MaxBackoff returns the handoff queue's backoff cap.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Handoff.MaxBackoffMs) * time.Millisecond
}
