// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crawlkit/linkwalk/internal/telemetry"
)

// Fetcher modes accepted by fetcher.mode.
const (
	FetcherModeColly    = "colly"
	FetcherModeHeadless = "headless"
	FetcherModeAuto     = "auto"
)

// Storage backends accepted by storage.backend.
const (
	StorageBackendMemory = "memory"
	StorageBackendLocal  = "local"
	StorageBackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	HTTPGet   HTTPGetConfig    `mapstructure:"httpget"`
	Fetcher   FetcherConfig    `mapstructure:"fetcher"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior and the API-key guard.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	AuthEnabled            bool   `mapstructure:"auth_enabled"`
	APIKey                 string `mapstructure:"api_key"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the crawl worker pool and per-run defaults.
type CrawlerConfig struct {
	FanoutLimit     int    `mapstructure:"fanout_limit"`
	DefaultMaxLinks int    `mapstructure:"default_max_links"`
	Workers         int    `mapstructure:"workers"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	UserAgent       string `mapstructure:"user_agent"`
}

// HTTPGetConfig governs the GET pass-through worker pool.
type HTTPGetConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Workers        int `mapstructure:"workers"`
	QueueDepth     int `mapstructure:"queue_depth"`
}

// FetcherConfig selects and tunes the link fetcher implementation.
type FetcherConfig struct {
	Mode                      string `mapstructure:"mode"`
	TimeoutSeconds            int    `mapstructure:"timeout_seconds"`
	MaxParallelism            int    `mapstructure:"max_parallelism"`
	HeadlessMaxParallel       int    `mapstructure:"headless_max_parallel"`
	HeadlessNavTimeoutSeconds int    `mapstructure:"headless_nav_timeout_seconds"`
	PromotionThresholdBytes   int    `mapstructure:"promotion_threshold_bytes"`
}

// StorageConfig selects the report blob store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// ArchiveConfig controls the Postgres crawl archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// ProgressConfig tunes the progress hub batching behavior. The progress
// store sink is enabled whenever the archive DSN is set.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKWALK")
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
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.fanout_limit", 10)
	v.SetDefault("crawler.default_max_links", 10)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; linkwalk/1.0)")
	v.SetDefault("httpget.timeout_seconds", 3)
	v.SetDefault("httpget.workers", 2)
	v.SetDefault("httpget.queue_depth", 32)
	v.SetDefault("fetcher.mode", FetcherModeColly)
	v.SetDefault("fetcher.timeout_seconds", 5)
	v.SetDefault("fetcher.max_parallelism", 16)
	v.SetDefault("fetcher.headless_max_parallel", 2)
	v.SetDefault("fetcher.headless_nav_timeout_seconds", 45)
	v.SetDefault("fetcher.promotion_threshold_bytes", 2048)
	v.SetDefault("storage.backend", StorageBackendMemory)
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("archive.table", "crawl_archive")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("telemetry.service_name", "linkwalk")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.AuthEnabled && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key must be set when auth is enabled")
	}
	if c.Crawler.FanoutLimit <= 0 {
		return fmt.Errorf("crawler.fanout_limit must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.HTTPGet.TimeoutSeconds <= 0 {
		return fmt.Errorf("httpget.timeout_seconds must be > 0")
	}
	if c.HTTPGet.Workers <= 0 {
		return fmt.Errorf("httpget.workers must be > 0")
	}
	switch c.Fetcher.Mode {
	case FetcherModeColly, FetcherModeHeadless, FetcherModeAuto:
	default:
		return fmt.Errorf("fetcher.mode must be one of colly, headless, auto")
	}
	if c.Fetcher.Mode != FetcherModeColly && c.Fetcher.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless_max_parallel must be > 0 when headless rendering is enabled")
	}
	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set when storage.backend is local")
		}
	case StorageBackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn must be set when the archive is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.ProjectID == "" {
		return fmt.Errorf("telemetry.project_id must be set when tracing is enabled")
	}
	return nil
}

// ListenAddr joins host and port for http.Server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RequestTimeout converts the configured request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// HTTPGetTimeout is the per-request budget of the GET pass-through client.
func (c Config) HTTPGetTimeout() time.Duration {
	return time.Duration(c.HTTPGet.TimeoutSeconds) * time.Second
}

// FetchTimeout is the per-page budget of the colly fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// HeadlessNavTimeout bounds a single headless page navigation.
func (c Config) HeadlessNavTimeout() time.Duration {
	return time.Duration(c.Fetcher.HeadlessNavTimeoutSeconds) * time.Second
}

// ProgressMaxBatchWait converts the hub flush interval into a duration.
func (c Config) ProgressMaxBatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}

// ProgressStoreEnabled reports whether progress rows should be persisted.
// The store sink shares the archive DSN.
func (c Config) ProgressStoreEnabled() bool {
	return c.Archive.DSN != ""
}
