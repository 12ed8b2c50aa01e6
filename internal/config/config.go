// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// ErrInvalid marks a configuration that must not be run.
var ErrInvalid = errors.New("invalid configuration")

// Drivers accepted by db_config.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultContentTypes is the image allow-list used when none is configured.
var DefaultContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/svg+xml",
	"image/avif",
	"image/bmp",
}

// Config captures every knob of a harvester run.
type Config struct {
	SeedURL       string              `mapstructure:"seed_url"`
	OutputDir     string              `mapstructure:"output_dir"`
	Threads       int                 `mapstructure:"threads"`
	MaxRetries    int                 `mapstructure:"max_retries"`
	Timeout       time.Duration       `mapstructure:"timeout"`
	UserAgent     string              `mapstructure:"user_agent"`
	Backoff       BackoffConfig       `mapstructure:"backoff"`
	ContentFilter ContentFilterConfig `mapstructure:"content_filter"`
	Crawl         CrawlConfig         `mapstructure:"crawl"`
	ProxyPool     ProxyPoolConfig     `mapstructure:"proxy_pool"`
	DB            DBConfig            `mapstructure:"db_config"`
	Download      DownloadConfig      `mapstructure:"download"`
	Hooks         HooksConfig         `mapstructure:"hooks"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Progress      ProgressConfig      `mapstructure:"progress"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// BackoffConfig bounds the delay between attempts.
type BackoffConfig struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// ContentFilterConfig decides which responses are kept.
type ContentFilterConfig struct {
	ContentTypes []string `mapstructure:"content_types"`
	MinSize      int64    `mapstructure:"min_size"`
	MaxSize      int64    `mapstructure:"max_size"`
}

// CrawlConfig bounds link discovery.
type CrawlConfig struct {
	MaxDepth    int  `mapstructure:"max_depth"`
	MaxPages    int  `mapstructure:"max_pages"`
	FollowLinks bool `mapstructure:"follow_links"`
}

// ProxyPoolConfig locates and validates candidate proxies.
type ProxyPoolConfig struct {
	FeedURL      string        `mapstructure:"feed_url"`
	CheckURL     string        `mapstructure:"check_url"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// DBConfig selects and sizes the dedup store.
type DBConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int    `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DownloadConfig controls body streaming.
type DownloadConfig struct {
	ChunkSize       int   `mapstructure:"chunk_size"`
	CheckpointBytes int64 `mapstructure:"checkpoint_bytes"`
}

// HooksConfig enables post-processing of completed files.
type HooksConfig struct {
	MirrorDir     string `mapstructure:"mirror_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// MetricsConfig enables the operator HTTP endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProgressConfig enables the download event stream.
type ProgressConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables use the
// HARVESTER_ prefix with dots replaced by underscores, e.g. HARVESTER_DB_CONFIG_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("seed_url", "")
	v.SetDefault("output_dir", "downloads")
	v.SetDefault("threads", 5)
	v.SetDefault("max_retries", 3)
	v.SetDefault("timeout", "10s")
	v.SetDefault("user_agent", "image-downloader/1.0")
	v.SetDefault("backoff.base", "500ms")
	v.SetDefault("backoff.max", "10s")
	v.SetDefault("content_filter.content_types", DefaultContentTypes)
	v.SetDefault("content_filter.min_size", 0)
	v.SetDefault("content_filter.max_size", 50<<20)
	v.SetDefault("crawl.max_depth", 1)
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.follow_links", true)
	v.SetDefault("proxy_pool.feed_url", "")
	v.SetDefault("proxy_pool.check_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy_pool.check_timeout", "3s")
	v.SetDefault("db_config.driver", DriverSQLite)
	v.SetDefault("db_config.dsn", "images.db")
	v.SetDefault("db_config.table", "images")
	v.SetDefault("db_config.max_conns", 0)
	v.SetDefault("db_config.auto_migrate", true)
	v.SetDefault("download.chunk_size", 32<<10)
	v.SetDefault("download.checkpoint_bytes", 256<<10)
	v.SetDefault("hooks.mirror_dir", "")
	v.SetDefault("hooks.gcs_bucket", "")
	v.SetDefault("hooks.gcs_prefix", "")
	v.SetDefault("hooks.pubsub_project", "")
	v.SetDefault("hooks.pubsub_topic", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("progress.enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// applyDerived fills values that depend on other keys.
func (c *Config) applyDerived() {
	if c.DB.MaxConns == 0 && c.Threads > 0 {
		c.DB.MaxConns = c.Threads + 2
	}
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Threads <= 0:
		return invalid("threads must be > 0")
	case c.MaxRetries < 0:
		return invalid("max_retries must be >= 0")
	case c.Timeout <= 0:
		return invalid("timeout must be > 0")
	case c.Backoff.Base <= 0:
		return invalid("backoff.base must be > 0")
	case c.Backoff.Max < c.Backoff.Base:
		return invalid("backoff.max must be >= backoff.base")
	case strings.TrimSpace(c.OutputDir) == "":
		return invalid("output_dir is required")
	case c.ContentFilter.MinSize < 0 || c.ContentFilter.MaxSize < 0:
		return invalid("content_filter sizes must be >= 0")
	case c.ContentFilter.MaxSize > 0 && c.ContentFilter.MaxSize < c.ContentFilter.MinSize:
		return invalid("content_filter.max_size must be >= content_filter.min_size")
	case c.Crawl.MaxDepth < 0:
		return invalid("crawl.max_depth must be >= 0")
	case c.Crawl.MaxPages <= 0:
		return invalid("crawl.max_pages must be > 0")
	case c.ProxyPool.FeedURL != "" && c.ProxyPool.CheckTimeout <= 0:
		return invalid("proxy_pool.check_timeout must be > 0 when a feed is configured")
	case c.Download.ChunkSize <= 0:
		return invalid("download.chunk_size must be > 0")
	case c.Download.CheckpointBytes <= 0:
		return invalid("download.checkpoint_bytes must be > 0")
	case (c.Hooks.PubSubProject == "") != (c.Hooks.PubSubTopic == ""):
		return invalid("hooks.pubsub_project and hooks.pubsub_topic must be set together")
	case c.Hooks.GCSPrefix != "" && c.Hooks.GCSBucket == "":
		return invalid("hooks.gcs_prefix requires hooks.gcs_bucket")
	case c.Progress.Enabled && (c.Progress.BufferSize <= 0 || c.Progress.MaxBatchWait <= 0):
		return invalid("progress.buffer_size and progress.max_batch_wait must be > 0 when enabled")
	}
	if err := c.validateDB(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		return invalid(fmt.Sprintf("logging.level %q is not a zap level", c.Logging.Level))
	}
	return nil
}

func (c Config) validateDB() error {
	switch c.DB.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return invalid(fmt.Sprintf("db_config.driver %q is not one of sqlite, postgres, memory", c.DB.Driver))
	}
	if c.DB.Driver != DriverMemory && strings.TrimSpace(c.DB.DSN) == "" {
		return invalid("db_config.dsn is required")
	}
	if !identifierPattern.MatchString(c.DB.Table) {
		return invalid(fmt.Sprintf("db_config.table %q is not a valid identifier", c.DB.Table))
	}
	if c.DB.MaxConns < c.Threads {
		return invalid(fmt.Sprintf("db_config.max_conns (%d) must be >= threads (%d)", c.DB.MaxConns, c.Threads))
	}
	return nil
}

// ValidateSeed checks the seed a run starts from.
func (c Config) ValidateSeed() error {
	if strings.TrimSpace(c.SeedURL) == "" {
		return invalid("seed_url is required")
	}
	if !strings.HasPrefix(c.SeedURL, "http://") && !strings.HasPrefix(c.SeedURL, "https://") {
		return invalid(fmt.Sprintf("seed_url %q must be an http(s) URL", c.SeedURL))
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}
