// Package config loads pipeline settings from environment variables and an
// optional YAML file and assembles a ready-to-run pipeline from them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tendant/meal-snap/pkg/mealupload"
	redisstore "github.com/tendant/meal-snap/pkg/mealupload/quotastore/redis"
)

// Option applies an override on top of the loaded configuration.
type Option func(*Config) error

// Config holds everything needed to build a pipeline.
type Config struct {
	BaseURL        string        `yaml:"base_url" env:"MEALSNAP_API_URL" env-default:"http://localhost:8080"`
	Identity       string        `yaml:"identity" env:"MEALSNAP_USER"`
	IdentityHeader string        `yaml:"identity_header" env:"MEALSNAP_IDENTITY_HEADER" env-default:"X-User-Id"`
	SlotTimeout    time.Duration `yaml:"slot_timeout" env:"MEALSNAP_SLOT_TIMEOUT" env-default:"30s"`
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout" env:"MEALSNAP_ANALYZE_TIMEOUT" env-default:"90s"`
	// AnalyzeRate is the client-side limit on analysis requests per second. 0 disables it.
	AnalyzeRate  float64 `yaml:"analyze_rate" env:"MEALSNAP_ANALYZE_RATE" env-default:"0"`
	AnalyzeBurst int     `yaml:"analyze_burst" env:"MEALSNAP_ANALYZE_BURST" env-default:"1"`

	MaxUploadSize int64 `yaml:"max_upload_size" env:"MEALSNAP_MAX_UPLOAD_SIZE" env-default:"10485760"`

	Transfer    TransferConfig    `yaml:"transfer"`
	Compression CompressionConfig `yaml:"compression"`
	Quota       QuotaConfig       `yaml:"quota"`

	LogLevel  string `yaml:"log_level" env:"MEALSNAP_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"MEALSNAP_LOG_FORMAT" env-default:"text"`
}

// TransferConfig controls the direct upload to storage.
type TransferConfig struct {
	Attempts       int           `yaml:"attempts" env:"MEALSNAP_TRANSFER_ATTEMPTS" env-default:"3"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"MEALSNAP_TRANSFER_ATTEMPT_TIMEOUT" env-default:"60s"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"MEALSNAP_TRANSFER_RETRY_DELAY" env-default:"1s"`
}

// CompressionConfig controls client-side image compression.
type CompressionConfig struct {
	Threshold    int64 `yaml:"threshold" env:"MEALSNAP_COMPRESS_THRESHOLD" env-default:"2097152"`
	MaxDimension uint  `yaml:"max_dimension" env:"MEALSNAP_COMPRESS_MAX_DIMENSION" env-default:"1920"`
	Quality      int   `yaml:"quality" env:"MEALSNAP_COMPRESS_QUALITY" env-default:"80"`
	MinQuality   int   `yaml:"min_quality" env:"MEALSNAP_COMPRESS_MIN_QUALITY" env-default:"40"`
	TargetSize   int64 `yaml:"target_size" env:"MEALSNAP_COMPRESS_TARGET_SIZE" env-default:"1048576"`
	// Fallback uploads the original image when compression fails.
	Fallback bool `yaml:"fallback" env:"MEALSNAP_COMPRESS_FALLBACK" env-default:"false"`
}

// QuotaConfig controls where the shared quota snapshot lives.
type QuotaConfig struct {
	// RedisURL selects the Redis store, e.g. redis://localhost:6379/0. Empty keeps
	// the snapshot in process.
	RedisURL       string        `yaml:"redis_url" env:"MEALSNAP_REDIS_URL"`
	KeyPrefix      string        `yaml:"key_prefix" env:"MEALSNAP_QUOTA_KEY_PREFIX" env-default:"mealsnap:quota"`
	TTL            time.Duration `yaml:"ttl" env:"MEALSNAP_QUOTA_TTL" env-default:"168h"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"MEALSNAP_QUOTA_REFRESH_TIMEOUT" env-default:"30s"`
}

// Load reads path (when non-empty) and then the environment, applies opts and
// validates the result.
func Load(path string, opts ...Option) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.IdentityHeader == "" {
		return errors.New("identity_header is required")
	}
	if c.SlotTimeout <= 0 || c.AnalyzeTimeout <= 0 || c.Transfer.AttemptTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Transfer.Attempts < 1 {
		return errors.New("transfer.attempts must be at least 1")
	}
	if c.Transfer.RetryBaseDelay < 0 {
		return errors.New("transfer.retry_base_delay cannot be negative")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("max_upload_size must be positive")
	}
	if c.Compression.Quality < 1 || c.Compression.Quality > 100 {
		return fmt.Errorf("compression.quality must be between 1 and 100, got %d", c.Compression.Quality)
	}
	if c.Compression.MinQuality < 1 || c.Compression.MinQuality > c.Compression.Quality {
		return fmt.Errorf("compression.min_quality must be between 1 and %d, got %d",
			c.Compression.Quality, c.Compression.MinQuality)
	}
	if c.AnalyzeRate < 0 {
		return errors.New("analyze_rate cannot be negative")
	}
	if c.AnalyzeRate > 0 && c.AnalyzeBurst < 1 {
		return errors.New("analyze_burst must be at least 1 when analyze_rate is set")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be 'text' or 'json', got %q", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// Components are the parts built from a Config.
type Components struct {
	Pipeline   *mealupload.Pipeline
	Client     *mealupload.Client
	Reconciler *mealupload.Reconciler
	Compressor *mealupload.Compressor

	closers []func() error
}

// Close waits for background quota refreshes and releases connections.
func (c *Components) Close() error {
	c.Reconciler.Wait()
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Build assembles the client, reconciler and pipeline. Extra pipeline options,
// such as metrics hooks, are applied last.
func (c *Config) Build(logger *slog.Logger, extra ...mealupload.Option) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	comps := &Components{}

	clientOpts := []mealupload.ClientOption{
		mealupload.WithIdentity(c.IdentityHeader, c.Identity),
		mealupload.WithSlotTimeout(c.SlotTimeout),
		mealupload.WithAnalyzeTimeout(c.AnalyzeTimeout),
		mealupload.WithClientLogger(logger),
	}
	if c.AnalyzeRate > 0 {
		clientOpts = append(clientOpts, mealupload.WithAnalyzeRateLimit(rate.Limit(c.AnalyzeRate), c.AnalyzeBurst))
	}
	comps.Client = mealupload.NewClient(c.BaseURL, clientOpts...)

	store, err := c.buildQuotaStore(comps)
	if err != nil {
		return nil, fmt.Errorf("failed to build quota store: %w", err)
	}
	comps.Reconciler = mealupload.NewReconciler(comps.Client, store,
		mealupload.WithRefreshTimeout(c.Quota.RefreshTimeout),
		mealupload.WithReconcilerLogger(logger),
	)

	validator := mealupload.DefaultValidator()
	validator.MaxSize = c.MaxUploadSize

	comps.Compressor = mealupload.NewCompressor(
		mealupload.WithThreshold(c.Compression.Threshold),
		mealupload.WithMaxDimension(c.Compression.MaxDimension),
		mealupload.WithQuality(c.Compression.Quality, c.Compression.MinQuality),
		mealupload.WithTargetSize(c.Compression.TargetSize),
	)

	opts := []mealupload.Option{
		mealupload.WithValidator(validator),
		mealupload.WithCompressor(comps.Compressor),
		mealupload.WithCompressionFallback(c.Compression.Fallback),
		mealupload.WithSlotRequester(comps.Client),
		mealupload.WithTransferer(mealupload.NewTransferer(
			mealupload.WithRetry(c.Transfer.Attempts, c.Transfer.RetryBaseDelay),
			mealupload.WithAttemptTimeout(c.Transfer.AttemptTimeout),
			mealupload.WithTransferLogger(logger),
		)),
		mealupload.WithAnalyzer(comps.Client),
		mealupload.WithReconciler(comps.Reconciler),
		mealupload.WithLogger(logger),
	}
	p, err := mealupload.New(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	comps.Pipeline = p
	return comps, nil
}

func (c *Config) buildQuotaStore(comps *Components) (mealupload.QuotaStore, error) {
	if c.Quota.RedisURL == "" {
		return mealupload.NewMemoryQuotaStore(), nil
	}
	opts, err := goredis.ParseURL(c.Quota.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	client := goredis.NewClient(opts)
	comps.closers = append(comps.closers, client.Close)

	return redisstore.New(client, c.Identity,
		redisstore.WithKeyPrefix(c.Quota.KeyPrefix),
		redisstore.WithTTL(c.Quota.TTL),
	), nil
}
