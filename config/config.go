package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coinflow/models"
)

// Gap recovery modes for feed.resync.
const (
	ResyncResubscribe = "resubscribe"
	ResyncNone        = "none"
)

// Config is the full service configuration tree loaded from yaml.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Feed     FeedConfig     `yaml:"feed"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Poller   PollerConfig   `yaml:"poller"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Ops      OpsConfig      `yaml:"ops"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL                  string            `yaml:"url"`
	Products             []string          `yaml:"products"`
	Kinds                []string          `yaml:"kinds"`
	ChannelNames         map[string]string `yaml:"channel_names"`
	HeartbeatInterval    time.Duration     `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration     `yaml:"handshake_timeout"`
	HandshakeMaxAttempts int               `yaml:"handshake_max_attempts"`
	Resync               string            `yaml:"resync"`
	Backoff              BackoffConfig     `yaml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	ResetWindow  time.Duration `yaml:"reset_window"`
}

type PipelineConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	BufferPolicy string        `yaml:"buffer_policy"`
	BatchSize    int           `yaml:"batch_size"`
	BatchWindow  time.Duration `yaml:"batch_window"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	OverflowPath string        `yaml:"overflow_path"`
	Retry        RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"`
	Catalog         bool   `yaml:"catalog"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type PollerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	Interval      time.Duration `yaml:"interval"`
	RateLimit     float64       `yaml:"rate_limit"`
	Burst         int           `yaml:"burst"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	Quotes        []QuoteSymbol `yaml:"quotes"`
}

// QuoteSymbol pairs a display symbol with the quote API's symbol id,
// e.g. BTC -> COINBASE_SPOT_BTC_USD.
type QuoteSymbol struct {
	Symbol string `yaml:"symbol"`
	ID     string `yaml:"id"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	Report     ReportConfig     `yaml:"report"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type ReportConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadConfig reads, overrides, and validates the configuration file.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	normalized, err := normalizeDurations(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// durationKeys are config keys that accept Go duration strings.
var durationKeys = map[string]bool{
	"heartbeat_interval": true,
	"handshake_timeout":  true,
	"initial_delay":      true,
	"max_delay":          true,
	"reset_window":       true,
	"batch_window":       true,
	"flush_timeout":      true,
	"base_delay":         true,
	"interval":           true,
	"stats_interval":     true,
}

// normalizeDurations rewrites duration strings like "250ms" to
// nanosecond integers. yaml.v3 decodes integers into time.Duration
// fields but not strings, so the rewrite happens before the typed
// unmarshal.
func normalizeDurations(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return data, nil
	}
	if err := convertDurationStrings(raw); err != nil {
		return nil, err
	}
	return yaml.Marshal(raw)
}

func convertDurationStrings(node map[string]any) error {
	for key, value := range node {
		switch v := value.(type) {
		case string:
			if !durationKeys[key] {
				continue
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			node[key] = int64(d)
		case map[string]any:
			if err := convertDurationStrings(v); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if err := convertDurationStrings(m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:    "coinflow",
			Version: "1.0.0",
		},
		Feed: FeedConfig{
			URL:      "wss://ws-feed.exchange.coinbase.com",
			Products: []string{"BTC-USD", "ETH-USD", "SOL-USD"},
			Kinds:    []string{"trade", "ticker"},
			ChannelNames: map[string]string{
				"trade":  "matches",
				"ticker": "ticker",
				"book":   "level2",
			},
			HeartbeatInterval:    5 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			HandshakeMaxAttempts: 5,
			Resync:               ResyncResubscribe,
			Backoff: BackoffConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				ResetWindow:  60 * time.Second,
			},
		},
		Pipeline: PipelineConfig{
			BufferSize:   4096,
			BufferPolicy: "block",
			BatchSize:    100,
			BatchWindow:  250 * time.Millisecond,
			FlushTimeout: 10 * time.Second,
			OverflowPath: "data/overflow.jsonl",
			Retry: RetryConfig{
				MaxAttempts:       5,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2.0,
			},
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{Enabled: true},
			S3: S3Config{
				Region:      "us-east-1",
				Prefix:      "market-events",
				Compression: "snappy",
			},
			Kafka: KafkaConfig{Topic: "coinflow.events"},
		},
		Poller: PollerConfig{
			Interval:      10 * time.Second,
			RateLimit:     10,
			Burst:         1,
			StatsInterval: 5 * time.Minute,
			Quotes: []QuoteSymbol{
				{Symbol: "BTC", ID: "COINBASE_SPOT_BTC_USD"},
				{Symbol: "ETH", ID: "COINBASE_SPOT_ETH_USD"},
				{Symbol: "SOL", ID: "COINBASE_SPOT_SOL_USD"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
			Report: ReportConfig{
				Enabled:  false,
				Interval: time.Minute,
			},
			CloudWatch: CloudWatchConfig{
				Region:    "us-east-1",
				Namespace: "Coinflow",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":2112",
		},
		Ops: OpsConfig{
			Enabled: true,
			Addr:    ":8899",
		},
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("COINFLOW_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("COINFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("QUICKNODE_ENDPOINT"); v != "" {
		cfg.Poller.Endpoint = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Storage.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.S3.Region = v
		cfg.Logging.CloudWatch.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
}

func validateConfig(cfg *Config) error {
	if !strings.HasPrefix(cfg.Feed.URL, "ws://") && !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// address, got %q", cfg.Feed.URL)
	}
	if IsProductionLike(AppEnvironment()) && strings.HasPrefix(cfg.Feed.URL, "ws://") {
		return fmt.Errorf("feed.url must use wss:// in %s", AppEnvironment())
	}
	if len(cfg.Feed.Products) == 0 {
		return fmt.Errorf("feed.products must not be empty")
	}
	if len(cfg.Feed.Kinds) == 0 {
		return fmt.Errorf("feed.kinds must not be empty")
	}
	for _, kind := range cfg.Feed.Kinds {
		k, err := models.ParseKind(kind)
		if err != nil {
			return fmt.Errorf("feed.kinds: %w", err)
		}
		if cfg.Feed.ChannelNames[string(k)] == "" {
			return fmt.Errorf("feed.channel_names missing entry for kind %q", kind)
		}
	}
	if cfg.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_interval must be positive")
	}
	if cfg.Feed.HandshakeTimeout <= 0 {
		return fmt.Errorf("feed.handshake_timeout must be positive")
	}
	if cfg.Feed.HandshakeMaxAttempts <= 0 {
		return fmt.Errorf("feed.handshake_max_attempts must be positive")
	}
	if cfg.Feed.Resync != ResyncResubscribe && cfg.Feed.Resync != ResyncNone {
		return fmt.Errorf("feed.resync must be resubscribe or none, got %q", cfg.Feed.Resync)
	}
	if cfg.Feed.Backoff.InitialDelay <= 0 || cfg.Feed.Backoff.MaxDelay < cfg.Feed.Backoff.InitialDelay {
		return fmt.Errorf("feed.backoff delays must satisfy 0 < initial_delay <= max_delay")
	}
	if cfg.Feed.Backoff.Multiplier < 1 {
		return fmt.Errorf("feed.backoff.multiplier must be >= 1")
	}
	if cfg.Feed.Backoff.Jitter < 0 || cfg.Feed.Backoff.Jitter >= 1 {
		return fmt.Errorf("feed.backoff.jitter must be in [0, 1)")
	}

	if cfg.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline.buffer_size must be positive")
	}
	if cfg.Pipeline.BufferPolicy != "block" && cfg.Pipeline.BufferPolicy != "drop_oldest" {
		return fmt.Errorf("pipeline.buffer_policy must be block or drop_oldest, got %q", cfg.Pipeline.BufferPolicy)
	}
	if cfg.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if cfg.Pipeline.BatchWindow <= 0 {
		return fmt.Errorf("pipeline.batch_window must be positive")
	}
	if cfg.Pipeline.OverflowPath == "" {
		return fmt.Errorf("pipeline.overflow_path must not be empty")
	}
	if cfg.Pipeline.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.retry.max_attempts must be positive")
	}

	if !cfg.Storage.Postgres.Enabled && !cfg.Storage.S3.Enabled && !cfg.Storage.Kafka.Enabled {
		return fmt.Errorf("at least one storage sink must be enabled")
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required (set it or DATABASE_URL)")
	}
	if cfg.Storage.S3.Enabled {
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket %q is not a valid bucket name", cfg.Storage.S3.Bucket)
		}
		switch cfg.Storage.S3.Compression {
		case "snappy", "gzip", "zstd", "none":
		default:
			return fmt.Errorf("storage.s3.compression must be snappy, gzip, zstd or none")
		}
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required (set it or KAFKA_BROKERS)")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic must not be empty")
		}
	}

	if cfg.Poller.Enabled {
		if cfg.Poller.Endpoint == "" {
			return fmt.Errorf("poller.endpoint is required (set it or QUICKNODE_ENDPOINT)")
		}
		if cfg.Poller.Interval <= 0 {
			return fmt.Errorf("poller.interval must be positive")
		}
		if cfg.Poller.RateLimit <= 0 {
			return fmt.Errorf("poller.rate_limit must be positive")
		}
		if len(cfg.Poller.Quotes) == 0 {
			return fmt.Errorf("poller.quotes must not be empty")
		}
		for _, q := range cfg.Poller.Quotes {
			if q.Symbol == "" || q.ID == "" {
				return fmt.Errorf("poller.quotes entries need both symbol and id")
			}
		}
	}

	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "report":
	default:
		return fmt.Errorf("logging.level %q is not valid", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must not be empty when metrics are enabled")
	}
	if cfg.Ops.Enabled && cfg.Ops.Addr == "" {
		return fmt.Errorf("ops.addr must not be empty when the ops server is enabled")
	}

	return nil
}

var s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	return s3BucketPattern.MatchString(name)
}

// ChannelKinds returns the configured kinds, already validated.
func (f FeedConfig) ChannelKinds() []models.ChannelKind {
	kinds := make([]models.ChannelKind, 0, len(f.Kinds))
	for _, s := range f.Kinds {
		if k, err := models.ParseKind(s); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// KindNames returns the kind to feed-channel-name mapping as typed keys.
func (f FeedConfig) KindNames() map[models.ChannelKind]string {
	names := make(map[models.ChannelKind]string, len(f.ChannelNames))
	for kind, name := range f.ChannelNames {
		if k, err := models.ParseKind(kind); err == nil {
			names[k] = name
		}
	}
	return names
}

// Channels expands products and kinds into the desired channel set.
func (f FeedConfig) Channels() []models.Channel {
	return models.BuildChannels(f.Products, f.ChannelKinds())
}

// LivenessTimeout is the silence window after which the connection is
// considered dead: twice the expected heartbeat period.
func (f FeedConfig) LivenessTimeout() time.Duration {
	return 2 * f.HeartbeatInterval
}
