package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	Stream     StreamConfig     `mapstructure:"stream"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Radar      RadarConfig      `mapstructure:"radar"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Universe   UniverseConfig   `mapstructure:"universe"`
	GroupsFile string           `mapstructure:"groups_file"`
}

// StreamConfig configures the upstream websocket feed.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	Subscribe        bool          `mapstructure:"subscribe"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	PingMinInterval  time.Duration `mapstructure:"ping_min_interval"`
	PingMaxInterval  time.Duration `mapstructure:"ping_max_interval"`
	GoodRTT          time.Duration `mapstructure:"good_rtt"`
	BadRTT           time.Duration `mapstructure:"bad_rtt"`
	MaxMissedPongs   int           `mapstructure:"max_missed_pongs"`
}

// AggregatorConfig bounds the sliding windows.
type AggregatorConfig struct {
	Window    time.Duration `mapstructure:"window"`
	MaxEvents int           `mapstructure:"max_events"`
}

// DetectionConfig drives the detection tick.
type DetectionConfig struct {
	Interval                 time.Duration `mapstructure:"interval"`
	Window                   time.Duration `mapstructure:"window"`
	Workers                  int           `mapstructure:"workers"`
	DominanceThreshold       float64       `mapstructure:"dominance_threshold"`
	CooldownEvictionInterval time.Duration `mapstructure:"cooldown_eviction_interval"`
}

// RadarConfig tunes the composite scoring engine.
type RadarConfig struct {
	ConvergenceBonus float64 `mapstructure:"convergence_bonus"`
	PatternCap       float64 `mapstructure:"pattern_cap"`
	ThresholdScale   float64 `mapstructure:"threshold_scale"`
	PressurePolicy   string  `mapstructure:"pressure_policy"`
	MinStrength      string  `mapstructure:"min_strength"`
}

// DispatchConfig configures alert delivery.
type DispatchConfig struct {
	SinkTimeout     time.Duration `mapstructure:"sink_timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	CooldownBackend string        `mapstructure:"cooldown_backend"` // memory | redis
	RedisKeyPrefix  string        `mapstructure:"redis_key_prefix"`
}

// ResilienceConfig holds breaker and degradation settings.
type ResilienceConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	ErrorWindow      time.Duration `mapstructure:"error_window"`
	MinSamples       int           `mapstructure:"min_samples"`
	DegradedRate     float64       `mapstructure:"degraded_rate"`
	MinimalRate      float64       `mapstructure:"minimal_rate"`
	EmergencyRate    float64       `mapstructure:"emergency_rate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console | json | auto
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HTTPConfig configures the read-only monitoring server.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type PostgresConfig struct {
	DSN          string        `mapstructure:"dsn"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// SinksConfig selects alert sinks; all listed sinks receive every alert.
type SinksConfig struct {
	Enabled  []string `mapstructure:"enabled"` // log | file | kafka | postgres
	FilePath string   `mapstructure:"file_path"`
}

// UniverseConfig selects where the active-symbol set comes from.
type UniverseConfig struct {
	Source   string   `mapstructure:"source"` // static | file | redis
	Symbols  []string `mapstructure:"symbols"`
	File     string   `mapstructure:"file"`
	RedisKey string   `mapstructure:"redis_key"`
}

// Load reads configuration from an optional file plus LIQRADAR_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIQRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err) // defaults are static
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "ws://127.0.0.1:8765/stream")
	v.SetDefault("stream.subscribe", true)
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.backoff_base", "1s")
	v.SetDefault("stream.backoff_max", "60s")
	v.SetDefault("stream.ping_min_interval", "5s")
	v.SetDefault("stream.ping_max_interval", "30s")
	v.SetDefault("stream.good_rtt", "100ms")
	v.SetDefault("stream.bad_rtt", "2s")
	v.SetDefault("stream.max_missed_pongs", 3)

	v.SetDefault("aggregator.window", "30s")
	v.SetDefault("aggregator.max_events", 500)

	v.SetDefault("detection.interval", "5s")
	v.SetDefault("detection.window", "30s")
	v.SetDefault("detection.workers", 8)
	v.SetDefault("detection.dominance_threshold", 0.6)
	v.SetDefault("detection.cooldown_eviction_interval", "24h")

	v.SetDefault("radar.convergence_bonus", 0.3)
	v.SetDefault("radar.pattern_cap", 0.5)
	v.SetDefault("radar.threshold_scale", 3.0)
	v.SetDefault("radar.pressure_policy", "storm_wins")
	v.SetDefault("radar.min_strength", "moderate")

	v.SetDefault("dispatch.sink_timeout", "3s")
	v.SetDefault("dispatch.rate_per_second", 5.0)
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("dispatch.cooldown_backend", "memory")
	v.SetDefault("dispatch.redis_key_prefix", "liqradar:cooldown:")

	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.success_threshold", 3)
	v.SetDefault("resilience.recovery_timeout", "60s")
	v.SetDefault("resilience.error_window", "5m")
	v.SetDefault("resilience.min_samples", 10)
	v.SetDefault("resilience.degraded_rate", 0.10)
	v.SetDefault("resilience.minimal_rate", 0.25)
	v.SetDefault("resilience.emergency_rate", 0.50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", "127.0.0.1:9108")

	v.SetDefault("kafka.topic", "liqradar.alerts")
	v.SetDefault("postgres.query_timeout", "5s")

	v.SetDefault("sinks.enabled", []string{"log"})
	v.SetDefault("sinks.file_path", "./data/alerts.jsonl")

	v.SetDefault("universe.source", "static")
	v.SetDefault("universe.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT"})
	v.SetDefault("universe.redis_key", "liqradar:active_symbols")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.Stream.BackoffBase <= 0 || c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream.backoff_base must be positive and not exceed stream.backoff_max")
	}
	if c.Stream.PingMinInterval <= 0 || c.Stream.PingMaxInterval < c.Stream.PingMinInterval {
		return fmt.Errorf("stream.ping_min_interval must be positive and not exceed stream.ping_max_interval")
	}
	if c.Stream.MaxMissedPongs < 1 {
		return fmt.Errorf("stream.max_missed_pongs must be at least 1")
	}

	if c.Aggregator.Window <= 0 {
		return fmt.Errorf("aggregator.window must be positive")
	}
	if c.Aggregator.MaxEvents < 1 {
		return fmt.Errorf("aggregator.max_events must be at least 1")
	}

	if c.Detection.Interval <= 0 {
		return fmt.Errorf("detection.interval must be positive")
	}
	if c.Detection.Window <= 0 || c.Detection.Window > c.Aggregator.Window {
		return fmt.Errorf("detection.window must be positive and not exceed aggregator.window")
	}
	if c.Detection.Workers < 1 {
		return fmt.Errorf("detection.workers must be at least 1")
	}
	if c.Detection.DominanceThreshold <= 0.5 || c.Detection.DominanceThreshold > 1 {
		return fmt.Errorf("detection.dominance_threshold must be in (0.5, 1]")
	}

	switch c.Radar.PressurePolicy {
	case "storm_wins", "cluster_wins", "neutral_on_conflict":
	default:
		return fmt.Errorf("radar.pressure_policy must be one of: storm_wins, cluster_wins, neutral_on_conflict")
	}
	if c.Radar.PatternCap <= 0 || c.Radar.ThresholdScale <= 0 || c.Radar.ConvergenceBonus < 0 {
		return fmt.Errorf("radar scoring parameters must be positive")
	}

	if c.Dispatch.SinkTimeout <= 0 {
		return fmt.Errorf("dispatch.sink_timeout must be positive")
	}
	if c.Dispatch.RatePerSecond <= 0 || c.Dispatch.Burst < 1 {
		return fmt.Errorf("dispatch.rate_per_second and dispatch.burst must be positive")
	}
	switch c.Dispatch.CooldownBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when dispatch.cooldown_backend is redis")
		}
	default:
		return fmt.Errorf("dispatch.cooldown_backend must be one of: memory, redis")
	}

	if c.Resilience.FailureThreshold < 1 || c.Resilience.SuccessThreshold < 1 {
		return fmt.Errorf("resilience thresholds must be at least 1")
	}
	if c.Resilience.RecoveryTimeout <= 0 || c.Resilience.ErrorWindow <= 0 {
		return fmt.Errorf("resilience.recovery_timeout and resilience.error_window must be positive")
	}
	if !(c.Resilience.DegradedRate < c.Resilience.MinimalRate && c.Resilience.MinimalRate < c.Resilience.EmergencyRate) {
		return fmt.Errorf("resilience rates must satisfy degraded < minimal < emergency")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true, "auto": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json, auto")
	}

	for _, sink := range c.Sinks.Enabled {
		switch sink {
		case "log":
		case "file":
			if c.Sinks.FilePath == "" {
				return fmt.Errorf("sinks.file_path is required for the file sink")
			}
		case "kafka":
			if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
				return fmt.Errorf("kafka.brokers and kafka.topic are required for the kafka sink")
			}
		case "postgres":
			if c.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is required for the postgres sink")
			}
		default:
			return fmt.Errorf("unsupported sink: %s", sink)
		}
	}

	switch c.Universe.Source {
	case "static":
		if len(c.Universe.Symbols) == 0 {
			return fmt.Errorf("universe.symbols must not be empty for the static source")
		}
	case "file":
		if c.Universe.File == "" {
			return fmt.Errorf("universe.file is required for the file source")
		}
	case "redis":
		if c.Redis.Addr == "" || c.Universe.RedisKey == "" {
			return fmt.Errorf("redis.addr and universe.redis_key are required for the redis source")
		}
	default:
		return fmt.Errorf("universe.source must be one of: static, file, redis")
	}

	return nil
}
