package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Chartflow  ChartflowConfig  `yaml:"chartflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Source     SourceConfig     `yaml:"source"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Cache      CacheConfig      `yaml:"cache"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ChartflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ChannelSize bool   `yaml:"channel_size"`
	UsedWeight  bool   `yaml:"used_weight"`
	Namespace   string `yaml:"namespace"`
	Region      string `yaml:"region"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
	GapBuffer   int `yaml:"gap_buffer"`
	BarBuffer   int `yaml:"bar_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
}

type BinanceSourceConfig struct {
	Spot   VenueConfig `yaml:"spot"`
	Linear VenueConfig `yaml:"linear"`
}

type BybitSourceConfig struct {
	Spot   VenueConfig `yaml:"spot"`
	Linear VenueConfig `yaml:"linear"`
}

// VenueConfig covers one exchange/market pair. Depth limit and update
// cadence follow the venue's stream contract and rarely need changing.
type VenueConfig struct {
	Enabled        bool            `yaml:"enabled"`
	WsURL          string          `yaml:"ws_url"`
	RestURL        string          `yaml:"rest_url"`
	ArchiveURL     string          `yaml:"archive_url"`
	DepthLimit     int             `yaml:"depth_limit"`
	DepthCadenceMs int             `yaml:"depth_cadence_ms"`
	Symbols        []string        `yaml:"symbols"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type AggregatorConfig struct {
	RawTradeRetention time.Duration `yaml:"raw_trade_retention"`
	TickMultiplier    int           `yaml:"tick_multiplier"`
}

type CacheConfig struct {
	Dir         string `yaml:"dir"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	Compression string `yaml:"compression"`
}

type BackfillConfig struct {
	MaxPagesPerRequest int           `yaml:"max_pages_per_request"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RetryCooldown      time.Duration `yaml:"retry_cooldown"`
	Retry              RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	Binance ExchangeRateLimit `yaml:"binance"`
	Bybit   ExchangeRateLimit `yaml:"bybit"`
}

type ExchangeRateLimit struct {
	RequestsPerSecond int   `yaml:"requests_per_second"`
	BurstSize         int   `yaml:"burst_size"`
	RequestWeight     int64 `yaml:"request_weight"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?}`)

// expandEnv substitutes ${VAR} and ${VAR:-default} references in the
// raw config bytes before parsing.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		if v, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(v)
		}
		return groups[2]
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			ChannelSize: true,
			UsedWeight:  true,
		},
		Aggregator: AggregatorConfig{
			RawTradeRetention: 2 * time.Hour,
			TickMultiplier:    1,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.EventBuffer == 0 {
		cfg.Channels.EventBuffer = 10000
	}
	if cfg.Channels.GapBuffer == 0 {
		cfg.Channels.GapBuffer = 100
	}
	if cfg.Channels.BarBuffer == 0 {
		cfg.Channels.BarBuffer = 256
	}
	if cfg.Backfill.MaxPagesPerRequest == 0 {
		cfg.Backfill.MaxPagesPerRequest = 100
	}
	if cfg.Backfill.RequestTimeout == 0 {
		cfg.Backfill.RequestTimeout = 2 * time.Minute
	}
	if cfg.Backfill.RetryCooldown == 0 {
		cfg.Backfill.RetryCooldown = 30 * time.Second
	}
	if cfg.Cache.MaxSizeMB == 0 {
		cfg.Cache.MaxSizeMB = 1024
	}

	for _, v := range []*VenueConfig{
		&cfg.Source.Binance.Spot, &cfg.Source.Binance.Linear,
		&cfg.Source.Bybit.Spot, &cfg.Source.Bybit.Linear,
	} {
		if v.Reconnect.BaseDelay == 0 {
			v.Reconnect.BaseDelay = time.Second
		}
		if v.Reconnect.MaxDelay == 0 {
			v.Reconnect.MaxDelay = time.Minute
		}
	}
	if cfg.Source.Binance.Spot.DepthLimit == 0 {
		cfg.Source.Binance.Spot.DepthLimit = 1000
	}
	if cfg.Source.Binance.Linear.DepthLimit == 0 {
		cfg.Source.Binance.Linear.DepthLimit = 1000
	}
	if cfg.Source.Bybit.Spot.DepthLimit == 0 {
		cfg.Source.Bybit.Spot.DepthLimit = 200
	}
	if cfg.Source.Bybit.Linear.DepthLimit == 0 {
		cfg.Source.Bybit.Linear.DepthLimit = 500
	}
	if cfg.Source.Binance.Spot.DepthCadenceMs == 0 {
		cfg.Source.Binance.Spot.DepthCadenceMs = 100
	}
	if cfg.Source.Binance.Linear.DepthCadenceMs == 0 {
		cfg.Source.Binance.Linear.DepthCadenceMs = 100
	}
	if cfg.Source.Bybit.Spot.DepthCadenceMs == 0 {
		cfg.Source.Bybit.Spot.DepthCadenceMs = 200
	}
	if cfg.Source.Bybit.Linear.DepthCadenceMs == 0 {
		cfg.Source.Bybit.Linear.DepthCadenceMs = 200
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Chartflow.Name == "" {
		return fmt.Errorf("chartflow.name is required")
	}
	if cfg.Chartflow.Version == "" {
		return fmt.Errorf("chartflow.version is required")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if cfg.Aggregator.TickMultiplier <= 0 {
		return fmt.Errorf("aggregator.tick_multiplier must be greater than 0")
	}
	if cfg.Backfill.MaxPagesPerRequest <= 0 {
		return fmt.Errorf("backfill.max_pages_per_request must be greater than 0")
	}

	for name, v := range map[string]VenueConfig{
		"source.binance.spot":   cfg.Source.Binance.Spot,
		"source.binance.linear": cfg.Source.Binance.Linear,
		"source.bybit.spot":     cfg.Source.Bybit.Spot,
		"source.bybit.linear":   cfg.Source.Bybit.Linear,
	} {
		if !v.Enabled {
			continue
		}
		if v.WsURL == "" {
			return fmt.Errorf("%s.ws_url is required when enabled", name)
		}
		if v.RestURL == "" {
			return fmt.Errorf("%s.rest_url is required when enabled", name)
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("%s.symbols must not be empty when enabled", name)
		}
	}

	return nil
}
