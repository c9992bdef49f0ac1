// Package config loads engine configuration from an optional YAML file
// with environment-variable overrides (prefix ENGINE_).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the engine.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Trading TradingConfig `mapstructure:"trading"`
	Storage StorageConfig `mapstructure:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig holds the instrument pool and price process settings.
type EngineConfig struct {
	MinActiveInstruments int           `mapstructure:"min_active_instruments"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	LifecycleInterval    time.Duration `mapstructure:"lifecycle_interval"`
	RetentionPeriod      time.Duration `mapstructure:"retention_period"`
	InitialPrice         float64       `mapstructure:"initial_price"`
	VolatilityMin        float64       `mapstructure:"volatility_min"`
	VolatilityMax        float64       `mapstructure:"volatility_max"`
	DriftMean            float64       `mapstructure:"drift_mean"`
	DriftStddev          float64       `mapstructure:"drift_stddev"`
	ExpiryMin            time.Duration `mapstructure:"expiry_min"`
	ExpiryMax            time.Duration `mapstructure:"expiry_max"`
	SymbolLength         int           `mapstructure:"symbol_length"`
	SymbolAlphabet       string        `mapstructure:"symbol_alphabet"`
	HistoryDepth         int           `mapstructure:"history_depth"`
}

// TradingConfig holds trade validation bounds.
type TradingConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
	MinQuantity float64 `mapstructure:"min_quantity"`
	MaxQuantity float64 `mapstructure:"max_quantity"`
	MinPrice    float64 `mapstructure:"min_price"`
	MaxPrice    float64 `mapstructure:"max_price"`
	MaxNotional float64 `mapstructure:"max_notional"`
}

// StorageConfig holds persistence settings. Empty DatabaseURL falls back
// to the in-memory store.
type StorageConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from the given file (optional; pass "" to use
// ./config.yaml if present), applies ENGINE_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("engine.min_active_instruments", 16)
	v.SetDefault("engine.tick_interval", time.Second)
	v.SetDefault("engine.lifecycle_interval", time.Minute)
	v.SetDefault("engine.retention_period", 30*24*time.Hour)
	v.SetDefault("engine.initial_price", 100.0)
	v.SetDefault("engine.volatility_min", 0.001)
	v.SetDefault("engine.volatility_max", 0.20)
	v.SetDefault("engine.drift_mean", 0.0)
	v.SetDefault("engine.drift_stddev", 0.005)
	v.SetDefault("engine.expiry_min", 5*time.Minute)
	v.SetDefault("engine.expiry_max", 8*time.Hour)
	v.SetDefault("engine.symbol_length", 3)
	v.SetDefault("engine.symbol_alphabet", "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	v.SetDefault("engine.history_depth", 1000)

	v.SetDefault("trading.initial_cash", 100000.0)
	v.SetDefault("trading.min_quantity", 0.00000001)
	v.SetDefault("trading.max_quantity", 1e9)
	v.SetDefault("trading.min_price", 0.01)
	v.SetDefault("trading.max_price", 1e9)
	v.SetDefault("trading.max_notional", 1e10)

	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", 30*time.Second)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.MinActiveInstruments < 1:
		return errors.New("config: engine.min_active_instruments must be at least 1")
	case e.TickInterval <= 0:
		return errors.New("config: engine.tick_interval must be positive")
	case e.LifecycleInterval <= 0:
		return errors.New("config: engine.lifecycle_interval must be positive")
	case e.InitialPrice <= 0:
		return errors.New("config: engine.initial_price must be positive")
	case e.VolatilityMin < 0 || e.VolatilityMax < e.VolatilityMin:
		return errors.New("config: engine volatility range must satisfy 0 <= min <= max")
	case e.DriftStddev < 0:
		return errors.New("config: engine.drift_stddev must be non-negative")
	case e.ExpiryMin <= 0 || e.ExpiryMax < e.ExpiryMin:
		return errors.New("config: engine expiry range must satisfy 0 < min <= max")
	case e.SymbolLength < 1:
		return errors.New("config: engine.symbol_length must be at least 1")
	case len(e.SymbolAlphabet) < 2:
		return errors.New("config: engine.symbol_alphabet needs at least two characters")
	case e.HistoryDepth < 1:
		return errors.New("config: engine.history_depth must be at least 1")
	}

	t := c.Trading
	switch {
	case t.InitialCash < 0:
		return errors.New("config: trading.initial_cash must be non-negative")
	case t.MinQuantity <= 0 || t.MaxQuantity < t.MinQuantity:
		return errors.New("config: trading quantity bounds must satisfy 0 < min <= max")
	case t.MinPrice <= 0 || t.MaxPrice < t.MinPrice:
		return errors.New("config: trading price bounds must satisfy 0 < min <= max")
	case t.MaxNotional <= 0:
		return errors.New("config: trading.max_notional must be positive")
	}

	return nil
}
