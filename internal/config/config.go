// Package config provides configuration management for the simulation core.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Market MarketConfig `mapstructure:"market"`
	Engine EngineConfig `mapstructure:"engine"`
	Orders OrdersConfig `mapstructure:"orders"`
	Bots   BotsConfig   `mapstructure:"bots"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// SymbolConfig holds the price process parameters for one symbol.
type SymbolConfig struct {
	Symbol       string  `mapstructure:"symbol"`
	InitialPrice float64 `mapstructure:"initial_price"`
	Drift        float64 `mapstructure:"drift"`
	Volatility   float64 `mapstructure:"volatility"`
	MinPrice     float64 `mapstructure:"min_price"`
	MaxPrice     float64 `mapstructure:"max_price"`
}

// MarketConfig holds market data generation configuration.
type MarketConfig struct {
	TickInterval  time.Duration  `mapstructure:"tick_interval"`
	SpreadPercent float64        `mapstructure:"spread_percent"`
	StaleAfter    time.Duration  `mapstructure:"stale_after"`
	Symbols       []SymbolConfig `mapstructure:"symbols"`
}

// EngineConfig holds execution engine configuration.
type EngineConfig struct {
	MaxSlippagePercent float64 `mapstructure:"max_slippage_percent"`
	VolatilityFactor   float64 `mapstructure:"volatility_factor"`
	CommissionRate     float64 `mapstructure:"commission_rate"`
	MaxLeverage        float64 `mapstructure:"max_leverage"`
}

// OrdersConfig holds derived-order supervision configuration.
type OrdersConfig struct {
	SliceDelay      time.Duration `mapstructure:"slice_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// BotsConfig holds trading bot defaults.
type BotsConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	IndicatorWindow     int           `mapstructure:"indicator_window"`
	OversoldThreshold   float64       `mapstructure:"oversold_threshold"`
	OverboughtThreshold float64       `mapstructure:"overbought_threshold"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite", "memory"
	Path   string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
	Path    string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradesim"
	}
	return filepath.Join(home, ".config", "tradesim")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Market: MarketConfig{
			TickInterval:  time.Second,
			SpreadPercent: 0.05,
			StaleAfter:    10 * time.Second,
			Symbols: []SymbolConfig{
				{Symbol: "BTC", InitialPrice: 45000, Drift: 0.0001, Volatility: 0.02, MinPrice: 1000, MaxPrice: 500000},
				{Symbol: "ETH", InitialPrice: 2500, Drift: 0.0001, Volatility: 0.025, MinPrice: 100, MaxPrice: 50000},
			},
		},
		Engine: EngineConfig{
			MaxSlippagePercent: 0.01,
			VolatilityFactor:   1.0,
			CommissionRate:     0.001,
			MaxLeverage:        100,
		},
		Orders: OrdersConfig{
			SliceDelay:      2 * time.Second,
			MonitorInterval: time.Second,
		},
		Bots: BotsConfig{
			Interval:            30 * time.Second,
			IndicatorWindow:     14,
			OversoldThreshold:   30,
			OverboughtThreshold: 70,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DefaultConfigDir(), "tradesim.db"),
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
			File:    true,
			Path:    filepath.Join(DefaultConfigDir(), "logs", "tradesim.log"),
		},
	}
}

// Load loads configuration from the specified directory, falling back to
// defaults for anything unset. If configDir is empty, the default config
// directory is used. A missing config file is not an error.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		return cfg, cfg.Validate()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Market.TickInterval <= 0 {
		return fmt.Errorf("market.tick_interval must be positive")
	}
	if c.Market.StaleAfter <= 0 {
		return fmt.Errorf("market.stale_after must be positive")
	}
	if c.Market.SpreadPercent < 0 {
		return fmt.Errorf("market.spread_percent must not be negative")
	}
	for _, s := range c.Market.Symbols {
		if err := validateSymbol(s); err != nil {
			return err
		}
	}
	if c.Engine.MaxSlippagePercent < 0 {
		return fmt.Errorf("engine.max_slippage_percent must not be negative")
	}
	if c.Engine.CommissionRate < 0 {
		return fmt.Errorf("engine.commission_rate must not be negative")
	}
	if c.Engine.MaxLeverage < 1 {
		return fmt.Errorf("engine.max_leverage must be at least 1")
	}
	if c.Orders.SliceDelay <= 0 {
		return fmt.Errorf("orders.slice_delay must be positive")
	}
	if c.Bots.Interval <= 0 {
		return fmt.Errorf("bots.interval must be positive")
	}
	return nil
}

func validateSymbol(s SymbolConfig) error {
	if s.Symbol == "" {
		return fmt.Errorf("market symbol name must not be empty")
	}
	if s.InitialPrice <= 0 {
		return fmt.Errorf("symbol %s: initial_price must be positive", s.Symbol)
	}
	if !isFinite(s.Drift) {
		return fmt.Errorf("symbol %s: drift must be finite", s.Symbol)
	}
	if !isFinite(s.Volatility) || s.Volatility < 0 {
		return fmt.Errorf("symbol %s: volatility must be finite and non-negative", s.Symbol)
	}
	if s.MinPrice <= 0 || s.MaxPrice <= s.MinPrice {
		return fmt.Errorf("symbol %s: price band [%.2f, %.2f] is invalid", s.Symbol, s.MinPrice, s.MaxPrice)
	}
	if s.InitialPrice < s.MinPrice || s.InitialPrice > s.MaxPrice {
		return fmt.Errorf("symbol %s: initial_price outside price band", s.Symbol)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
