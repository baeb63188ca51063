// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"statemax-go/internal/exchange"
	"statemax-go/internal/kline"
	"statemax-go/internal/risk"
	"statemax-go/internal/strategy"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	Console     bool   `yaml:"console"`
}

// Exchange selects the venue and the single market the rebalancer trades.
type Exchange struct {
	// Name is "binance" or "paper".
	Name      string `yaml:"name"`
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
	BaseURL   string `yaml:"base_url"`
	Stream    Stream `yaml:"stream"`
}

// Stream configures the optional kline websocket that keeps the open bar current.
type Stream struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
}

// Cache bounds the kline cache.
type Cache struct {
	MaxLength int  `yaml:"max_length"`
	PageLimit int  `yaml:"page_limit"`
	Fill      bool `yaml:"fill"`
}

// Schedule is the cron expression ticks run on.
type Schedule struct {
	Cron       string        `yaml:"cron"`
	StartDelay time.Duration `yaml:"start_delay"`
}

// Execution tunes order placement.
type Execution struct {
	Live        bool          `yaml:"live"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	FillTimeout time.Duration `yaml:"fill_timeout"`
	Risk        risk.Limits   `yaml:"risk"`
}

// Store picks the persistence backend: memory, file (JSON lines) or sqlite.
type Store struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Paper configures the simulated venue used for dry runs and backtests.
type Paper struct {
	Balances        map[string]float64 `yaml:"balances"`
	FillsPath       string             `yaml:"fills_path"`
	AmountPrecision float64            `yaml:"amount_precision"`
	PricePrecision  float64            `yaml:"price_precision"`
	MinAmount       float64            `yaml:"min_amount"`
	Taker           float64            `yaml:"taker"`
	Maker           float64            `yaml:"maker"`
}

// Backtest replays a CSV of bars through the paper venue.
type Backtest struct {
	CSV   string    `yaml:"csv"`
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App             `yaml:"app"`
	Exchange  Exchange        `yaml:"exchange"`
	Cache     Cache           `yaml:"cache"`
	Schedule  Schedule        `yaml:"schedule"`
	Execution Execution       `yaml:"execution"`
	Signal    strategy.Config `yaml:"signal"`
	Store     Store           `yaml:"store"`
	Paper     Paper           `yaml:"paper"`
	Backtest  Backtest        `yaml:"backtest"`
}

// Load reads a YAML file from disk, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "statemax"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "paper"
	}
	if c.Exchange.Timeframe == "" {
		c.Exchange.Timeframe = "1d"
	}
	if c.Exchange.Stream.Provider == "" {
		c.Exchange.Stream.Provider = exchange.ProviderBinance
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 0 0 * * *"
	}
	if c.Execution.RetryDelay <= 0 {
		c.Execution.RetryDelay = time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Signal.Mode == "" {
		c.Signal.Mode = strategy.ModeStateMaxGC
	}
	if c.Signal.Search.TradeFreq <= 0 {
		if tf, err := kline.ParseTimeframe(c.Exchange.Timeframe); err == nil {
			c.Signal.Search.TradeFreq = tf.Duration()
		}
	}
}

// Validate checks every section that can be checked without building components.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch c.Exchange.Name {
	case "binance", "paper":
	default:
		return fail("unknown exchange %q", c.Exchange.Name)
	}
	if _, _, err := exchange.SplitSymbol(c.Exchange.Symbol); err != nil {
		return fail("exchange.symbol: %v", err)
	}
	if _, err := kline.ParseTimeframe(c.Exchange.Timeframe); err != nil {
		return fail("exchange.timeframe: %v", err)
	}
	if c.Cache.MaxLength < 0 || c.Cache.PageLimit < 0 {
		return fail("cache limits must not be negative")
	}
	if err := c.validateSignal(); err != nil {
		return fail("%v", err)
	}
	if strings.TrimSpace(c.Schedule.Cron) == "" {
		return fail("schedule.cron is required")
	}
	if c.Execution.FillTimeout < 0 {
		return fail("execution.fill_timeout must not be negative")
	}
	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fail("store.path is required for driver %s", c.Store.Driver)
		}
	default:
		return fail("unknown store driver %q", c.Store.Driver)
	}
	for code, v := range c.Paper.Balances {
		if v < 0 {
			return fail("paper balance %s is negative", code)
		}
	}
	if !c.Backtest.Start.IsZero() && !c.Backtest.End.IsZero() && !c.Backtest.End.After(c.Backtest.Start) {
		return fail("backtest.end must be after backtest.start")
	}
	return nil
}

// validateSignal builds the configured signal without state so a malformed search space, or one
// needing more bars than the cache can hold, fails at load instead of on every tick.
func (c *Config) validateSignal() error {
	sig, err := strategy.Build(c.Signal, nil, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	maxLen := c.Cache.MaxLength
	if maxLen == 0 {
		maxLen = kline.DefaultMaxLength
	}
	if n := sig.Length(); n > maxLen {
		return fmt.Errorf("signal %s reads %d bars per tick, cache.max_length is %d", sig.Name(), n, maxLen)
	}
	if sm, ok := sig.(*strategy.StateMaximization); ok {
		if sc := sm.Search().Config(); sc.Optimize && sc.OptRange > maxLen {
			return fmt.Errorf("signal.search.opt_range %d exceeds cache.max_length %d", sc.OptRange, maxLen)
		}
	}
	return nil
}

// PaperMarket describes the configured symbol on the simulated venue.
func (c *Config) PaperMarket() (exchange.Market, error) {
	base, quote, err := exchange.SplitSymbol(c.Exchange.Symbol)
	if err != nil {
		return exchange.Market{}, err
	}
	return exchange.Market{
		Symbol:          c.Exchange.Symbol,
		ID:              base + quote,
		Base:            base,
		Quote:           quote,
		AmountPrecision: c.Paper.AmountPrecision,
		PricePrecision:  c.Paper.PricePrecision,
		MinAmount:       c.Paper.MinAmount,
		Taker:           c.Paper.Taker,
		Maker:           c.Paper.Maker,
	}, nil
}
