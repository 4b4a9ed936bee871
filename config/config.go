// Package config loads the engine configuration from YAML or JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/indicators"
	"github.com/rustyeddy/walkforward/internal/logging"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/paper"
	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/walkforward"
)

// Config represents the complete engine configuration
type Config struct {
	Account     AccountConfig     `json:"account" yaml:"account"`
	Simulation  SimulationConfig  `json:"simulation" yaml:"simulation"`
	WalkForward WalkForwardConfig `json:"walkforward" yaml:"walkforward"`
	Live        LiveConfig        `json:"live" yaml:"live"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Capital  float64 `json:"capital" yaml:"capital"`
}

// SimulationConfig contains the cost model shared by backtests and paper
// trading.
type SimulationConfig struct {
	CommissionRate float64 `json:"commission_rate" yaml:"commission_rate"` // fraction of notional per leg
	Direction      string  `json:"direction" yaml:"direction"`             // "long" or "short"
	PeriodsPerYear float64 `json:"periods_per_year,omitempty" yaml:"periods_per_year,omitempty"`
	// Derive lists indicator columns computed from raw bars on load, as
	// "name:period" specs such as "ema:20" or "atr:14".
	Derive []string `json:"derive,omitempty" yaml:"derive,omitempty"`
}

type GridConfig struct {
	From float64 `json:"from" yaml:"from"`
	To   float64 `json:"to" yaml:"to"`
	Step float64 `json:"step" yaml:"step"`
}

// WalkForwardConfig sizes the rolling windows and the candidate grid.
type WalkForwardConfig struct {
	Train            int        `json:"train" yaml:"train"`
	Test             int        `json:"test" yaml:"test"`
	Step             int        `json:"step" yaml:"step"`
	MinBars          int        `json:"min_bars" yaml:"min_bars"`
	Objective        string     `json:"objective" yaml:"objective"`
	MaxDivergencePct float64    `json:"max_divergence_pct" yaml:"max_divergence_pct"`
	Decay            float64    `json:"decay" yaml:"decay"`
	Workers          int        `json:"workers,omitempty" yaml:"workers,omitempty"`
	CacheTTL         string     `json:"cache_ttl" yaml:"cache_ttl"` // e.g. "24h"
	Grid             GridConfig `json:"grid" yaml:"grid"`
}

// LiveConfig tunes paper trading cycles. Durations use time.ParseDuration
// syntax.
type LiveConfig struct {
	Timeframe       string  `json:"timeframe" yaml:"timeframe"`
	Interval        string  `json:"interval" yaml:"interval"`
	Lookback        int     `json:"lookback" yaml:"lookback"`
	Budget          string  `json:"budget" yaml:"budget"`
	FetchTimeout    string  `json:"fetch_timeout" yaml:"fetch_timeout"`
	BreakerFailures uint32  `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown string  `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	RatePerSec      float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst           int     `json:"burst" yaml:"burst"`
	FeedURL         string  `json:"feed_url,omitempty" yaml:"feed_url,omitempty"` // websocket bar feed; empty reads DataDir
	// RESTURL polls a v3 candles API instead. The bearer token comes from
	// the WFENGINE_FEED_TOKEN environment variable.
	RESTURL string `json:"rest_url,omitempty" yaml:"rest_url,omitempty"`
	// ExitBandPct bounds a manual close price around the latest close;
	// zero disables the band but not the magnitude checks.
	ExitBandPct float64 `json:"exit_band_pct" yaml:"exit_band_pct"`
}

// StorageConfig locates every store. Empty Postgres, Redis and Kafka
// settings fall back to SQLite and in-memory implementations.
type StorageConfig struct {
	ResultsDB    string   `json:"results_db" yaml:"results_db"`
	LedgerDB     string   `json:"ledger_db" yaml:"ledger_db"`
	PostgresDSN  string   `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	QueryTimeout string   `json:"query_timeout" yaml:"query_timeout"`
	RedisAddr    string   `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	KafkaBrokers []string `json:"kafka_brokers,omitempty" yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `json:"kafka_topic,omitempty" yaml:"kafka_topic,omitempty"`
	DataDir      string   `json:"data_dir" yaml:"data_dir"`
	StrategyDir  string   `json:"strategy_dir" yaml:"strategy_dir"`
}

type ServerConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Timeout string `json:"timeout" yaml:"timeout"`
	Poll    string `json:"poll" yaml:"poll"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// LoadFromFile loads configuration from a file (JSON or YAML)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over Default, so a document only needs the fields it
// changes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Capital <= 0 {
		return fmt.Errorf("account.capital must be positive")
	}
	if c.Simulation.CommissionRate < 0 || c.Simulation.CommissionRate >= 0.1 {
		return fmt.Errorf("simulation.commission_rate must be in [0, 0.1)")
	}
	if _, err := market.ParseDirection(c.Simulation.Direction); err != nil {
		return fmt.Errorf("simulation.direction: %w", err)
	}
	if _, err := indicators.ParseAll(c.Simulation.Derive); err != nil {
		return fmt.Errorf("simulation.derive: %w", err)
	}

	wf := c.WalkForward
	if err := (walkforward.WindowConfig{Train: wf.Train, Test: wf.Test, Step: wf.Step}).Validate(); err != nil {
		return fmt.Errorf("walkforward: %w", err)
	}
	if wf.MinBars < 0 || wf.MinBars > wf.Train {
		return fmt.Errorf("walkforward.min_bars must be between 0 and train")
	}
	if _, err := perf.ParseObjective(wf.Objective); err != nil {
		return fmt.Errorf("walkforward.objective: %w", err)
	}
	if wf.MaxDivergencePct < 0 {
		return fmt.Errorf("walkforward.max_divergence_pct must not be negative")
	}
	if wf.Decay < 0 || wf.Decay > 1 {
		return fmt.Errorf("walkforward.decay must be between 0 and 1")
	}
	if _, err := walkforward.Grid(wf.Grid.From, wf.Grid.To, wf.Grid.Step); err != nil {
		return fmt.Errorf("walkforward.grid: %w", err)
	}

	durations := map[string]string{
		"walkforward.cache_ttl": wf.CacheTTL,
		"live.interval":         c.Live.Interval,
		"live.budget":           c.Live.Budget,
		"live.fetch_timeout":    c.Live.FetchTimeout,
		"live.breaker_cooldown": c.Live.BreakerCooldown,
		"storage.query_timeout": c.Storage.QueryTimeout,
		"server.timeout":        c.Server.Timeout,
		"server.poll":           c.Server.Poll,
	}
	for field, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.Live.Lookback != 0 && c.Live.Lookback < 3 {
		return fmt.Errorf("live.lookback must be at least 3")
	}
	if c.Live.RatePerSec < 0 || c.Live.Burst < 0 {
		return fmt.Errorf("live rate limits must not be negative")
	}
	if !(c.Live.ExitBandPct >= 0) {
		return fmt.Errorf("live.exit_band_pct must not be negative")
	}
	if c.Live.FeedURL != "" && c.Live.RESTURL != "" {
		return fmt.Errorf("live.feed_url and live.rest_url are exclusive")
	}
	if len(c.Storage.KafkaBrokers) > 0 && c.Storage.KafkaTopic == "" {
		return fmt.Errorf("storage.kafka_topic required with kafka_brokers")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// mustDuration is for values Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// Backtest returns the simulator options.
func (c *Config) Backtest() backtest.Options {
	dir, _ := market.ParseDirection(c.Simulation.Direction)
	opts := backtest.Options{
		Capital:        c.Account.Capital,
		CommissionRate: c.Simulation.CommissionRate,
		Direction:      dir,
		Perf:           perf.DefaultOptions(),
	}
	if c.Simulation.PeriodsPerYear > 0 {
		opts.Perf.PeriodsPerYear = c.Simulation.PeriodsPerYear
	}
	return opts
}

// Optimizer returns the walk-forward configuration.
func (c *Config) Optimizer() walkforward.Config {
	wf := c.WalkForward
	obj, _ := perf.ParseObjective(wf.Objective)
	return walkforward.Config{
		Window:           walkforward.WindowConfig{Train: wf.Train, Test: wf.Test, Step: wf.Step},
		MinBars:          wf.MinBars,
		Objective:        obj,
		MaxDivergencePct: wf.MaxDivergencePct,
		Decay:            wf.Decay,
		Workers:          wf.Workers,
		CacheTTL:         mustDuration(wf.CacheTTL),
		Sim:              c.Backtest(),
	}
}

// Candidates expands the grid.
func (c *Config) Candidates() []float64 {
	g := c.WalkForward.Grid
	vals, _ := walkforward.Grid(g.From, g.To, g.Step)
	return vals
}

// Paper returns the paper trader configuration. Zero values are filled by
// paper.New.
func (c *Config) Paper() paper.Config {
	dir, _ := market.ParseDirection(c.Simulation.Direction)
	return paper.Config{
		Timeframe:       c.Live.Timeframe,
		Lookback:        c.Live.Lookback,
		Capital:         c.Account.Capital,
		Direction:       dir,
		FetchTimeout:    mustDuration(c.Live.FetchTimeout),
		BreakerFailures: c.Live.BreakerFailures,
		BreakerCooldown: mustDuration(c.Live.BreakerCooldown),
		RatePerSec:      c.Live.RatePerSec,
		Burst:           c.Live.Burst,
	}
}

func (c *Config) Interval() time.Duration { return mustDuration(c.Live.Interval) }

// Budget is the live evaluation budget, condition.DefaultBudget when unset.
func (c *Config) Budget() time.Duration {
	if d := mustDuration(c.Live.Budget); d > 0 {
		return d
	}
	return condition.DefaultBudget
}

func (c *Config) QueryTimeout() time.Duration { return mustDuration(c.Storage.QueryTimeout) }

func (c *Config) ServerTimeout() time.Duration { return mustDuration(c.Server.Timeout) }

func (c *Config) Poll() time.Duration { return mustDuration(c.Server.Poll) }

// Default returns a configuration with sensible defaults
func Default() *Config {
	w := walkforward.DefaultWindowConfig()
	return &Config{
		Account: AccountConfig{
			ID:       "PAPER-001",
			Currency: "USD",
			Capital:  backtest.DefaultCapital,
		},
		Simulation: SimulationConfig{
			CommissionRate: 0.001,
			Direction:      "long",
		},
		WalkForward: WalkForwardConfig{
			Train:            w.Train,
			Test:             w.Test,
			Step:             w.Step,
			MinBars:          walkforward.DefaultMinBars,
			Objective:        string(perf.Sharpe),
			MaxDivergencePct: walkforward.DefaultMaxDivergencePct,
			Decay:            walkforward.DefaultDecay,
			CacheTTL:         "24h",
			Grid:             GridConfig{From: 1, To: 5, Step: 0.5},
		},
		Live: LiveConfig{
			Timeframe:       "1h",
			Interval:        "1m",
			Lookback:        100,
			Budget:          "100ms",
			FetchTimeout:    "5s",
			BreakerFailures: 3,
			BreakerCooldown: "60s",
			RatePerSec:      5,
			Burst:           10,
			ExitBandPct:     guard.DefaultExitBandPct,
		},
		Storage: StorageConfig{
			ResultsDB:    "./results.db",
			LedgerDB:     "./ledger.db",
			QueryTimeout: "5s",
			KafkaTopic:   "walkforward.windows",
			DataDir:      "./data",
			StrategyDir:  "./strategies",
		},
		Server: ServerConfig{
			Addr:    ":8080",
			Timeout: "10s",
			Poll:    "2s",
		},
		Log: LogConfig{Level: "info"},
	}
}
