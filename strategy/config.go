// Package strategy holds the strategy definition document: entry and exit
// condition trees plus risk parameters.
package strategy

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RiskParams are percentages in percent units: 2 means 2%.
type RiskParams struct {
	StopLossPct    float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct  float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	SlippagePct    float64 `json:"slippage_pct" yaml:"slippage_pct"`
	MaxPositionPct float64 `json:"max_position_pct" yaml:"max_position_pct"`
	LiquidityTier  string  `json:"liquidity_tier,omitempty" yaml:"liquidity_tier,omitempty"`
}

// Config is a strategy definition. Treat a Config referenced by a job as
// immutable; use Clone to derive variants.
type Config struct {
	ID    string     `json:"id" yaml:"id"`
	Name  string     `json:"name,omitempty" yaml:"name,omitempty"`
	Entry *Node      `json:"entry_conditions" yaml:"entry_conditions"`
	Exit  *Node      `json:"exit_conditions,omitempty" yaml:"exit_conditions,omitempty"`
	Risk  RiskParams `json:"risk" yaml:"risk"`
}

// Decode parses a strategy document. YAML is tried first, then JSON.
// The result is structurally validated; numeric risk bounds are the
// guard package's job.
func Decode(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = &Config{}
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse strategy (tried YAML and JSON): %w", jerr)
		}
	}
	cfg.Entry.normalize()
	cfg.Exit.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and decodes a strategy document from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy: %w", err)
	}
	cfg, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks identity and tree structure.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if c.Entry == nil {
		return fmt.Errorf("strategy %s: entry_conditions are required", c.ID)
	}
	if err := c.Entry.Validate(); err != nil {
		return fmt.Errorf("strategy %s: entry_conditions: %w", c.ID, err)
	}
	if c.Exit != nil {
		if err := c.Exit.Validate(); err != nil {
			return fmt.Errorf("strategy %s: exit_conditions: %w", c.ID, err)
		}
	}
	return nil
}

// Clone deep-copies the config.
func (c *Config) Clone() *Config {
	out := *c
	out.Entry = c.Entry.Clone()
	out.Exit = c.Exit.Clone()
	return &out
}

// Indicators lists every indicator either tree reads.
func (c *Config) Indicators() []string {
	both := &Node{Kind: KindBranch, Children: []*Node{c.Entry, c.Exit}}
	return both.Indicators()
}
