// Package indicators derives indicator columns for bar series that arrive
// without them. Strategies only ever read the columns; nothing here runs
// during evaluation.
package indicators

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rustyeddy/walkforward/market"
)

// Indicator computes a single streaming value from bars.
// It is deterministic and safe to use in live and historical runs.
type Indicator interface {
	// Column returns the indicator column name, like "ema_20" or "rsi_14".
	Column() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next closed bar.
	Update(b market.Bar)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, or 0 before Ready.
	Value() float64
}

// Parse builds an indicator from a "name:period" spec such as "ema:20".
func Parse(spec string) (Indicator, error) {
	name, p, ok := strings.Cut(strings.ToLower(strings.TrimSpace(spec)), ":")
	if !ok {
		return nil, fmt.Errorf("indicator %q: want name:period", spec)
	}
	period, err := strconv.Atoi(p)
	if err != nil || period <= 0 {
		return nil, fmt.Errorf("indicator %q: period must be a positive integer", spec)
	}
	switch name {
	case "sma", "ma":
		return NewMA(period), nil
	case "ema":
		return NewEMA(period), nil
	case "atr":
		return NewATR(period), nil
	case "rsi":
		return NewRSI(period), nil
	}
	return nil, fmt.Errorf("indicator %q: unknown name %q", spec, name)
}

// ParseAll parses a list of specs.
func ParseAll(specs []string) ([]Indicator, error) {
	out := make([]Indicator, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		ind, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, nil
}

// Derive streams every bar of s through inds and writes each ready value
// into that bar's indicator row. Bars still warming up get no entry, so a
// leaf reading the column there is false. Existing columns are kept.
func Derive(s *market.Series, inds ...Indicator) {
	if len(inds) == 0 {
		return
	}
	for len(s.Indicators) < len(s.Bars) {
		s.Indicators = append(s.Indicators, market.Indicators{})
	}
	for _, ind := range inds {
		ind.Reset()
	}
	for i, b := range s.Bars {
		row := s.Indicators[i]
		if row == nil {
			row = market.Indicators{}
			s.Indicators[i] = row
		}
		for _, ind := range inds {
			ind.Update(b)
			if ind.Ready() {
				row[ind.Column()] = ind.Value()
			}
		}
	}
}
