// Package guard rejects out-of-range slippage, position and risk inputs
// before they reach the simulator or the position ledger. Values are never
// clamped: a bad input is an error the caller must act on.
package guard

import (
	"fmt"
	"math"
	"strings"

	"github.com/rustyeddy/walkforward/strategy"
)

// Tier is a liquidity class with its own slippage bounds.
type Tier string

const (
	TierHigh  Tier = "high"
	TierLow   Tier = "low"
	TierMicro Tier = "micro"
)

// Bounds is an inclusive range in percent.
type Bounds struct {
	Min float64
	Max float64
}

func (b Bounds) contains(v float64) bool { return v >= b.Min && v <= b.Max }

// SlippageBounds are the accepted slippage percentages per tier.
var SlippageBounds = map[Tier]Bounds{
	TierHigh:  {Min: 0.05, Max: 0.5},
	TierLow:   {Min: 0.5, Max: 5},
	TierMicro: {Min: 2, Max: 10},
}

// Magnitude limits beyond which an input is treated as absurd.
const (
	MaxEntryPrice = 1e7
	MaxQuantity   = 1e12
	MaxCapital    = 1e13

	MaxStopLossPct   = 50.0
	MaxTakeProfitPct = 500.0

	// DefaultExitBandPct is how far a manual exit may sit from the latest close.
	DefaultExitBandPct = 20.0
)

// capSlack absorbs float rounding when a quantity was sized exactly to the cap.
const capSlack = 1e-9

// ParseTier maps a document value to a Tier. Empty means high.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TierHigh, nil
	}
	if _, ok := SlippageBounds[t]; !ok {
		return "", &Error{Field: "liquidity_tier", Message: fmt.Sprintf("unknown tier %q", s), Code: CodeUnknownTier}
	}
	return t, nil
}

// ValidateSlippage enforces the tier's slippage range.
func ValidateSlippage(pct float64, tier Tier) error {
	if bad := finite("slippage_pct", pct); bad != nil {
		return bad
	}
	b, ok := SlippageBounds[tier]
	if !ok {
		return &Error{Field: "liquidity_tier", Message: fmt.Sprintf("unknown tier %q", tier), Code: CodeUnknownTier}
	}
	if !b.contains(pct) {
		return &Error{
			Field:   "slippage_pct",
			Message: fmt.Sprintf("%g%% outside %s-liquidity range [%g%%, %g%%]", pct, tier, b.Min, b.Max),
			Code:    CodeSlippageRange,
		}
	}
	return nil
}

// ValidatePosition rejects non-positive or absurd magnitudes and enforces
// entry×quantity ≤ capital×maxPositionPct/100.
func ValidatePosition(entry, qty, capital, maxPositionPct float64) error {
	var es Errors
	for _, f := range []struct {
		name  string
		v     float64
		limit float64
	}{
		{"entry_price", entry, MaxEntryPrice},
		{"quantity", qty, MaxQuantity},
		{"capital", capital, MaxCapital},
	} {
		if bad := finite(f.name, f.v); bad != nil {
			es = append(es, bad)
			continue
		}
		if f.v <= 0 {
			es = append(es, &Error{Field: f.name, Message: fmt.Sprintf("must be positive, got %g", f.v), Code: CodeNonPositive})
			continue
		}
		if f.v > f.limit {
			es = append(es, &Error{Field: f.name, Message: fmt.Sprintf("%g exceeds limit %g", f.v, f.limit), Code: CodeTooLarge})
		}
	}
	if err := validateMaxPosition(maxPositionPct); err != nil {
		es = append(es, err)
	}
	if len(es) > 0 {
		return es.err()
	}

	notional := entry * qty
	limit := capital * maxPositionPct / 100
	if notional > limit*(1+capSlack) {
		return &Error{
			Field:   "quantity",
			Message: fmt.Sprintf("notional %.2f exceeds %g%% of capital (%.2f)", notional, maxPositionPct, limit),
			Code:    CodePositionCap,
		}
	}
	return nil
}

// ValidateExitPrice rejects a non-positive, non-finite or absurd exit
// price. When reference and bandPct are positive the price must also lie
// within bandPct percent of reference, the latest market close.
func ValidateExitPrice(price, reference, bandPct float64) error {
	if bad := finite("exit_price", price); bad != nil {
		return bad
	}
	if price <= 0 {
		return &Error{Field: "exit_price", Message: fmt.Sprintf("must be positive, got %g", price), Code: CodeNonPositive}
	}
	if price > MaxEntryPrice {
		return &Error{Field: "exit_price", Message: fmt.Sprintf("%g exceeds limit %g", price, MaxEntryPrice), Code: CodeTooLarge}
	}
	if reference <= 0 || bandPct <= 0 {
		return nil
	}
	if dev := math.Abs(price-reference) / reference * 100; dev > bandPct {
		return &Error{
			Field:   "exit_price",
			Message: fmt.Sprintf("%g is %.2f%% from the latest close %g, band is %g%%", price, dev, reference, bandPct),
			Code:    CodeExitPriceBand,
		}
	}
	return nil
}

func validateMaxPosition(pct float64) *Error {
	if bad := finite("max_position_pct", pct); bad != nil {
		return bad
	}
	if pct <= 0 || pct > 100 {
		return &Error{Field: "max_position_pct", Message: fmt.Sprintf("%g%% outside (0%%, 100%%]", pct), Code: CodeMaxPositionRange}
	}
	return nil
}

// ValidateRiskParameters bounds stop-loss and take-profit independently and
// requires take-profit to exceed stop-loss.
func ValidateRiskParameters(stopLossPct, takeProfitPct float64) error {
	var es Errors
	slOK, tpOK := false, false

	if bad := finite("stop_loss_pct", stopLossPct); bad != nil {
		es = append(es, bad)
	} else if stopLossPct <= 0 || stopLossPct > MaxStopLossPct {
		es = append(es, &Error{Field: "stop_loss_pct", Message: fmt.Sprintf("%g%% outside (0%%, %g%%]", stopLossPct, MaxStopLossPct), Code: CodeStopLossRange})
	} else {
		slOK = true
	}

	if bad := finite("take_profit_pct", takeProfitPct); bad != nil {
		es = append(es, bad)
	} else if takeProfitPct <= 0 || takeProfitPct > MaxTakeProfitPct {
		es = append(es, &Error{Field: "take_profit_pct", Message: fmt.Sprintf("%g%% outside (0%%, %g%%]", takeProfitPct, MaxTakeProfitPct), Code: CodeTakeProfitRange})
	} else {
		tpOK = true
	}

	if slOK && tpOK && takeProfitPct <= stopLossPct {
		es = append(es, &Error{
			Field:   "take_profit_pct",
			Message: fmt.Sprintf("%g%% must be greater than stop_loss_pct %g%%", takeProfitPct, stopLossPct),
			Code:    CodeRewardBelowRisk,
		})
	}
	return es.err()
}

// ValidateRisk checks a strategy's whole risk block.
func ValidateRisk(r strategy.RiskParams) error {
	var es Errors
	collect := func(err error) {
		switch v := err.(type) {
		case nil:
		case *Error:
			es = append(es, v)
		case Errors:
			es = append(es, v...)
		}
	}

	collect(ValidateRiskParameters(r.StopLossPct, r.TakeProfitPct))
	tier, err := ParseTier(r.LiquidityTier)
	if err != nil {
		collect(err)
	} else {
		collect(ValidateSlippage(r.SlippagePct, tier))
	}
	if err := validateMaxPosition(r.MaxPositionPct); err != nil {
		es = append(es, err)
	}
	return es.err()
}

// ValidateStrategy re-validates an untrusted strategy document: tree
// structure plus every risk bound.
func ValidateStrategy(cfg *strategy.Config) error {
	if cfg == nil {
		return &Error{Field: "strategy", Message: "missing", Code: CodeInvalidConditions}
	}
	var es Errors
	if err := cfg.Validate(); err != nil {
		es = append(es, &Error{Field: "conditions", Message: err.Error(), Code: CodeInvalidConditions})
	}
	if err := ValidateRisk(cfg.Risk); err != nil {
		switch v := err.(type) {
		case *Error:
			es = append(es, v)
		case Errors:
			es = append(es, v...)
		}
	}
	return es.err()
}

func finite(field string, v float64) *Error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &Error{Field: field, Message: "must be a finite number", Code: CodeNotFinite}
	}
	return nil
}
