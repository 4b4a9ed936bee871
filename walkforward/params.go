package walkforward

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/walkforward/strategy"
)

// ParamApplier derives the strategy variant for one candidate value. It
// must not modify base.
type ParamApplier func(base *strategy.Config, value float64) *strategy.Config

// ATRMultiplier scales the stop distance by value and the target by the
// same factor, so the reward-to-risk multiple is unchanged.
func ATRMultiplier(base *strategy.Config, value float64) *strategy.Config {
	out := base.Clone()
	out.Risk.StopLossPct = base.Risk.StopLossPct * value
	out.Risk.TakeProfitPct = base.Risk.TakeProfitPct * value
	return out
}

// Grid returns from, from+step, ... up to and including to. Values are
// stepped in decimal so 0.1 increments do not drift.
func Grid(from, to, step float64) ([]float64, error) {
	if step <= 0 {
		return nil, fmt.Errorf("grid step must be positive, got %g", step)
	}
	if to < from {
		return nil, fmt.Errorf("grid end %g before start %g", to, from)
	}
	d := decimal.NewFromFloat(from)
	end := decimal.NewFromFloat(to)
	inc := decimal.NewFromFloat(step)
	var out []float64
	for ; d.LessThanOrEqual(end); d = d.Add(inc) {
		out = append(out, d.InexactFloat64())
	}
	return out, nil
}

// normalizeCandidates sorts ascending and drops duplicates.
func normalizeCandidates(in []float64) []float64 {
	out := append([]float64(nil), in...)
	sort.Float64s(out)
	k := 0
	for i, v := range out {
		if i == 0 || v != out[k-1] {
			out[k] = v
			k++
		}
	}
	return out[:k]
}
