package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/walkforward/market"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// FillPrice moves price against the trader by slippagePct percent. An
// opening long or closing short pays more; an opening short or closing
// long receives less.
func FillPrice(price, slippagePct float64, dir market.Direction, opening bool) float64 {
	slip := decimal.NewFromFloat(slippagePct).Div(hundred)
	up := (dir == market.Long) == opening
	factor := one.Sub(slip)
	if up {
		factor = one.Add(slip)
	}
	return decimal.NewFromFloat(price).Mul(factor).InexactFloat64()
}

// Brackets derives stop-loss and take-profit prices from an entry fill.
// Long: stop below, target above. Short: the inverse.
func Brackets(entry, stopLossPct, takeProfitPct float64, dir market.Direction) (stop, take float64) {
	e := decimal.NewFromFloat(entry)
	sl := decimal.NewFromFloat(stopLossPct).Div(hundred)
	tp := decimal.NewFromFloat(takeProfitPct).Div(hundred)
	if dir == market.Short {
		return e.Mul(one.Add(sl)).InexactFloat64(), e.Mul(one.Sub(tp)).InexactFloat64()
	}
	return e.Mul(one.Sub(sl)).InexactFloat64(), e.Mul(one.Add(tp)).InexactFloat64()
}

// Commission is rate times notional.
func Commission(price, qty, rate float64) float64 {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(rate)).
		InexactFloat64()
}
