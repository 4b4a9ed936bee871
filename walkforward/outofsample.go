package walkforward

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/strategy"
)

// OutOfSample stitches res into one backtest result built from test ranges
// only. Each selected window replays [TestStart, TestEnd) with its own
// selected value, starting from the equity the previous window ended on, so
// no trade in the result was chosen with bars it could see during training.
// Windows without a selection, or whose test range cannot be simulated, are
// left out.
func (o *Optimizer) OutOfSample(series *market.Series, base *strategy.Config, res *Result) (*backtest.Result, error) {
	cfg := o.Config.withDefaults()
	apply := o.Apply
	if apply == nil {
		apply = ATRMultiplier
	}

	sim := cfg.Sim
	if sim.Capital == 0 {
		sim.Capital = backtest.DefaultCapital
	}
	out := &backtest.Result{
		StrategyID: base.ID,
		Symbol:     series.Symbol,
		Timeframe:  series.Timeframe,
		Capital:    sim.Capital,
		Final:      sim.Capital,
		Windows:    res.Telemetry(),
	}

	for _, w := range res.Windows {
		if w.Selected == nil || w.LowData {
			continue
		}
		test := series.Slice(w.Window.TestStart, w.Window.TestEnd)
		bt, err := backtest.Simulate(test, apply(base, w.Selected.Value), sim)
		if err != nil {
			log.Warn().
				Err(err).
				Str("strategy", base.ID).
				Str("symbol", series.Symbol).
				Int("window", w.Window.ID).
				Msg("test range left out of result")
			continue
		}
		if len(out.Equity) == 0 {
			out.Start = bt.Start
		}
		out.End = bt.End
		out.Trades = append(out.Trades, bt.Trades...)
		out.Equity = append(out.Equity, bt.Equity...)
		out.Skipped += bt.Skipped
		out.Final = bt.Final
		sim.Capital = bt.Final
		if sim.Capital <= 0 {
			break
		}
	}
	if len(out.Equity) == 0 {
		return nil, fmt.Errorf("%s: %w", series.Symbol, ErrNoSelection)
	}

	out.Metrics = perf.Evaluate(perf.Returns(out.EquityValues()), cfg.Sim.Perf).WithTrades(out.PnLs())
	return out, nil
}
