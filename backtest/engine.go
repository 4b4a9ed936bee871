// Package backtest replays a bar series through a strategy's condition trees
// and risk parameters, producing a trade ledger and a mark-to-market equity
// curve without look-ahead.
package backtest

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/strategy"
)

// DefaultCapital is the starting cash when Options.Capital is zero.
const DefaultCapital = 100_000.0

// Options controls a simulation run.
type Options struct {
	Capital        float64          `json:"capital" yaml:"capital"`
	CommissionRate float64          `json:"commission_rate" yaml:"commission_rate"` // fraction of notional per leg
	Direction      market.Direction `json:"direction" yaml:"direction"`
	Perf           perf.Options     `json:"perf" yaml:"perf"`
}

func (o Options) withDefaults() Options {
	if o.Capital == 0 {
		o.Capital = DefaultCapital
	}
	if o.Direction == 0 {
		o.Direction = market.Long
	}
	if o.Perf.PeriodsPerYear == 0 {
		o.Perf = perf.DefaultOptions()
	}
	return o
}

// EquityPoint is one mark of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// WindowTelemetry is the per-window divergence summary attached to a result
// by the walk-forward optimizer.
type WindowTelemetry struct {
	WindowID      int     `json:"window_id"`
	TrainMetric   float64 `json:"train_metric"`
	TestMetric    float64 `json:"test_metric"`
	DivergencePct float64 `json:"divergence_pct"`
	IsOverfitting bool    `json:"is_overfitting"`
}

// Result is the output of one simulation.
type Result struct {
	StrategyID string            `json:"strategy_id"`
	Symbol     string            `json:"symbol"`
	Timeframe  string            `json:"timeframe"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Capital    float64           `json:"capital"`
	Final      float64           `json:"final_equity"`
	Trades     []Trade           `json:"trades"`
	Equity     []EquityPoint     `json:"equity_curve"`
	Metrics    perf.Metrics      `json:"metrics"`
	Windows    []WindowTelemetry `json:"windows,omitempty"`
	Skipped    int               `json:"skipped_signals"`
}

// EquityValues returns the equity column of the curve.
func (r *Result) EquityValues() []float64 {
	out := make([]float64, len(r.Equity))
	for i, p := range r.Equity {
		out[i] = p.Equity
	}
	return out
}

// PnLs returns realized P&L per trade in order.
func (r *Result) PnLs() []float64 {
	out := make([]float64, len(r.Trades))
	for i, t := range r.Trades {
		out[i] = t.RealizedPnL
	}
	return out
}

type engine struct {
	series *market.Series
	cfg    *strategy.Config
	opts   Options

	cash    float64
	pos     *Position
	trades  []Trade
	equity  []EquityPoint
	skipped int
}

// Simulate runs cfg over series. The strategy is revalidated first; a
// guard failure means nothing is simulated. Every bar must be closed.
//
// At bar i the entry and exit trees see bars[0:i] only. Fills happen at
// bar i's close with slippage. Stop and target exits fill at their level,
// or at the open of a bar that gapped through it. The final bar never
// opens a position.
func Simulate(series *market.Series, cfg *strategy.Config, opts Options) (*Result, error) {
	if err := guard.ValidateStrategy(cfg); err != nil {
		return nil, err
	}
	if err := series.Validate(); err != nil {
		return nil, &condition.DataError{Mode: "historical", Symbol: series.Symbol, Err: err}
	}
	if series.Len() < 2 {
		return nil, &condition.DataError{Mode: "historical", Symbol: series.Symbol,
			Err: fmt.Errorf("have %d bars: %w", series.Len(), market.ErrInsufficientBars)}
	}
	if err := (condition.Historical{}).Check(series); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	e := &engine{series: series, cfg: cfg, opts: opts, cash: opts.Capital}
	e.run()

	res := &Result{
		StrategyID: cfg.ID,
		Symbol:     series.Symbol,
		Timeframe:  series.Timeframe,
		Start:      series.Bars[0].Time,
		End:        series.Bars[series.Len()-1].Time,
		Capital:    opts.Capital,
		Final:      e.cash,
		Trades:     e.trades,
		Equity:     e.equity,
		Skipped:    e.skipped,
	}
	res.Metrics = perf.Evaluate(perf.Returns(res.EquityValues()), opts.Perf).WithTrades(res.PnLs())
	return res, nil
}

func (e *engine) run() {
	bars := e.series.Bars
	last := len(bars) - 1
	for i, b := range bars {
		if e.pos != nil {
			e.manage(i, b)
		}
		if e.pos == nil && i >= 1 && i < last && condition.Evaluate(e.cfg.Entry, i, e.series.Indicator) {
			e.open(b)
		}
		e.mark(b)
	}

	if e.pos != nil {
		b := bars[last]
		e.close(FillPrice(b.Close, e.cfg.Risk.SlippagePct, e.pos.Direction, false), b.Time, ExitEndOfData)
		e.equity[len(e.equity)-1].Equity = e.cash
	}
}

func (e *engine) manage(i int, b market.Bar) {
	if px, reason, hit := CheckExit(*e.pos, b); hit {
		e.close(px, b.Time, reason)
		return
	}
	if e.cfg.Exit != nil && condition.Evaluate(e.cfg.Exit, i, e.series.Indicator) {
		e.close(FillPrice(b.Close, e.cfg.Risk.SlippagePct, e.pos.Direction, false), b.Time, ExitSignal)
	}
}

func (e *engine) open(b market.Bar) {
	risk := e.cfg.Risk
	dir := e.opts.Direction
	entry := FillPrice(b.Close, risk.SlippagePct, dir, true)
	qty := e.cash * risk.MaxPositionPct / 100 / entry

	if err := guard.ValidatePosition(entry, qty, e.cash, risk.MaxPositionPct); err != nil {
		e.skipped++
		log.Debug().
			Err(err).
			Str("strategy", e.cfg.ID).
			Str("symbol", e.series.Symbol).
			Time("bar", b.Time).
			Msg("entry signal skipped")
		return
	}

	stop, take := Brackets(entry, risk.StopLossPct, risk.TakeProfitPct, dir)
	p := &Position{
		ID:              id.At(b.Time),
		StrategyID:      e.cfg.ID,
		Symbol:          e.series.Symbol,
		Direction:       dir,
		EntryPrice:      entry,
		Quantity:        qty,
		StopLoss:        stop,
		TakeProfit:      take,
		OpenedAt:        b.Time,
		EntryCommission: Commission(entry, qty, e.opts.CommissionRate),
	}
	e.cash -= float64(dir)*entry*qty + p.EntryCommission
	e.pos = p
}

func (e *engine) close(price float64, at time.Time, reason ExitReason) {
	p := *e.pos
	t := Settle(p, price, at, reason, e.opts.CommissionRate)
	e.cash += float64(p.Direction)*price*p.Quantity - (t.Commission - p.EntryCommission)
	e.trades = append(e.trades, t)
	e.pos = nil
}

func (e *engine) mark(b market.Bar) {
	eq := e.cash
	if e.pos != nil {
		eq += float64(e.pos.Direction) * e.pos.Quantity * b.Close
	}
	e.equity = append(e.equity, EquityPoint{Time: b.Time, Equity: eq})
}
