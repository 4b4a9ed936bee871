// Package paper runs a strategy against a live bar feed and keeps its
// simulated positions in a ledger. One call to Cycle is one tick.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/feed"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/ledger"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/strategy"
)

// Outcome is what a cycle did.
type Outcome string

const (
	NoSignal Outcome = "no_signal"
	Opened   Outcome = "opened"
	Closed   Outcome = "closed"
	Held     Outcome = "held"
	Skipped  Outcome = "skipped"
)

// Report is the result of one cycle. Reason explains a NoSignal, Held or
// Skipped outcome when there is something to say.
type Report struct {
	StrategyID string
	Symbol     string
	At         time.Time
	Outcome    Outcome
	Reason     string
	Position   *ledger.Position
	Trade      *backtest.Trade
	Elapsed    time.Duration
}

type Config struct {
	Timeframe string
	// Lookback is how many bars each cycle fetches.
	Lookback     int
	Capital      float64
	Direction    market.Direction
	FetchTimeout time.Duration

	// BreakerFailures consecutive fetch failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// RatePerSec and Burst bound feed requests across all symbols.
	RatePerSec float64
	Burst      int
}

func DefaultConfig() Config {
	return Config{
		Timeframe:       "1h",
		Lookback:        100,
		Capital:         backtest.DefaultCapital,
		Direction:       market.Long,
		FetchTimeout:    5 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: 60 * time.Second,
		RatePerSec:      5,
		Burst:           10,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Timeframe == "" {
		c.Timeframe = d.Timeframe
	}
	if c.Lookback < 3 {
		c.Lookback = d.Lookback
	}
	if c.Capital <= 0 {
		c.Capital = d.Capital
	}
	if c.Direction == 0 {
		c.Direction = d.Direction
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
}

// Trader runs one strategy. It holds no state between ticks beyond what
// the ledger persists, so any cycle can be retried.
type Trader struct {
	Config   Config
	Strategy *strategy.Config
	Source   feed.Source
	Ledger   *ledger.Ledger
	Eval     *condition.Live
	Metrics  *metrics.Registry
	Now      func() time.Time

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// New validates the strategy and wires a trader. A nil eval gets a Live
// evaluator with no cache, which only suits strategies whose indicators
// arrive through the feed's sink.
func New(cfg Config, strat *strategy.Config, src feed.Source, l *ledger.Ledger, eval *condition.Live, m *metrics.Registry) (*Trader, error) {
	if err := guard.ValidateStrategy(strat); err != nil {
		return nil, err
	}
	if src == nil || l == nil {
		return nil, errors.New("paper: source and ledger are required")
	}
	cfg.defaults()
	if eval == nil {
		eval = condition.NewLive(nil, m)
	}
	return &Trader{
		Config:   cfg,
		Strategy: strat,
		Source:   src,
		Ledger:   l,
		Eval:     eval,
		Metrics:  m,
		Now:      time.Now,
		breaker:  newBreaker("feed:"+strat.ID, cfg),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}, nil
}

func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.BreakerCooldown
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.BreakerFailures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("feed breaker state change")
	}
	return gobreaker.NewCircuitBreaker(st)
}

func (t *Trader) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// Cycle runs one tick for symbol. It never returns an error: every
// failure resolves to a Report outcome.
func (t *Trader) Cycle(ctx context.Context, symbol string) (rep Report) {
	start := time.Now()
	rep = Report{StrategyID: t.Strategy.ID, Symbol: symbol, At: t.now()}
	defer func() {
		rep.Elapsed = time.Since(start)
		t.Metrics.ObserveCycle(symbol, string(rep.Outcome), rep.Elapsed)
		ev := log.Debug()
		if rep.Outcome != NoSignal && rep.Outcome != Held {
			ev = log.Info()
		}
		ev.Str("strategy", rep.StrategyID).
			Str("symbol", symbol).
			Str("outcome", string(rep.Outcome)).
			Str("reason", rep.Reason).
			Dur("elapsed", rep.Elapsed).
			Msg("paper cycle")
	}()
	// runs before the logging defer so the report it builds is the one logged
	defer func() {
		if p := recover(); p != nil {
			rep = rep.with(Skipped, fmt.Sprintf("internal error: panic: %v", p))
		}
	}()

	series, err := t.fetch(ctx, symbol)
	if err != nil {
		return rep.with(NoSignal, "fetch: "+err.Error())
	}
	n := series.Len()
	if n < 3 {
		return rep.with(NoSignal, fmt.Sprintf("need 3 bars, have %d", n))
	}
	if err := market.CheckLive(series.Bars, rep.At); err != nil {
		return rep.with(NoSignal, err.Error())
	}

	// decisions see every bar before the current one; fills use its close
	window := series.Slice(0, n-1)
	last := series.Bars[n-1]

	open, err := t.Ledger.OpenFor(ctx, t.Strategy.ID, symbol)
	if err != nil {
		return rep.with(Skipped, "ledger: "+err.Error())
	}
	if open != nil {
		return t.manage(ctx, rep, *open, window, last)
	}
	return t.enter(ctx, rep, window, last)
}

func (r Report) with(o Outcome, reason string) Report {
	r.Outcome = o
	r.Reason = reason
	return r
}

func (t *Trader) fetch(ctx context.Context, symbol string) (*market.Series, error) {
	fctx, cancel := context.WithTimeout(ctx, t.Config.FetchTimeout)
	defer cancel()

	if err := t.limiter.Wait(fctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	v, err := t.breaker.Execute(func() (interface{}, error) {
		return t.Source.Bars(fctx, symbol, t.Config.Timeframe, t.Config.Lookback)
	})
	if err != nil {
		return nil, err
	}
	return v.(*market.Series), nil
}

func (t *Trader) manage(ctx context.Context, rep Report, p ledger.Position, window *market.Series, last market.Bar) Report {
	rep.Position = &p

	tr, err := t.Ledger.Evaluate(ctx, p, last)
	if err != nil {
		return rep.with(Held, "close: "+err.Error())
	}
	if tr != nil {
		rep.Trade = tr
		return rep.with(Closed, string(tr.ExitReason))
	}

	if t.Strategy.Exit == nil || !last.Time.After(p.OpenedAt) {
		return rep.with(Held, "")
	}
	exit, err := t.Eval.Evaluate(t.Strategy.Exit, window)
	if err != nil {
		return rep.with(Held, "exit: "+err.Error())
	}
	if !exit {
		return rep.with(Held, "")
	}

	price := backtest.FillPrice(last.Close, t.Strategy.Risk.SlippagePct, p.Direction, false)
	tr, err = t.Ledger.Close(ctx, p.ID, price, last.Time, backtest.ExitSignal)
	if err != nil {
		return rep.with(Held, "close: "+err.Error())
	}
	if tr == nil {
		return rep.with(Held, ledger.ErrConflict.Error())
	}
	rep.Trade = tr
	return rep.with(Closed, string(backtest.ExitSignal))
}

func (t *Trader) enter(ctx context.Context, rep Report, window *market.Series, last market.Bar) Report {
	ok, err := t.Eval.Evaluate(t.Strategy.Entry, window)
	if err != nil {
		return rep.with(NoSignal, err.Error())
	}
	if !ok {
		return rep.with(NoSignal, "")
	}

	risk := t.Strategy.Risk
	dir := t.Config.Direction
	entry := backtest.FillPrice(last.Close, risk.SlippagePct, dir, true)
	stop, take := backtest.Brackets(entry, risk.StopLossPct, risk.TakeProfitPct, dir)
	qty := 0.0
	if entry > 0 {
		qty = t.Config.Capital * risk.MaxPositionPct / 100 / entry
	}

	p, err := t.Ledger.Open(ctx, backtest.Position{
		StrategyID: t.Strategy.ID,
		Symbol:     rep.Symbol,
		Direction:  dir,
		EntryPrice: entry,
		Quantity:   qty,
		StopLoss:   stop,
		TakeProfit: take,
		OpenedAt:   last.Time,
	}, t.Config.Capital, risk.MaxPositionPct)
	switch {
	case errors.Is(err, ledger.ErrAlreadyOpen):
		return rep.with(Held, err.Error())
	case guard.IsValidation(err):
		log.Warn().Err(err).Str("strategy", rep.StrategyID).Str("symbol", rep.Symbol).Msg("signal skipped")
		return rep.with(Skipped, err.Error())
	case err != nil:
		return rep.with(Skipped, "ledger: "+err.Error())
	}
	rep.Position = &p
	return rep.with(Opened, "")
}

// Run ticks every interval until ctx is done, one goroutine per symbol
// per tick.
func (t *Trader) Run(ctx context.Context, interval time.Duration, symbols ...string) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		var wg sync.WaitGroup
		for _, sym := range symbols {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				t.Cycle(ctx, sym)
			}(sym)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// CloseManual closes a position by hand. A price of zero or less takes the
// latest close from src; a given price must lie within bandPct percent of
// that close. Without a feed a given price is only checked for magnitude.
// A position that is already closed yields (nil, nil).
func CloseManual(ctx context.Context, l *ledger.Ledger, src feed.Source, timeframe, positionID string, price, bandPct float64, at time.Time) (*backtest.Trade, error) {
	p, err := l.Store.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status != ledger.StatusOpen {
		return nil, nil
	}

	var last float64
	switch {
	case src != nil:
		s, err := src.Bars(ctx, p.Symbol, timeframe, 1)
		if err != nil {
			return nil, fmt.Errorf("latest price for %s: %w", p.Symbol, err)
		}
		last = s.Bars[s.Len()-1].Close
	case price <= 0:
		return nil, errors.New("no price given and no feed to read one from")
	}
	if price <= 0 {
		price = last
	}
	if err := guard.ValidateExitPrice(price, last, bandPct); err != nil {
		log.Warn().Err(err).Str("position_id", positionID).Float64("price", price).Msg("manual close refused")
		return nil, err
	}
	return l.Close(ctx, positionID, price, at, backtest.ExitManual)
}
