package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
)

// Ledger is the live counterpart of the simulator's position lifecycle.
type Ledger struct {
	Store          Store
	CommissionRate float64
	Metrics        *metrics.Registry
}

func New(store Store, commissionRate float64, m *metrics.Registry) *Ledger {
	return &Ledger{Store: store, CommissionRate: commissionRate, Metrics: m}
}

// Open validates and persists a new position. A guard failure comes back
// as a *guard.Error and nothing is stored.
func (l *Ledger) Open(ctx context.Context, p backtest.Position, capital, maxPositionPct float64) (Position, error) {
	if err := guard.ValidatePosition(p.EntryPrice, p.Quantity, capital, maxPositionPct); err != nil {
		return Position{}, err
	}
	if err := p.CheckBrackets(); err != nil {
		return Position{}, &guard.Error{Field: "brackets", Message: err.Error(), Code: guard.CodeInvalidConditions}
	}
	if p.ID == "" {
		p.ID = id.At(p.OpenedAt)
	}
	p.EntryCommission = backtest.Commission(p.EntryPrice, p.Quantity, l.CommissionRate)
	if err := l.Store.Open(ctx, p); err != nil {
		return Position{}, err
	}
	log.Info().
		Str("position_id", p.ID).
		Str("strategy", p.StrategyID).
		Str("symbol", p.Symbol).
		Str("direction", p.Direction.String()).
		Float64("entry", p.EntryPrice).
		Float64("qty", p.Quantity).
		Float64("stop", p.StopLoss).
		Float64("take", p.TakeProfit).
		Msg("position opened")
	l.refreshOpen(ctx)
	return Position{Position: p, Status: StatusOpen}, nil
}

// Close settles position id at price. Losing a close race is not an error:
// the result is (nil, nil) and the conflict is logged and counted. A price
// guard rejects comes back as a *guard.Error and nothing changes.
func (l *Ledger) Close(ctx context.Context, positionID string, price float64, at time.Time, reason backtest.ExitReason) (*backtest.Trade, error) {
	if err := guard.ValidateExitPrice(price, 0, 0); err != nil {
		return nil, err
	}
	t, ok, err := l.Store.CloseIfOpen(ctx, positionID, ExitFill{
		Price:          price,
		Time:           at,
		Reason:         reason,
		CommissionRate: l.CommissionRate,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debug().
			Err(ErrConflict).
			Str("position_id", positionID).
			Str("reason", string(reason)).
			Msg("close lost to a concurrent cycle")
		sym := ""
		if p, gerr := l.Store.Get(ctx, positionID); gerr == nil {
			sym = p.Symbol
		}
		l.Metrics.CloseConflicted(sym)
		return nil, nil
	}
	log.Info().
		Str("position_id", positionID).
		Str("symbol", t.Symbol).
		Str("reason", string(reason)).
		Float64("exit", t.ExitPrice).
		Float64("pnl", t.RealizedPnL).
		Msg("position closed")
	l.refreshOpen(ctx)
	return &t, nil
}

// Evaluate checks bar against p's stop and target and closes on a breach.
// Bars stamped at or before the open time arrive out of order and are
// ignored.
func (l *Ledger) Evaluate(ctx context.Context, p Position, bar market.Bar) (*backtest.Trade, error) {
	if p.Status != StatusOpen || !bar.Time.After(p.OpenedAt) {
		return nil, nil
	}
	price, reason, hit := backtest.CheckExit(p.Position, bar)
	if !hit {
		return nil, nil
	}
	return l.Close(ctx, p.ID, price, bar.Time, reason)
}

// OpenFor returns the open position for strategy and symbol, if any.
func (l *Ledger) OpenFor(ctx context.Context, strategyID, symbol string) (*Position, error) {
	open, err := l.Store.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range open {
		if p.StrategyID == strategyID && p.Symbol == symbol {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (l *Ledger) refreshOpen(ctx context.Context) {
	if l.Metrics == nil {
		return
	}
	open, err := l.Store.ListOpen(ctx)
	if err != nil {
		return
	}
	l.Metrics.SetOpenPositions(len(open))
}
