package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/market"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitSignal     ExitReason = "signal"
	ExitManual     ExitReason = "manual"
	// ExitEndOfData is the simulator's final mark. The live ledger never uses it.
	ExitEndOfData ExitReason = "end_of_data"
)

// ParseExitReason accepts one of the reason strings.
func ParseExitReason(s string) (ExitReason, error) {
	switch r := ExitReason(s); r {
	case ExitStopLoss, ExitTakeProfit, ExitSignal, ExitManual, ExitEndOfData:
		return r, nil
	}
	return "", fmt.Errorf("unknown exit reason %q", s)
}

// Position is an open position in either the simulator or the live ledger.
type Position struct {
	ID              string           `json:"id"`
	StrategyID      string           `json:"strategy_id"`
	Symbol          string           `json:"symbol"`
	Direction       market.Direction `json:"direction"`
	EntryPrice      float64          `json:"entry_price"`
	Quantity        float64          `json:"quantity"`
	StopLoss        float64          `json:"stop_loss"`
	TakeProfit      float64          `json:"take_profit"`
	OpenedAt        time.Time        `json:"opened_at"`
	EntryCommission float64          `json:"entry_commission"`
}

// CheckBrackets enforces SL < entry < TP for longs and the inverse for shorts.
func (p Position) CheckBrackets() error {
	ok := p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit
	if p.Direction == market.Short {
		ok = p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss
	}
	if !ok {
		return fmt.Errorf("position %s: %s brackets out of order (sl=%g entry=%g tp=%g)",
			p.ID, p.Direction, p.StopLoss, p.EntryPrice, p.TakeProfit)
	}
	return nil
}

// Trade is a closed position.
type Trade struct {
	ID         string `json:"id"`
	PositionID string `json:"position_id"`
	Position

	ExitPrice   float64    `json:"exit_price"`
	ExitTime    time.Time  `json:"exit_time"`
	ExitReason  ExitReason `json:"exit_reason"`
	Commission  float64    `json:"commission"`
	RealizedPnL float64    `json:"realized_pnl"`
}

// Settle closes p at exitPrice and returns the resulting trade. Commission
// covers both legs.
func Settle(p Position, exitPrice float64, at time.Time, reason ExitReason, commissionRate float64) Trade {
	exitComm := Commission(exitPrice, p.Quantity, commissionRate)
	gross := float64(p.Direction) * (exitPrice - p.EntryPrice) * p.Quantity
	return Trade{
		ID:          id.At(at),
		PositionID:  p.ID,
		Position:    p,
		ExitPrice:   exitPrice,
		ExitTime:    at,
		ExitReason:  reason,
		Commission:  p.EntryCommission + exitComm,
		RealizedPnL: gross - p.EntryCommission - exitComm,
	}
}

// CheckExit reports whether bar breaches p's stop or target. When both are
// breached in the same bar the stop wins. A bar that opens through a level
// fills at its open, never at the better level price.
func CheckExit(p Position, b market.Bar) (price float64, reason ExitReason, hit bool) {
	var stopHit, takeHit bool
	switch p.Direction {
	case market.Short:
		stopHit = p.StopLoss > 0 && b.High >= p.StopLoss
		takeHit = p.TakeProfit > 0 && b.Low <= p.TakeProfit
	default:
		stopHit = p.StopLoss > 0 && b.Low <= p.StopLoss
		takeHit = p.TakeProfit > 0 && b.High >= p.TakeProfit
	}
	switch {
	case stopHit:
		return gapFill(p.StopLoss, b.Open, p.Direction, true), ExitStopLoss, true
	case takeHit:
		return gapFill(p.TakeProfit, b.Open, p.Direction, false), ExitTakeProfit, true
	}
	return 0, "", false
}

func gapFill(level, open float64, dir market.Direction, stop bool) float64 {
	if open <= 0 {
		return level
	}
	// long stops and short targets sit below the market
	if (dir != market.Short) == stop {
		return math.Min(open, level)
	}
	return math.Max(open, level)
}
