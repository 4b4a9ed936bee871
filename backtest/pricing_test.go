package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rustyeddy/walkforward/market"
)

func TestFillAndBracketsExample(t *testing.T) {
	t.Parallel()

	entry := FillPrice(150.00, 0.1, market.Long, true)
	assert.Equal(t, 150.15, entry)

	stop, take := Brackets(entry, 2, 5, market.Long)
	assert.Equal(t, 147.147, stop)
	assert.Equal(t, 157.6575, take)
}

func TestFillPriceDirections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dir     market.Direction
		opening bool
		want    float64
	}{
		{"long_open_pays_up", market.Long, true, 100.5},
		{"long_close_receives_less", market.Long, false, 99.5},
		{"short_open_receives_less", market.Short, true, 99.5},
		{"short_close_pays_up", market.Short, false, 100.5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FillPrice(100, 0.5, tt.dir, tt.opening))
		})
	}
}

func TestShortBrackets(t *testing.T) {
	t.Parallel()

	stop, take := Brackets(200, 2, 5, market.Short)
	assert.Equal(t, 204.0, stop)
	assert.Equal(t, 190.0, take)
}

func TestSettleShort(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	p := Position{ID: "p1", Direction: market.Short, EntryPrice: 200, Quantity: 10, StopLoss: 204, TakeProfit: 190}
	tr := Settle(p, 190, at, ExitTakeProfit, 0)
	assert.InDelta(t, 100.0, tr.RealizedPnL, 1e-9)
	assert.Equal(t, "p1", tr.PositionID)
	assert.Equal(t, at, tr.ExitTime)
	assert.NotEmpty(t, tr.ID)
}

func TestCheckBrackets(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Position{Direction: market.Long, StopLoss: 98, EntryPrice: 100, TakeProfit: 105}.CheckBrackets())
	assert.Error(t, Position{Direction: market.Long, StopLoss: 101, EntryPrice: 100, TakeProfit: 105}.CheckBrackets())
	assert.NoError(t, Position{Direction: market.Short, StopLoss: 102, EntryPrice: 100, TakeProfit: 95}.CheckBrackets())
	assert.Error(t, Position{Direction: market.Short, StopLoss: 98, EntryPrice: 100, TakeProfit: 105}.CheckBrackets())
}

func TestCheckExitGaps(t *testing.T) {
	t.Parallel()

	long := Position{Direction: market.Long, EntryPrice: 100, StopLoss: 98, TakeProfit: 105}
	short := Position{Direction: market.Short, EntryPrice: 100, StopLoss: 102, TakeProfit: 95}

	tests := []struct {
		name   string
		pos    Position
		bar    market.Bar
		want   float64
		reason ExitReason
	}{
		{"long_stop_inside_bar", long, market.Bar{Open: 99, High: 99.5, Low: 97.5}, 98, ExitStopLoss},
		{"long_gap_through_stop", long, market.Bar{Open: 97, High: 97.5, Low: 96}, 97, ExitStopLoss},
		{"long_gap_over_take", long, market.Bar{Open: 107, High: 108, Low: 106}, 107, ExitTakeProfit},
		{"short_gap_through_stop", short, market.Bar{Open: 103, High: 104, Low: 102.5}, 103, ExitStopLoss},
		{"short_gap_under_take", short, market.Bar{Open: 93, High: 94, Low: 92}, 93, ExitTakeProfit},
		{"short_take_inside_bar", short, market.Bar{Open: 96, High: 96.5, Low: 94.5}, 95, ExitTakeProfit},
		{"missing_open_fills_at_level", long, market.Bar{High: 99, Low: 97}, 98, ExitStopLoss},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			px, reason, hit := CheckExit(tt.pos, tt.bar)
			assert.True(t, hit)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.want, px)
		})
	}
}
