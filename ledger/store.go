// Package ledger persists paper positions and closes them with a single
// conditional transition so concurrent cycles can never settle the same
// position twice.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/walkforward/backtest"
)

// Status is a position's lifecycle state. It moves open → closed once.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

var (
	ErrNotFound    = errors.New("position not found")
	ErrAlreadyOpen = errors.New("an open position already exists for this strategy and symbol")
	// ErrConflict marks a lost close race. Stores and the Ledger report it
	// as (zero, false, nil); it exists for log fields and metrics.
	ErrConflict = errors.New("position already closed")
)

// Position is a persisted paper position.
type Position struct {
	backtest.Position
	Status   Status    `json:"status"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
}

// ExitFill describes how a position is being closed.
type ExitFill struct {
	Price          float64
	Time           time.Time
	Reason         backtest.ExitReason
	CommissionRate float64
}

// Store is the persistence contract. CloseIfOpen returns ok=false with a
// nil error when the position was already closed.
type Store interface {
	Open(ctx context.Context, p backtest.Position) error
	CloseIfOpen(ctx context.Context, id string, exit ExitFill) (backtest.Trade, bool, error)
	Get(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	Trades(ctx context.Context) ([]backtest.Trade, error)
	Close() error
}
