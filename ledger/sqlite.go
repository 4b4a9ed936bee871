package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/market"
)

const Schema = `
CREATE TABLE IF NOT EXISTS paper_positions (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction INTEGER NOT NULL,
	entry_price REAL NOT NULL CHECK (entry_price > 0),
	quantity REAL NOT NULL CHECK (quantity > 0),
	stop_loss REAL NOT NULL,
	take_profit REAL NOT NULL,
	entry_commission REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
	opened_at DATETIME NOT NULL,
	closed_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_paper_positions_one_open
	ON paper_positions(strategy_id, symbol) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS paper_trades (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL UNIQUE REFERENCES paper_positions(id),
	exit_price REAL NOT NULL,
	exit_time DATETIME NOT NULL,
	exit_reason TEXT NOT NULL,
	commission REAL NOT NULL,
	realized_pnl REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_paper_trades_exit_time ON paper_trades(exit_time);
`

// SQLiteStore persists positions in SQLite. Closing is an UPDATE guarded
// by status='open' inside a transaction that also writes the trade row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the ledger database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, p backtest.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_positions
		(id, strategy_id, symbol, direction, entry_price, quantity, stop_loss, take_profit, entry_commission, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
		p.ID, p.StrategyID, p.Symbol, int(p.Direction), p.EntryPrice, p.Quantity,
		p.StopLoss, p.TakeProfit, p.EntryCommission, p.OpenedAt.UTC(),
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		if strings.Contains(se.Error(), "paper_positions.id") {
			return fmt.Errorf("position %s already exists", p.ID)
		}
		return fmt.Errorf("%s %s: %w", p.StrategyID, p.Symbol, ErrAlreadyOpen)
	}
	return err
}

func (s *SQLiteStore) CloseIfOpen(ctx context.Context, id string, exit ExitFill) (backtest.Trade, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backtest.Trade{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE paper_positions SET status = 'closed', closed_at = ? WHERE id = ? AND status = 'open'`,
		exit.Time.UTC(), id)
	if err != nil {
		return backtest.Trade{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backtest.Trade{}, false, err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM paper_positions WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return backtest.Trade{}, false, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return backtest.Trade{}, false, err
	}

	p, err := scanPosition(tx.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, id))
	if err != nil {
		return backtest.Trade{}, false, err
	}
	t := backtest.Settle(p.Position, exit.Price, exit.Time, exit.Reason, exit.CommissionRate)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO paper_trades
		(id, position_id, exit_price, exit_time, exit_reason, commission, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PositionID, t.ExitPrice, t.ExitTime.UTC(), string(t.ExitReason), t.Commission, t.RealizedPnL,
	); err != nil {
		return backtest.Trade{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return backtest.Trade{}, false, err
	}
	return t, true, nil
}

const selectPosition = `
	SELECT id, strategy_id, symbol, direction, entry_price, quantity, stop_loss, take_profit,
		entry_commission, status, opened_at, closed_at
	FROM paper_positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (Position, error) {
	var (
		p        Position
		dir      int
		status   string
		closedAt sql.NullTime
	)
	err := r.Scan(&p.ID, &p.StrategyID, &p.Symbol, &dir, &p.EntryPrice, &p.Quantity,
		&p.StopLoss, &p.TakeProfit, &p.EntryCommission, &status, &p.OpenedAt, &closedAt)
	if err != nil {
		return Position{}, err
	}
	p.Direction = market.Direction(dir)
	p.Status = Status(status)
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, selectPosition+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) ListOpen(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, selectPosition+` WHERE status = 'open' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Trades(ctx context.Context) ([]backtest.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.exit_price, t.exit_time, t.exit_reason, t.commission, t.realized_pnl,
			p.id, p.strategy_id, p.symbol, p.direction, p.entry_price, p.quantity,
			p.stop_loss, p.take_profit, p.entry_commission, p.opened_at
		FROM paper_trades t JOIN paper_positions p ON p.id = t.position_id
		ORDER BY t.exit_time, t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backtest.Trade
	for rows.Next() {
		var (
			t      backtest.Trade
			reason string
			dir    int
		)
		if err := rows.Scan(&t.ID, &t.ExitPrice, &t.ExitTime, &reason, &t.Commission, &t.RealizedPnL,
			&t.Position.ID, &t.StrategyID, &t.Symbol, &dir, &t.EntryPrice, &t.Quantity,
			&t.StopLoss, &t.TakeProfit, &t.EntryCommission, &t.OpenedAt); err != nil {
			return nil, err
		}
		t.PositionID = t.Position.ID
		t.ExitReason = backtest.ExitReason(reason)
		t.Direction = market.Direction(dir)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
