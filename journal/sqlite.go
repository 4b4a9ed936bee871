package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/walkforward/backtest"
)

// SQLite is the local results journal.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

// SaveResult writes the run row, its trades and its equity curve in one
// transaction.
func (j *SQLite) SaveResult(ctx context.Context, run Run, res *backtest.Result) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if run.Created.IsZero() {
		run.Created = time.Now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, job_id, strategy_id, symbol, timeframe, created, start_time, end_time, capital, final_equity, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, run.StrategyID, run.Symbol, run.Timeframe, run.Created.UTC(),
		res.Start.UTC(), res.End.UTC(), res.Capital, res.Final, string(metrics),
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", run.RunID, ErrDuplicateRun)
	}
	if err != nil {
		return err
	}

	for _, t := range res.Trades {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades
			(run_id, trade_id, position_id, symbol, direction, quantity, entry_price, exit_price,
			 stop_loss, take_profit, open_time, close_time, commission, realized_pl, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, t.ID, t.PositionID, t.Symbol, int(t.Direction), t.Quantity, t.EntryPrice, t.ExitPrice,
			t.StopLoss, t.TakeProfit, t.OpenedAt.UTC(), t.ExitTime.UTC(), t.Commission, t.RealizedPnL, string(t.ExitReason),
		)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO equity (run_id, time, equity) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range res.Equity {
		if _, err := stmt.ExecContext(ctx, run.RunID, e.Time.UTC(), e.Equity); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordWindows implements TelemetrySink. Re-recording a window replaces it.
func (j *SQLite) RecordWindows(ctx context.Context, run Run, windows []backtest.WindowTelemetry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, w := range windows {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO windows
			(run_id, window_id, train_metric, test_metric, divergence_pct, is_overfitting, recorded)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, w.WindowID, w.TrainMetric, w.TestMetric, w.DivergencePct, w.IsOverfitting, now,
		)
		if err != nil {
			return fmt.Errorf("window %d: %w", w.WindowID, err)
		}
	}
	return tx.Commit()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
