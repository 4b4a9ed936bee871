package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/perf"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is a stored run without its trades and equity.
type RunSummary struct {
	Run
	Start   time.Time    `json:"start"`
	End     time.Time    `json:"end"`
	Capital float64      `json:"capital"`
	Final   float64      `json:"final_equity"`
	Metrics perf.Metrics `json:"metrics"`
}

const selectRun = `
	SELECT run_id, job_id, strategy_id, symbol, timeframe, created, start_time, end_time, capital, final_equity, metrics
	FROM runs`

func scanRun(row interface{ Scan(...any) error }) (RunSummary, error) {
	var (
		rs      RunSummary
		metrics string
	)
	err := row.Scan(
		&rs.RunID,
		&rs.JobID,
		&rs.StrategyID,
		&rs.Symbol,
		&rs.Timeframe,
		&rs.Created,
		&rs.Start,
		&rs.End,
		&rs.Capital,
		&rs.Final,
		&metrics,
	)
	if err != nil {
		return RunSummary{}, err
	}
	if err := json.Unmarshal([]byte(metrics), &rs.Metrics); err != nil {
		return RunSummary{}, fmt.Errorf("run %s metrics: %w", rs.RunID, err)
	}
	return rs, nil
}

// GetRun returns one run by id.
func (j *SQLite) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	rs, err := scanRun(j.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return rs, err
}

// ListRuns returns runs newest first. An empty strategyID lists all.
func (j *SQLite) ListRuns(ctx context.Context, strategyID string) ([]RunSummary, error) {
	q := selectRun
	var args []any
	if strategyID != "" {
		q += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	rows, err := j.db.QueryContext(ctx, q+` ORDER BY created DESC, run_id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		rs, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

const selectTrade = `
	SELECT trade_id, position_id, symbol, direction, quantity, entry_price, exit_price,
	       stop_loss, take_profit, open_time, close_time, commission, realized_pl, reason
	FROM trades`

func (j *SQLite) queryTrades(ctx context.Context, q string, args ...any) ([]backtest.Trade, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backtest.Trade
	for rows.Next() {
		var (
			t      backtest.Trade
			dir    int
			reason string
		)
		if err := rows.Scan(
			&t.ID,
			&t.PositionID,
			&t.Symbol,
			&dir,
			&t.Quantity,
			&t.EntryPrice,
			&t.ExitPrice,
			&t.StopLoss,
			&t.TakeProfit,
			&t.OpenedAt,
			&t.ExitTime,
			&t.Commission,
			&t.RealizedPnL,
			&reason,
		); err != nil {
			return nil, err
		}
		t.Position.ID = t.PositionID
		t.Direction = market.Direction(dir)
		t.ExitReason = backtest.ExitReason(reason)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTrades returns a run's trades in close order.
func (j *SQLite) ListTrades(ctx context.Context, runID string) ([]backtest.Trade, error) {
	return j.queryTrades(ctx, selectTrade+` WHERE run_id = ? ORDER BY close_time ASC, trade_id ASC`, runID)
}

// ListTradesClosedBetween returns trades of any run whose close_time is
// within [start, end).
func (j *SQLite) ListTradesClosedBetween(ctx context.Context, start, end time.Time) ([]backtest.Trade, error) {
	return j.queryTrades(ctx, selectTrade+`
		WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC`, start.UTC(), end.UTC())
}

// ListEquity returns a run's equity curve in time order.
func (j *SQLite) ListEquity(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, equity
		FROM equity
		WHERE run_id = ?
		ORDER BY time ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backtest.EquityPoint
	for rows.Next() {
		var e backtest.EquityPoint
		if err := rows.Scan(&e.Time, &e.Equity); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListWindows returns a run's window telemetry by window id.
func (j *SQLite) ListWindows(ctx context.Context, runID string) ([]backtest.WindowTelemetry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT window_id, train_metric, test_metric, divergence_pct, is_overfitting
		FROM windows
		WHERE run_id = ?
		ORDER BY window_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backtest.WindowTelemetry
	for rows.Next() {
		var w backtest.WindowTelemetry
		if err := rows.Scan(&w.WindowID, &w.TrainMetric, &w.TestMetric, &w.DivergencePct, &w.IsOverfitting); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadResult rebuilds a stored result, windows included.
func (j *SQLite) LoadResult(ctx context.Context, runID string) (*backtest.Result, error) {
	rs, err := j.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	res := &backtest.Result{
		StrategyID: rs.StrategyID,
		Symbol:     rs.Symbol,
		Timeframe:  rs.Timeframe,
		Start:      rs.Start,
		End:        rs.End,
		Capital:    rs.Capital,
		Final:      rs.Final,
		Metrics:    rs.Metrics,
	}
	if res.Trades, err = j.ListTrades(ctx, runID); err != nil {
		return nil, err
	}
	if res.Equity, err = j.ListEquity(ctx, runID); err != nil {
		return nil, err
	}
	if res.Windows, err = j.ListWindows(ctx, runID); err != nil {
		return nil, err
	}
	return res, nil
}
