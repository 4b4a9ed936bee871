package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rustyeddy/walkforward/backtest"
)

// Postgres is the shared results store.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// DefaultQueryTimeout bounds every statement when no timeout is given.
const DefaultQueryTimeout = 30 * time.Second

// NewPostgres connects to dsn and applies PostgresSchema.
func NewPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect results db: %w", err)
	}
	p := NewPostgresFromDB(db, timeout)
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle without touching the schema.
func NewPostgresFromDB(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Postgres{db: db, timeout: timeout}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("results schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// SaveResult writes the run, its trades and its equity curve atomically.
func (p *Postgres) SaveResult(ctx context.Context, run Run, res *backtest.Result) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if run.Created.IsZero() {
		run.Created = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(len(res.Equity)/1000+1))
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wf_runs
		(run_id, job_id, strategy_id, symbol, timeframe, created, start_time, end_time, capital, final_equity, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.RunID, run.JobID, run.StrategyID, run.Symbol, run.Timeframe, run.Created.UTC(),
		res.Start.UTC(), res.End.UTC(), res.Capital, res.Final, metrics)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", run.RunID, ErrDuplicateRun)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(res.Trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO wf_trades
			(run_id, trade_id, position_id, symbol, direction, quantity, entry_price, exit_price,
			 stop_loss, take_profit, open_time, close_time, commission, realized_pl, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer stmt.Close()
		for _, t := range res.Trades {
			_, err := stmt.ExecContext(ctx,
				run.RunID, t.ID, t.PositionID, t.Symbol, int(t.Direction), t.Quantity, t.EntryPrice, t.ExitPrice,
				t.StopLoss, t.TakeProfit, t.OpenedAt.UTC(), t.ExitTime.UTC(), t.Commission, t.RealizedPnL, string(t.ExitReason))
			if err != nil {
				return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
			}
		}
	}

	if len(res.Equity) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO wf_equity (run_id, ts, equity) VALUES ($1, $2, $3)`)
		if err != nil {
			return fmt.Errorf("failed to prepare equity insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range res.Equity {
			if _, err := stmt.ExecContext(ctx, run.RunID, e.Time.UTC(), e.Equity); err != nil {
				return fmt.Errorf("failed to insert equity point: %w", err)
			}
		}
	}

	return tx.Commit()
}

// RecordWindows upserts window telemetry.
func (p *Postgres) RecordWindows(ctx context.Context, run Run, windows []backtest.WindowTelemetry) error {
	if len(windows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range windows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wf_windows (run_id, window_id, train_metric, test_metric, divergence_pct, is_overfitting)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, window_id) DO UPDATE SET
				train_metric = EXCLUDED.train_metric,
				test_metric = EXCLUDED.test_metric,
				divergence_pct = EXCLUDED.divergence_pct,
				is_overfitting = EXCLUDED.is_overfitting,
				recorded = now()`,
			run.RunID, w.WindowID, w.TrainMetric, w.TestMetric, w.DivergencePct, w.IsOverfitting)
		if err != nil {
			return fmt.Errorf("failed to record window %d: %w", w.WindowID, err)
		}
	}
	return tx.Commit()
}

type runRow struct {
	Run
	Start   time.Time `db:"start_time"`
	End     time.Time `db:"end_time"`
	Capital float64   `db:"capital"`
	Final   float64   `db:"final_equity"`
	Metrics []byte    `db:"metrics"`
}

// ListRuns returns the most recent runs for a strategy.
func (p *Postgres) ListRuns(ctx context.Context, strategyID string, limit int) ([]RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rows []runRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT run_id, job_id, strategy_id, symbol, timeframe, created, start_time, end_time, capital, final_equity, metrics
		FROM wf_runs
		WHERE strategy_id = $1
		ORDER BY created DESC
		LIMIT $2`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]RunSummary, 0, len(rows))
	for _, r := range rows {
		rs, err := r.summary()
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, nil
}

// GetRun returns one run by id.
func (p *Postgres) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var r runRow
	err := p.db.GetContext(ctx, &r, `
		SELECT run_id, job_id, strategy_id, symbol, timeframe, created, start_time, end_time, capital, final_equity, metrics
		FROM wf_runs
		WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to get run: %w", err)
	}
	return r.summary()
}

func (r runRow) summary() (RunSummary, error) {
	rs := RunSummary{Run: r.Run, Start: r.Start, End: r.End, Capital: r.Capital, Final: r.Final}
	if err := json.Unmarshal(r.Metrics, &rs.Metrics); err != nil {
		return RunSummary{}, fmt.Errorf("run %s metrics: %w", r.RunID, err)
	}
	return rs, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
