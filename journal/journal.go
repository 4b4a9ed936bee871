// Package journal stores backtest and walk-forward results and publishes
// per-window validation telemetry.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/walkforward/backtest"
)

// ErrDuplicateRun is returned when a run id has already been saved.
var ErrDuplicateRun = errors.New("run already recorded")

// Run identifies one stored result.
type Run struct {
	RunID      string    `json:"run_id" db:"run_id"`
	JobID      string    `json:"job_id,omitempty" db:"job_id"`
	StrategyID string    `json:"strategy_id" db:"strategy_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Timeframe  string    `json:"timeframe" db:"timeframe"`
	Created    time.Time `json:"created" db:"created"`
}

// ResultStore persists a result's metrics, trades and equity curve.
type ResultStore interface {
	SaveResult(ctx context.Context, run Run, res *backtest.Result) error
	Close() error
}

// TelemetrySink receives per-window divergence summaries.
type TelemetrySink interface {
	RecordWindows(ctx context.Context, run Run, windows []backtest.WindowTelemetry) error
}

// WindowEvent is one telemetry record as published.
type WindowEvent struct {
	Run
	backtest.WindowTelemetry
}

// Tee fans telemetry out to several sinks. Every sink is tried; the
// errors are joined.
type Tee []TelemetrySink

func (t Tee) RecordWindows(ctx context.Context, run Run, windows []backtest.WindowTelemetry) error {
	var errs []error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.RecordWindows(ctx, run, windows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
