package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/market/markettest"
	"github.com/rustyeddy/walkforward/strategy"
	"github.com/rustyeddy/walkforward/walkforward"
)

type strategies map[string]*strategy.Config

func (s strategies) Strategy(_ context.Context, id string) (*strategy.Config, error) {
	if cfg, ok := s[id]; ok {
		return cfg, nil
	}
	return nil, errors.New("unknown strategy")
}

type bars map[string]*market.Series

func (b bars) Series(_ context.Context, symbol, _ string, start, end time.Time) (*market.Series, error) {
	if s, ok := b[symbol]; ok {
		return s.Between(start, end), nil
	}
	return nil, errors.New("no data")
}

type memResults struct {
	mu      sync.Mutex
	results map[string]*backtest.Result
	windows map[string][]backtest.WindowTelemetry
}

func newMemResults() *memResults {
	return &memResults{results: map[string]*backtest.Result{}, windows: map[string][]backtest.WindowTelemetry{}}
}

func (m *memResults) SaveResult(_ context.Context, run journal.Run, res *backtest.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[run.Symbol] = res
	return nil
}

func (m *memResults) RecordWindows(_ context.Context, run journal.Run, ws []backtest.WindowTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[run.Symbol] = ws
	return nil
}

func (m *memResults) Close() error { return nil }

func waveStrategy() *strategy.Config {
	return &strategy.Config{
		ID:    "wave-rsi",
		Entry: strategy.Leaf("rsi", strategy.LT, 25),
		Exit:  strategy.Leaf("rsi", strategy.GT, 75),
		Risk: strategy.RiskParams{
			StopLossPct:    1,
			TakeProfitPct:  2,
			SlippagePct:    0.1,
			MaxPositionPct: 20,
		},
	}
}

func newRunner(q Queue, store *memResults) *Runner {
	cfg := walkforward.Config{
		Window:  walkforward.WindowConfig{Train: 200, Test: 50, Step: 50},
		MinBars: 100,
		Workers: 2,
	}
	return &Runner{
		Queue:      q,
		Strategies: strategies{"wave-rsi": waveStrategy()},
		Bars: bars{
			"WAVE": markettest.Wave("WAVE", 600, 100, 6, 37, 0.02),
			"TINY": markettest.Wave("TINY", 120, 100, 6, 37, 0),
		},
		Optimizer: walkforward.New(cfg, walkforward.NewMemoryParamCache(), nil),
		Results:   store,
		Telemetry: store,
	}
}

func TestRunnerPartialFailureCompletes(t *testing.T) {
	t.Parallel()

	store := newMemResults()
	q := NewMemoryQueue()
	r := newRunner(q, store)
	ctx := context.Background()

	j, err := q.Submit(ctx, Job{StrategyID: "wave-rsi", Symbols: []string{"WAVE", "TINY", "NONE"}})
	require.NoError(t, err)

	claimed, err := r.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Contains(t, got.Message, "8 windows selected across 3 symbols")
	assert.Contains(t, got.Message, "TINY")
	assert.Contains(t, got.Message, "NONE: no data")

	res := store.results["WAVE"]
	require.NotNil(t, res)
	assert.Len(t, res.Windows, 8)
	assert.Len(t, store.windows["WAVE"], 8)
	assert.NotContains(t, store.results, "TINY")

	// only the eight 50-bar test ranges are replayed, each inside its own range
	firstTest := markettest.Start.Add(200 * time.Hour)
	assert.Equal(t, firstTest, res.Start)
	assert.Len(t, res.Equity, 400)
	assert.InDelta(t, res.Final, res.Equity[len(res.Equity)-1].Equity, 1e-9)
	testRange := func(at time.Time) int { return int(at.Sub(firstTest)/time.Hour) / 50 }
	for _, tr := range res.Trades {
		assert.False(t, tr.OpenedAt.Before(firstTest), "trade %s opened in a train range", tr.ID)
		assert.Equal(t, testRange(tr.OpenedAt), testRange(tr.ExitTime), "trade %s spans test ranges", tr.ID)
	}

	v, ok, err := r.Optimizer.Cache.Get(ctx, walkforward.CacheKey{Symbol: "WAVE", Timeframe: "1h"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, v, 1.0)

	claimed, err = r.RunNext(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
}

type panicBars struct{ bars }

func (p panicBars) Series(ctx context.Context, symbol, timeframe string, start, end time.Time) (*market.Series, error) {
	if symbol == "BOOM" {
		panic("bad bar")
	}
	return p.bars.Series(ctx, symbol, timeframe, start, end)
}

func TestRunnerPanicFailsOnlyThatSymbol(t *testing.T) {
	t.Parallel()

	r := newRunner(NewMemoryQueue(), newMemResults())
	r.Bars = panicBars{r.Bars.(bars)}

	var sum *Summary
	var err error
	require.NotPanics(t, func() {
		sum, err = r.Execute(context.Background(), Job{ID: "J1", StrategyID: "wave-rsi", Symbols: []string{"WAVE", "BOOM"}, Timeframe: "1h"})
	})
	require.NoError(t, err)
	require.Len(t, sum.Symbols, 2)
	assert.Equal(t, 8, sum.Symbols[0].Selected)
	assert.Equal(t, "BOOM", sum.Symbols[1].Symbol)
	assert.Contains(t, sum.Symbols[1].Err, "panic: bad bar")
}

func TestRunnerFailsWithNoWindows(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	r := newRunner(q, newMemResults())
	ctx := context.Background()

	j, err := q.Submit(ctx, Job{StrategyID: "wave-rsi", Symbols: []string{"TINY"}})
	require.NoError(t, err)

	claimed, err := r.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Message, ErrNoResults.Error())
}

func TestRunnerUnknownStrategyFails(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	r := newRunner(q, newMemResults())
	ctx := context.Background()

	j, err := q.Submit(ctx, Job{StrategyID: "missing", Symbols: []string{"WAVE"}})
	require.NoError(t, err)
	_, err = r.RunNext(ctx)
	require.NoError(t, err)

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRunnerJobParametersOverride(t *testing.T) {
	t.Parallel()

	r := newRunner(NewMemoryQueue(), newMemResults())
	sum, err := r.Execute(context.Background(), Job{
		ID:         "J1",
		StrategyID: "wave-rsi",
		Symbols:    []string{"WAVE"},
		Timeframe:  "1h",
		Parameters: Parameters{GridFrom: 1, GridTo: 2, GridStep: 1, Train: 300, Test: 100, Step: 100},
	})
	require.NoError(t, err)
	require.Len(t, sum.Symbols, 1)
	assert.Equal(t, 3, sum.Symbols[0].Windows)
	assert.Equal(t, 200, r.Optimizer.Config.Window.Train, "the shared optimizer is untouched")
}

func TestWorkStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	r := newRunner(q, newMemResults())
	ctx, cancel := context.WithCancel(context.Background())

	j, err := q.Submit(context.Background(), Job{StrategyID: "wave-rsi", Symbols: []string{"WAVE"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Work(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool {
		got, _ := q.Get(context.Background(), j.ID)
		return got.Status == StatusCompleted
	}, 30*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDirSources(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `
id: dip
entry_conditions:
  indicator: rsi
  operator: "<"
  threshold: 30
risk:
  stop_loss_pct: 2
  take_profit_pct: 4
  slippage_pct: 0.1
  max_position_pct: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dip.yaml"), []byte(doc), 0o644))
	csv := "time,open,high,low,close,volume,rsi\n" +
		"2024-01-01T00:00:00Z,100,101,99,100.5,10,45\n" +
		"2024-01-01T01:00:00Z,100.5,102,100,101.5,12,55\n" +
		"2024-01-01T02:00:00Z,101.5,103,101,102.5,9,65\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL_1h.csv"), []byte(csv), 0o644))

	cfg, err := StrategyDir(dir).Strategy(context.Background(), "dip")
	require.NoError(t, err)
	assert.Equal(t, "dip", cfg.ID)

	_, err = StrategyDir(dir).Strategy(context.Background(), "nope")
	assert.Error(t, err)

	start := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	s, err := CSVDir(dir).Series(context.Background(), "aapl", "1h", start, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "aapl", s.Symbol)

	_, err = CSVDir(dir).Series(context.Background(), "MSFT", "1h", time.Time{}, time.Time{})
	assert.Error(t, err)
}
