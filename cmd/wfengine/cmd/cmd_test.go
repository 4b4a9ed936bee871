package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/config"
	"github.com/rustyeddy/walkforward/jobs"
)

const strategyDoc = `
id: breakout
entry_conditions: {indicator: px, operator: ">", threshold: 104}
exit_conditions: {indicator: px, operator: "<", threshold: 100}
risk:
  stop_loss_pct: 2
  take_profit_pct: 5
  slippage_pct: 0.1
  max_position_pct: 10
`

// writeBars writes an hourly bar file with a px indicator equal to the close.
func writeBars(t *testing.T, dir, name string, closes ...float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("time,open,high,low,close,volume,source,closed,px\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		fmt.Fprintf(&b, "%s,%g,%g,%g,%g,1000,verified,true,%g\n",
			start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), c, c+0.5, c-0.5, c, c)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestSymbolFromPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"data/AAPL_1h.csv":      "AAPL",
		"data/msft_1d.csv.lzma": "MSFT",
		"eurusd.csv":            "EURUSD",
	}
	for in, want := range tests {
		assert.Equal(t, want, symbolFromPath(in), in)
	}
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	start, end, err := parseRange("2024-01-01T00:00:00Z", "")
	require.NoError(t, err)
	assert.Equal(t, 2024, start.Year())
	assert.True(t, end.IsZero())

	_, _, err = parseRange("yesterday", "")
	assert.ErrorContains(t, err, "--from")
}

func TestCSVFeedServesTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeBars(t, dir, "AAPL_1h.csv", 100, 101, 102, 103)

	s, err := csvFeed(dir).Bars(context.Background(), "aapl", "1h", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{102, 103}, s.Closes())

	_, err = csvFeed(dir).Bars(context.Background(), "MSFT", "1h", 2)
	assert.Error(t, err)
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	stratPath := filepath.Join(dir, "breakout.yaml")
	require.NoError(t, os.WriteFile(stratPath, []byte(strategyDoc), 0o644))
	bars := writeBars(t, dir, "AAPL_1h.csv", 100, 102, 105, 106, 107, 108, 99, 98, 97, 96)
	report := filepath.Join(dir, "run.org")
	csvDir := filepath.Join(dir, "csv")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"backtest", "-s", stratPath, "-b", bars, "--report", report, "--csv", csvDir, "--log-level", "warn"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "breakout AAPL 1h")
	assert.Contains(t, out.String(), "Trades:")

	body, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(body), "BACKTEST")

	files, err := filepath.Glob(filepath.Join(csvDir, "*_trades.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDerivedBarsAddsColumns(t *testing.T) {
	dir := t.TempDir()
	writeBars(t, dir, "AAPL_1h.csv", 100, 101, 102, 103, 104)

	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = config.Default()
	cfg.Simulation.Derive = []string{"sma:3"}

	start := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	s, err := derivedBars{jobs.CSVDir(dir)}.Series(context.Background(), "AAPL", "1h", start, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	v, ok := s.Indicator("sma_3", 0)
	require.True(t, ok, "warmed up on bars before the range")
	assert.InDelta(t, 102.0, v, 1e-9)
	v, ok = s.Indicator("px", 1)
	require.True(t, ok)
	assert.Equal(t, 104.0, v)
}
