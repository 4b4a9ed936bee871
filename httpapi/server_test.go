package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/feed"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/jobs"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/ledger"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/market/markettest"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/perf"
)

type fixture struct {
	srv    *Server
	queue  *jobs.MemoryQueue
	ledger *ledger.Ledger
	posID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore(), 0.001, nil)
	p, err := l.Open(ctx, backtest.Position{
		StrategyID: "breakout",
		Symbol:     "AAPL",
		Direction:  market.Long,
		EntryPrice: 100,
		Quantity:   10,
		StopLoss:   98,
		TakeProfit: 105,
		OpenedAt:   markettest.Start,
	}, 100000, 10)
	require.NoError(t, err)

	runs, err := journal.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })
	require.NoError(t, runs.SaveResult(ctx, journal.Run{RunID: "R1", StrategyID: "breakout", Symbol: "AAPL", Timeframe: "1h"},
		&backtest.Result{Capital: 100000, Final: 101000, Metrics: perf.Metrics{Sharpe: 1.1}}))

	q := jobs.NewMemoryQueue()
	src := feed.NewStaticSource(nil, markettest.Closes("AAPL", 100, 101, 102))
	srv := New(q, l, src, runs, metrics.New())
	srv.Now = func() time.Time { return markettest.Start.Add(10 * time.Hour) }
	return &fixture{srv: srv, queue: q, ledger: l, posID: p.ID}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/jobs", `{
		"strategy_id": "breakout",
		"symbols": ["AAPL", "MSFT"],
		"start_date": "2024-01-01T00:00:00Z",
		"end_date": "2024-06-01T00:00:00Z",
		"parameters": {"grid_from": 1, "grid_to": 3, "grid_step": 0.5}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var j jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	assert.Equal(t, jobs.StatusPending, j.Status)
	assert.Equal(t, "/jobs/"+j.ID, rec.Header().Get("Location"))

	rec = f.do(t, http.MethodGet, "/jobs/"+j.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"AAPL", "MSFT"}, got.Symbols)
	assert.Equal(t, 3.0, got.Parameters.GridTo)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/nope", "").Code)
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"strategy_id":"s","symbols":["A"],"bogus":1}`},
		{"missing symbols", `{"strategy_id":"s"}`},
		{"bad objective", `{"strategy_id":"s","symbols":["A"],"parameters":{"objective":"omega"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestPositionsAndManualClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var open []ledger.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	require.Len(t, open, 1)
	assert.Equal(t, f.posID, open[0].ID)

	rec = f.do(t, http.MethodPost, "/positions/"+f.posID+"/close", `{"price": 1000000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "far from the latest close")
	assert.Contains(t, rec.Body.String(), string(guard.CodeExitPriceBand))

	rec = f.do(t, http.MethodPost, "/positions/"+f.posID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr backtest.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, backtest.ExitManual, tr.ExitReason)
	assert.Equal(t, 102.0, tr.ExitPrice, "latest feed close")

	rec = f.do(t, http.MethodPost, "/positions/"+f.posID+"/close", `{"price": 103}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/positions/missing/close", `{"price": 103}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/positions/"+f.posID+"/close", `{"price": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/positions", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []backtest.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Len(t, trades, 1)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/runs/R1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rs journal.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rs))
	assert.Equal(t, 1.1, rs.Metrics.Sharpe)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/runs/R9", "").Code)
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.do(t, http.MethodPost, "/jobs", `{"strategy_id":"s","symbols":["A"]}`)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wfengine_jobs_total")

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nowhere", "").Code)
}

func TestUnconfiguredStores(t *testing.T) {
	t.Parallel()

	srv := New(jobs.NewMemoryQueue(), nil, nil, nil, nil)
	for _, path := range []string{"/positions", "/trades", "/runs/R1"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
