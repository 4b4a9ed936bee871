package walkforward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/market/markettest"
)

func TestOutOfSampleUsesTestRangesOnly(t *testing.T) {
	t.Parallel()

	s := markettest.Wave("WAVE", 600, 100, 6, 37, 0.02)
	base := baseStrategy()
	opt := New(testConfig(), nil, nil)

	res := &Result{Symbol: "WAVE", StrategyID: base.ID, Windows: []WindowResult{
		{Window: Window{ID: 0, TrainStart: 0, TrainEnd: 200, TestStart: 200, TestEnd: 250}, Selected: &Candidate{Value: 1}},
		{Window: Window{ID: 1, TrainStart: 50, TrainEnd: 250, TestStart: 250, TestEnd: 300}},
		{Window: Window{ID: 2, TrainStart: 100, TrainEnd: 300, TestStart: 300, TestEnd: 350}, Selected: &Candidate{Value: 4}},
	}}

	got, err := opt.OutOfSample(s, base, res)
	require.NoError(t, err)

	first, err := backtest.Simulate(s.Slice(200, 250), ATRMultiplier(base, 1), backtest.Options{})
	require.NoError(t, err)
	second, err := backtest.Simulate(s.Slice(300, 350), ATRMultiplier(base, 4), backtest.Options{Capital: first.Final})
	require.NoError(t, err)

	assert.Equal(t, s.Bars[200].Time, got.Start)
	assert.Equal(t, s.Bars[349].Time, got.End)
	assert.Equal(t, backtest.DefaultCapital, got.Capital)
	assert.InDelta(t, second.Final, got.Final, 1e-9)
	assert.Len(t, got.Equity, 100)
	assert.Len(t, got.Trades, len(first.Trades)+len(second.Trades))
	assert.Len(t, got.Windows, 2)
	assert.Equal(t, len(got.Trades), got.Metrics.Trades)

	for _, tr := range got.Trades {
		inFirst := !tr.OpenedAt.Before(s.Bars[200].Time) && tr.ExitTime.Before(s.Bars[250].Time)
		inThird := !tr.OpenedAt.Before(s.Bars[300].Time) && tr.ExitTime.Before(s.Bars[350].Time)
		assert.True(t, inFirst || inThird, "trade %s outside the selected test ranges", tr.ID)
	}
}

func TestOutOfSampleNeedsASelection(t *testing.T) {
	t.Parallel()

	s := markettest.Wave("WAVE", 300, 100, 6, 37, 0)
	res := &Result{Windows: []WindowResult{
		{Window: Window{TestStart: 200, TestEnd: 250}, LowData: true},
	}}

	_, err := New(testConfig(), nil, nil).OutOfSample(s, baseStrategy(), res)
	assert.ErrorIs(t, err, ErrNoSelection)
}
