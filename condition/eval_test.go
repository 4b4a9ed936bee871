package condition

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/market/markettest"
	"github.com/rustyeddy/walkforward/strategy"
)

func series(vals ...float64) *market.Series {
	s := markettest.Closes("TEST", vals...)
	for i, v := range vals {
		s.Indicators[i]["x"] = v
	}
	return s
}

func TestLeafOperators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   strategy.Operator
		thr  float64
		vals []float64
		want bool
	}{
		{"gt_true", strategy.GT, 10, []float64{11}, true},
		{"gt_equal", strategy.GT, 10, []float64{10}, false},
		{"gte_equal", strategy.GTE, 10, []float64{10}, true},
		{"lt_true", strategy.LT, 10, []float64{9}, true},
		{"lte_equal", strategy.LTE, 10, []float64{10}, true},
		{"cross_above", strategy.CrossesAbove, 10, []float64{9, 11}, true},
		{"cross_above_from_equal", strategy.CrossesAbove, 10, []float64{10, 11}, true},
		{"already_above", strategy.CrossesAbove, 10, []float64{11, 12}, false},
		{"cross_above_single_bar", strategy.CrossesAbove, 10, []float64{11}, false},
		{"cross_below", strategy.CrossesBelow, 10, []float64{11, 9}, true},
		{"cross_below_stays", strategy.CrossesBelow, 10, []float64{9, 8}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := series(tt.vals...)
			got := Evaluate(strategy.Leaf("x", tt.op, tt.thr), s.Len(), s.Indicator)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingIndicatorIsFalse(t *testing.T) {
	t.Parallel()

	s := series(1, 2)
	assert.False(t, Evaluate(strategy.Leaf("nope", strategy.GT, -1e9), s.Len(), s.Indicator))
	assert.False(t, Evaluate(strategy.Leaf("nope", strategy.CrossesAbove, 0), s.Len(), s.Indicator))
	assert.False(t, Evaluate(nil, s.Len(), s.Indicator))
}

func TestBranchLogic(t *testing.T) {
	t.Parallel()

	yes := strategy.Leaf("x", strategy.GT, 0)
	no := strategy.Leaf("x", strategy.LT, 0)

	tests := []struct {
		name string
		node *strategy.Node
		want bool
	}{
		{"and_all_true", strategy.AllOf(nil, yes, yes), true},
		{"and_one_false", strategy.AllOf(nil, yes, no), false},
		{"and_own_false", strategy.AllOf(no, yes), false},
		{"and_own_true", strategy.AllOf(yes, yes), true},
		{"or_any_true", strategy.AnyOf(nil, no, yes), true},
		{"or_all_false", strategy.AnyOf(nil, no, no), false},
		{"or_own_true", strategy.AnyOf(yes, no), true},
		{"nested", strategy.AllOf(nil, strategy.AnyOf(no, no, yes), yes), true},
	}

	s := series(5)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Evaluate(tt.node, s.Len(), s.Indicator))
		})
	}
}

func TestHistoricalPreconditions(t *testing.T) {
	t.Parallel()

	var h Historical
	_, err := h.Evaluate(strategy.Leaf("x", strategy.GT, 0), series())
	var de *DataError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, market.ErrInsufficientBars)

	open := series(1, 2, 3)
	open.Bars[2].Closed = false
	_, err = h.Evaluate(strategy.Leaf("x", strategy.GT, 0), open)
	assert.ErrorIs(t, err, market.ErrOpenBar)

	ok, err := h.Evaluate(strategy.Leaf("x", strategy.GT, 2), series(1, 2, 3))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateManyKeepsOrder(t *testing.T) {
	t.Parallel()

	s := series(1, 5, 2, 6, 3, 7, 4, 8)
	tree := strategy.Leaf("x", strategy.GT, 4.5)
	var windows []*market.Series
	for end := 1; end <= s.Len(); end++ {
		windows = append(windows, s.Slice(0, end))
	}

	got, err := Historical{Workers: 3}.EvaluateMany(context.Background(), tree, windows)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, false, true, false, true}, got)

	windows = append(windows, series())
	_, err = Historical{}.EvaluateMany(context.Background(), tree, windows)
	assert.ErrorIs(t, err, market.ErrInsufficientBars)
}

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type overruns struct {
	mu sync.Mutex
	n  int
}

func (o *overruns) EvalOverrun(string, time.Duration, time.Duration) {
	o.mu.Lock()
	o.n++
	o.mu.Unlock()
}

func TestLivePreconditions(t *testing.T) {
	t.Parallel()

	s := series(1, 2, 3)
	cache := NewMemoryCache()
	cache.PutSeries(s)
	live := NewLive(cache, nil)
	live.Now = func() time.Time { return markettest.Start.Add(24 * time.Hour) }
	tree := strategy.Leaf("x", strategy.GT, 0)

	_, err := live.Evaluate(tree, s.Slice(0, 1))
	assert.ErrorIs(t, err, market.ErrInsufficientBars)

	forecast := series(1, 2, 3)
	forecast.Bars[1].Source = market.SourceForecast
	_, err = live.Evaluate(tree, forecast)
	assert.ErrorIs(t, err, market.ErrForecastBar)

	live.Now = func() time.Time { return markettest.Start.Add(90 * time.Minute) }
	_, err = live.Evaluate(tree, s)
	assert.ErrorIs(t, err, market.ErrFutureBar)
	var de *DataError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "live", de.Mode)
}

func TestLiveOverBudgetStillReturns(t *testing.T) {
	t.Parallel()

	s := series(9, 11)
	cache := NewMemoryCache()
	cache.PutSeries(s)
	rec := &overruns{}
	clock := &fakeClock{t: markettest.Start.Add(48 * time.Hour), step: 250 * time.Millisecond}
	live := &Live{Cache: cache, Budget: 100 * time.Millisecond, Now: clock.Now, Recorder: rec}

	ok, err := live.Evaluate(strategy.Leaf("x", strategy.CrossesAbove, 10), s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rec.n)

	clock.step = 0
	_, err = live.Evaluate(strategy.Leaf("x", strategy.GT, 0), s)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.n)
}

var treeIndicators = []string{"close", "rsi", "sma_gap", "missing"}
var treeOps = []strategy.Operator{
	strategy.GT, strategy.LT, strategy.GTE, strategy.LTE, strategy.CrossesAbove, strategy.CrossesBelow,
}

func randomTree(r *rand.Rand, depth int) *strategy.Node {
	if depth == 0 || r.Intn(3) == 0 {
		ind := treeIndicators[r.Intn(len(treeIndicators))]
		thr := 0.0
		switch ind {
		case "close":
			thr = 95 + r.Float64()*10
		case "rsi":
			thr = r.Float64() * 100
		default:
			thr = r.Float64()*4 - 2
		}
		return strategy.Leaf(ind, treeOps[r.Intn(len(treeOps))], thr)
	}
	var own *strategy.Node
	if r.Intn(2) == 0 {
		own = randomTree(r, 0)
	}
	children := make([]*strategy.Node, 1+r.Intn(3))
	for i := range children {
		children[i] = randomTree(r, depth-1)
	}
	if r.Intn(2) == 0 {
		return strategy.AllOf(own, children...)
	}
	return strategy.AnyOf(own, children...)
}

func TestHistoricalEqualsLive(t *testing.T) {
	t.Parallel()

	s := markettest.Wave("EQ", 120, 100, 4, 17, 0.01)
	cache := NewMemoryCache()
	cache.PutSeries(s)
	live := NewLive(cache, nil)
	live.Now = func() time.Time { return markettest.Start.Add(365 * 24 * time.Hour) }
	var hist Historical

	r := rand.New(rand.NewSource(42))
	trues := 0
	for k := 0; k < 500; k++ {
		tree := randomTree(r, 3)
		require.NoError(t, tree.Validate())
		from := r.Intn(s.Len() - 2)
		to := from + 2 + r.Intn(s.Len()-from-1)
		w := s.Slice(from, to)

		h, err := hist.Evaluate(tree, w)
		require.NoError(t, err)
		l, err := live.Evaluate(tree, w)
		require.NoError(t, err)
		require.Equal(t, h, l, "tree %d window [%d,%d)", k, from, to)
		if h {
			trues++
		}
	}
	assert.Greater(t, trues, 0)
}
