package condition

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/strategy"
)

// DefaultBudget is the soft wall-clock budget for one live evaluation.
const DefaultBudget = 100 * time.Millisecond

// IndicatorCache serves precomputed indicator values for live bars.
type IndicatorCache interface {
	Get(symbol, timeframe string, at time.Time) (market.Indicators, bool)
}

// OverrunRecorder counts evaluations that exceeded their budget.
type OverrunRecorder interface {
	EvalOverrun(symbol string, elapsed, budget time.Duration)
}

// Live evaluates trees against a streaming window. Indicator values are
// read from Cache and never recomputed.
type Live struct {
	Cache    IndicatorCache
	Budget   time.Duration
	Now      func() time.Time
	Recorder OverrunRecorder
}

// NewLive returns a Live evaluator with the default budget and wall clock.
func NewLive(cache IndicatorCache, rec OverrunRecorder) *Live {
	return &Live{Cache: cache, Budget: DefaultBudget, Now: time.Now, Recorder: rec}
}

// Evaluate requires at least two bars, none forecast-sourced and none
// stamped after now. Going over budget is logged and counted; the result
// is still returned.
func (l *Live) Evaluate(tree *strategy.Node, window *market.Series) (bool, error) {
	now := l.now()
	start := now()

	if window.Len() < 2 {
		return false, &DataError{Mode: "live", Symbol: window.Symbol,
			Err: fmt.Errorf("need 2 bars, have %d: %w", window.Len(), market.ErrInsufficientBars)}
	}
	if err := market.CheckLive(window.Bars, start); err != nil {
		return false, &DataError{Mode: "live", Symbol: window.Symbol, Err: err}
	}

	// rows are fetched once per bar so each leaf reads a stable snapshot
	rows := make([]market.Indicators, len(window.Bars))
	fetched := make([]bool, len(window.Bars))
	lookup := func(name string, i int) (float64, bool) {
		if i < 0 || i >= len(rows) || l.Cache == nil {
			return 0, false
		}
		if !fetched[i] {
			rows[i], _ = l.Cache.Get(window.Symbol, window.Timeframe, window.Bars[i].Time)
			fetched[i] = true
		}
		v, ok := rows[i][name]
		return v, ok
	}
	result := Evaluate(tree, window.Len(), lookup)

	if elapsed := now().Sub(start); l.budget() > 0 && elapsed > l.budget() {
		log.Warn().
			Str("symbol", window.Symbol).
			Str("timeframe", window.Timeframe).
			Dur("elapsed", elapsed).
			Dur("budget", l.budget()).
			Msg("live evaluation over budget")
		if l.Recorder != nil {
			l.Recorder.EvalOverrun(window.Symbol, elapsed, l.budget())
		}
	}
	return result, nil
}

func (l *Live) now() func() time.Time {
	if l.Now == nil {
		return time.Now
	}
	return l.Now
}

func (l *Live) budget() time.Duration {
	if l.Budget == 0 {
		return DefaultBudget
	}
	return l.Budget
}

type cacheKey struct {
	symbol    string
	timeframe string
	at        int64
}

// MemoryCache is an in-process IndicatorCache.
type MemoryCache struct {
	mu   sync.RWMutex
	rows map[cacheKey]market.Indicators
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rows: make(map[cacheKey]market.Indicators)}
}

func (c *MemoryCache) Get(symbol, timeframe string, at time.Time) (market.Indicators, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[cacheKey{symbol, timeframe, at.UnixNano()}]
	return row, ok
}

// Put stores one bar's indicator row.
func (c *MemoryCache) Put(symbol, timeframe string, at time.Time, row market.Indicators) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[cacheKey{symbol, timeframe, at.UnixNano()}] = row
}

// PutSeries stores every indicator row of s.
func (c *MemoryCache) PutSeries(s *market.Series) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range s.Bars {
		if i < len(s.Indicators) {
			c.rows[cacheKey{s.Symbol, s.Timeframe, b.Time.UnixNano()}] = s.Indicators[i]
		}
	}
}
