package market

import (
	"fmt"
	"time"
)

// Indicators holds precomputed indicator values for a single bar, keyed by name.
type Indicators map[string]float64

// Series is an ordered bar slice for one symbol and timeframe with an
// index-aligned indicator row per bar. A Series is treated as immutable
// once built; Slice shares the backing arrays.
type Series struct {
	Symbol     string
	Timeframe  string
	Bars       []Bar
	Indicators []Indicators
}

func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Slice returns the half-open range [from, to) as a new Series header.
func (s *Series) Slice(from, to int) *Series {
	if from < 0 {
		from = 0
	}
	if to > len(s.Bars) {
		to = len(s.Bars)
	}
	if from > to {
		from = to
	}
	out := &Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Bars: s.Bars[from:to:to]}
	if len(s.Indicators) == len(s.Bars) {
		out.Indicators = s.Indicators[from:to:to]
	}
	return out
}

// Between returns the bars whose time falls within [start, end]. Zero times are open bounds.
func (s *Series) Between(start, end time.Time) *Series {
	from, to := 0, len(s.Bars)
	for from < to && !start.IsZero() && s.Bars[from].Time.Before(start) {
		from++
	}
	for to > from && !end.IsZero() && s.Bars[to-1].Time.After(end) {
		to--
	}
	return s.Slice(from, to)
}

// Indicator returns the named value for bar i.
func (s *Series) Indicator(name string, i int) (float64, bool) {
	if i < 0 || i >= len(s.Indicators) {
		return 0, false
	}
	v, ok := s.Indicators[i][name]
	return v, ok
}

// Closes returns the close prices.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// ClosedCount returns how many bars are complete.
func (s *Series) ClosedCount() int {
	n := 0
	for _, b := range s.Bars {
		if b.Closed {
			n++
		}
	}
	return n
}

// Validate checks ordering, OHLC sanity and indicator alignment.
func (s *Series) Validate() error {
	if s.Indicators != nil && len(s.Indicators) != len(s.Bars) {
		return fmt.Errorf("series %s: %d indicator rows for %d bars", s.Symbol, len(s.Indicators), len(s.Bars))
	}
	for i, b := range s.Bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("series %s: %w", s.Symbol, err)
		}
		if i > 0 && !b.Time.After(s.Bars[i-1].Time) {
			return fmt.Errorf("series %s at index %d: %w", s.Symbol, i, ErrUnordered)
		}
	}
	return nil
}

// CheckLive verifies that every bar may feed a live decision at now:
// none is forecast-sourced and none is stamped after now.
func CheckLive(bars []Bar, now time.Time) error {
	for _, b := range bars {
		if b.Source == SourceForecast {
			return fmt.Errorf("%s: %w", b.Time.Format(time.RFC3339), ErrForecastBar)
		}
		if b.Time.After(now) {
			return fmt.Errorf("%s > %s: %w", b.Time.Format(time.RFC3339), now.Format(time.RFC3339), ErrFutureBar)
		}
	}
	return nil
}
