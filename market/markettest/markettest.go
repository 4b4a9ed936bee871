// Package markettest builds deterministic bar series for tests.
package markettest

import (
	"math"
	"time"

	"github.com/rustyeddy/walkforward/market"
)

// Start is the first bar time used by the generators.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Closes builds a closed, verified hourly series from close prices. Each bar
// spans ±0.5% around its close and carries a "close" indicator equal to it.
func Closes(symbol string, closes ...float64) *market.Series {
	s := &market.Series{Symbol: symbol, Timeframe: "1h"}
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		s.Bars = append(s.Bars, market.Bar{
			Time:   Start.Add(time.Duration(i) * time.Hour),
			Open:   open,
			High:   math.Max(open, c) * 1.005,
			Low:    math.Min(open, c) * 0.995,
			Close:  c,
			Volume: 1000,
			Source: market.SourceVerified,
			Closed: true,
		})
		s.Indicators = append(s.Indicators, market.Indicators{"close": c})
	}
	return s
}

// Wave builds n bars oscillating around base with the given amplitude and
// period, plus a slow drift per bar. Indicators: "close", "rsi" (a bounded
// oscillator in [0,100]) and "sma_gap" (close minus a 5-bar mean).
func Wave(symbol string, n int, base, amplitude float64, period int, drift float64) *market.Series {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base + drift*float64(i) + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period))
	}
	s := Closes(symbol, closes...)
	for i := range s.Bars {
		phase := math.Sin(2 * math.Pi * float64(i) / float64(period))
		s.Indicators[i]["rsi"] = 50 + 40*phase
		sum, k := 0.0, 0
		for j := i; j >= 0 && j > i-5; j-- {
			sum += closes[j]
			k++
		}
		s.Indicators[i]["sma_gap"] = closes[i] - sum/float64(k)
	}
	return s
}

// Set overrides bar i's high and low.
func Set(s *market.Series, i int, high, low float64) {
	s.Bars[i].High = high
	s.Bars[i].Low = low
}
