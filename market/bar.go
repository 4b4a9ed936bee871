package market

import (
	"fmt"
	"math"
	"time"
)

// Source tags where a bar came from.
type Source string

const (
	SourceVerified Source = "verified"
	SourceLive     Source = "live"
	SourceForecast Source = "forecast"
)

// ParseSource maps a feed tag to a Source. An empty tag is treated as verified.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceVerified:
		return SourceVerified, nil
	case SourceLive:
		return SourceLive, nil
	case SourceForecast:
		return SourceForecast, nil
	}
	return "", fmt.Errorf("unknown bar source %q", s)
}

// Bar is one OHLCV interval. Closed is false while the interval is still forming.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Source Source    `json:"source"`
	Closed bool      `json:"closed"`
}

// Validate checks OHLC sanity.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s: non-finite value", b.Time.Format(time.RFC3339))
		}
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("bar %s: prices must be positive", b.Time.Format(time.RFC3339))
	}
	if b.Low > b.High || b.Open > b.High || b.Close > b.High || b.Open < b.Low || b.Close < b.Low {
		return fmt.Errorf("bar %s: ohlc out of order (o=%g h=%g l=%g c=%g)",
			b.Time.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume", b.Time.Format(time.RFC3339))
	}
	return nil
}

// Direction is the side of a position: +1 long, -1 short.
type Direction int8

const (
	Long  Direction = +1
	Short Direction = -1
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// ParseDirection accepts "long"/"short" (and "buy"/"sell").
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
