package indicators

import (
	"fmt"

	"github.com/rustyeddy/walkforward/market"
)

// SimpleMA is a streaming Simple Moving Average of closes. It keeps a
// ring of the last period closes and a running sum.
type SimpleMA struct {
	period int
	ring   []float64
	next   int
	filled int
	total  float64
}

func NewMA(period int) *SimpleMA {
	return &SimpleMA{period: period, ring: make([]float64, period)}
}

func (m *SimpleMA) Column() string { return fmt.Sprintf("sma_%d", m.period) }

func (m *SimpleMA) Warmup() int { return m.period }

func (m *SimpleMA) Reset() {
	clear(m.ring)
	m.next, m.filled, m.total = 0, 0, 0
}

func (m *SimpleMA) Update(b market.Bar) {
	if m.period <= 0 {
		return
	}
	m.total += b.Close - m.ring[m.next]
	m.ring[m.next] = b.Close
	m.next = (m.next + 1) % m.period
	if m.filled < m.period {
		m.filled++
	}
}

func (m *SimpleMA) Ready() bool { return m.period > 0 && m.filled == m.period }

func (m *SimpleMA) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.total / float64(m.period)
}

// ExponentialMA is a streaming Exponential Moving Average seeded with the
// SMA of its first period closes.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

func NewEMA(period int) *ExponentialMA {
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *ExponentialMA) Column() string { return fmt.Sprintf("ema_%d", e.period) }

func (e *ExponentialMA) Warmup() int { return e.period }

func (e *ExponentialMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *ExponentialMA) Update(b market.Bar) {
	if e.count < e.period {
		e.warmupSum += b.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (b.Close-e.ema)*e.multiplier + e.ema
}

func (e *ExponentialMA) Ready() bool { return e.count >= e.period }

func (e *ExponentialMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}
