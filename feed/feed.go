// Package feed supplies recent bars to the live paper-trading cycle.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/walkforward/market"
)

// ErrNoData means the source holds no bars for the requested stream.
var ErrNoData = errors.New("no bars for stream")

// Source returns up to n of the most recent bars for a stream, oldest first.
type Source interface {
	Bars(ctx context.Context, symbol, timeframe string, n int) (*market.Series, error)
}

// IndicatorSink receives the precomputed indicator row delivered with a bar.
type IndicatorSink interface {
	Put(symbol, timeframe string, at time.Time, row market.Indicators)
}

type streamKey struct {
	symbol    string
	timeframe string
}

// buffer keeps one stream's bars sorted by time, bounded to capacity.
type buffer struct {
	bars []market.Bar
	rows []market.Indicators
}

// upsert inserts b in time order. A bar with an existing timestamp replaces
// it, which is how a forming bar is updated until it closes.
func (buf *buffer) upsert(b market.Bar, row market.Indicators, capacity int) {
	i := sort.Search(len(buf.bars), func(i int) bool { return !buf.bars[i].Time.Before(b.Time) })
	if i < len(buf.bars) && buf.bars[i].Time.Equal(b.Time) {
		buf.bars[i] = b
		buf.rows[i] = row
		return
	}
	buf.bars = append(buf.bars, market.Bar{})
	buf.rows = append(buf.rows, nil)
	copy(buf.bars[i+1:], buf.bars[i:])
	copy(buf.rows[i+1:], buf.rows[i:])
	buf.bars[i] = b
	buf.rows[i] = row

	if capacity > 0 && len(buf.bars) > capacity {
		drop := len(buf.bars) - capacity
		buf.bars = append([]market.Bar(nil), buf.bars[drop:]...)
		buf.rows = append([]market.Indicators(nil), buf.rows[drop:]...)
	}
}

func (buf *buffer) last(symbol, timeframe string, n int) *market.Series {
	from := 0
	if n > 0 && len(buf.bars) > n {
		from = len(buf.bars) - n
	}
	return &market.Series{
		Symbol:     symbol,
		Timeframe:  timeframe,
		Bars:       append([]market.Bar(nil), buf.bars[from:]...),
		Indicators: append([]market.Indicators(nil), buf.rows[from:]...),
	}
}

// Buffers is a concurrency-safe set of per-stream bar buffers. It is the
// storage behind both StaticSource and WSSource.
type Buffers struct {
	mu       sync.RWMutex
	streams  map[streamKey]*buffer
	Capacity int
	Sink     IndicatorSink
}

// DefaultCapacity bounds each stream's buffer.
const DefaultCapacity = 1000

func NewBuffers(capacity int, sink IndicatorSink) *Buffers {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffers{streams: make(map[streamKey]*buffer), Capacity: capacity, Sink: sink}
}

// Push records one bar and forwards its indicator row to the sink.
func (b *Buffers) Push(symbol, timeframe string, bar market.Bar, row market.Indicators) {
	b.mu.Lock()
	k := streamKey{symbol, timeframe}
	buf, ok := b.streams[k]
	if !ok {
		buf = &buffer{}
		b.streams[k] = buf
	}
	buf.upsert(bar, row, b.Capacity)
	b.mu.Unlock()

	if b.Sink != nil && row != nil {
		b.Sink.Put(symbol, timeframe, bar.Time, row)
	}
}

// Bars implements Source.
func (b *Buffers) Bars(ctx context.Context, symbol, timeframe string, n int) (*market.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf, ok := b.streams[streamKey{symbol, timeframe}]
	if !ok || len(buf.bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrNoData)
	}
	return buf.last(symbol, timeframe, n), nil
}

// StaticSource serves bars loaded up front, e.g. from CSV files.
type StaticSource struct {
	*Buffers
}

func NewStaticSource(sink IndicatorSink, series ...*market.Series) *StaticSource {
	s := &StaticSource{Buffers: NewBuffers(0, sink)}
	for _, ser := range series {
		s.Add(ser)
	}
	return s
}

// Add loads every bar of ser.
func (s *StaticSource) Add(ser *market.Series) {
	if ser.Len() > s.Capacity {
		s.Capacity = ser.Len()
	}
	for i, b := range ser.Bars {
		var row market.Indicators
		if i < len(ser.Indicators) {
			row = ser.Indicators[i]
		}
		s.Push(ser.Symbol, ser.Timeframe, b, row)
	}
}
