package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/market/markettest"
)

func bars(hlc ...[3]float64) []market.Bar {
	out := make([]market.Bar, len(hlc))
	for i, v := range hlc {
		out[i] = market.Bar{High: v[0], Low: v[1], Close: v[2], Open: v[2], Closed: true}
	}
	return out
}

func closes(cs ...float64) []market.Bar {
	out := make([]market.Bar, len(cs))
	for i, c := range cs {
		out[i] = market.Bar{Open: c, High: c, Low: c, Close: c, Closed: true}
	}
	return out
}

func feed(ind Indicator, bs []market.Bar) {
	for _, b := range bs {
		ind.Update(b)
	}
}

func TestSimpleMAStreaming(t *testing.T) {
	t.Parallel()

	ma := NewMA(3)
	assert.Equal(t, "sma_3", ma.Column())
	assert.Equal(t, 3, ma.Warmup())
	assert.False(t, ma.Ready())
	assert.Equal(t, 0.0, ma.Value())

	bs := closes(102, 105, 106, 108)
	feed(ma, bs[:2])
	assert.False(t, ma.Ready())

	ma.Update(bs[2])
	require.True(t, ma.Ready())
	assert.InDelta(t, (102.0+105+106)/3, ma.Value(), 1e-9)

	ma.Update(bs[3])
	assert.InDelta(t, (105.0+106+108)/3, ma.Value(), 1e-9)

	ma.Reset()
	assert.False(t, ma.Ready())
	assert.Equal(t, 0.0, ma.Value())
}

func TestEMAStreaming(t *testing.T) {
	t.Parallel()

	ema := NewEMA(3)
	feed(ema, closes(102, 105, 106))
	require.True(t, ema.Ready())
	seed := (102.0 + 105 + 106) / 3
	assert.InDelta(t, seed, ema.Value(), 1e-9)

	ema.Update(closes(108)[0])
	assert.InDelta(t, (108-seed)*0.5+seed, ema.Value(), 1e-9)
}

func TestATR(t *testing.T) {
	t.Parallel()

	atr := NewATR(3)
	assert.Equal(t, 4, atr.Warmup())
	bs := bars(
		[3]float64{10, 8, 9},
		[3]float64{11, 9, 10},
		[3]float64{12, 10, 11},
		[3]float64{11, 9, 10},
		[3]float64{12, 10, 11},
		[3]float64{13, 11, 12},
	)
	feed(atr, bs[:3])
	assert.False(t, atr.Ready())
	feed(atr, bs[3:])
	require.True(t, atr.Ready())
	assert.InDelta(t, 2.0, atr.Value(), 1e-9)
}

func TestTrueRange(t *testing.T) {
	t.Parallel()

	current := market.Bar{High: 110, Low: 100, Close: 105}
	assert.Equal(t, 10.0, trueRange(current, market.Bar{Close: 104}))
	assert.Equal(t, 20.0, trueRange(current, market.Bar{Close: 120}), "gap down from the previous close")
}

func TestRSI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		period int
		closes []float64
		want   float64
	}{
		{"only gains", 3, []float64{1, 2, 3, 4}, 100},
		{"flat", 2, []float64{5, 5, 5}, 50},
		{"balanced", 2, []float64{10, 11, 10}, 50},
		{"wilder smoothing", 2, []float64{10, 11, 10, 12}, 100 - 100/6.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsi := NewRSI(tt.period)
			feed(rsi, closes(tt.closes...))
			require.True(t, rsi.Ready())
			assert.InDelta(t, tt.want, rsi.Value(), 1e-9)
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec    string
		column  string
		wantErr bool
	}{
		{"ema:20", "ema_20", false},
		{" SMA:5 ", "sma_5", false},
		{"ma:5", "sma_5", false},
		{"atr:14", "atr_14", false},
		{"rsi:14", "rsi_14", false},
		{"ema", "", true},
		{"ema:0", "", true},
		{"macd:12", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			ind, err := Parse(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.column, ind.Column())
		})
	}

	inds, err := ParseAll([]string{"ema:3", "", "rsi:2"})
	require.NoError(t, err)
	assert.Len(t, inds, 2)
}

func TestDerive(t *testing.T) {
	t.Parallel()

	s := markettest.Closes("X", 102, 105, 106, 108)
	Derive(s, NewMA(3), NewRSI(2))

	_, ok := s.Indicator("sma_3", 1)
	assert.False(t, ok, "no value while warming up")

	v, ok := s.Indicator("sma_3", 2)
	require.True(t, ok)
	assert.InDelta(t, (102.0+105+106)/3, v, 1e-9)

	v, ok = s.Indicator("rsi_2", 3)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	v, ok = s.Indicator("close", 3)
	require.True(t, ok, "existing columns are kept")
	assert.Equal(t, 108.0, v)
}

func TestDeriveFillsMissingRows(t *testing.T) {
	t.Parallel()

	s := &market.Series{Bars: closes(1, 2, 3)}
	Derive(s, NewEMA(2))
	require.Len(t, s.Indicators, 3)
	v, ok := s.Indicator("ema_2", 2)
	require.True(t, ok)
	assert.InDelta(t, 1.5+(3-1.5)*2.0/3, v, 1e-9)
}
