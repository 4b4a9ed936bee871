package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/market/markettest"
)

func barAt(h int, c float64) market.Bar {
	return market.Bar{
		Time:   markettest.Start.Add(time.Duration(h) * time.Hour),
		Open:   c,
		High:   c + 1,
		Low:    c - 1,
		Close:  c,
		Source: market.SourceLive,
		Closed: true,
	}
}

func TestBuffersOrderingAndReplace(t *testing.T) {
	t.Parallel()

	b := NewBuffers(3, nil)
	b.Push("AAPL", "1h", barAt(2, 102), nil)
	b.Push("AAPL", "1h", barAt(0, 100), nil)
	b.Push("AAPL", "1h", barAt(1, 101), nil)

	s, err := b.Bars(context.Background(), "AAPL", "1h", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 102}, s.Closes())

	forming := barAt(2, 105)
	forming.Closed = false
	b.Push("AAPL", "1h", forming, nil)
	s, err = b.Bars(context.Background(), "AAPL", "1h", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 105}, s.Closes())
	assert.False(t, s.Bars[2].Closed)

	b.Push("AAPL", "1h", barAt(3, 103), nil)
	s, err = b.Bars(context.Background(), "AAPL", "1h", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{105, 103}, s.Closes())

	s, err = b.Bars(context.Background(), "AAPL", "1h", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len(), "capacity drops the oldest bar")

	_, err = b.Bars(context.Background(), "MSFT", "1h", 2)
	assert.ErrorIs(t, err, ErrNoData)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Bars(ctx, "AAPL", "1h", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticSourceFeedsSink(t *testing.T) {
	t.Parallel()

	cache := condition.NewMemoryCache()
	ser := markettest.Closes("AAPL", 100, 101, 102, 103)
	src := NewStaticSource(cache, ser)

	s, err := src.Bars(context.Background(), "AAPL", "1h", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{102, 103}, s.Closes())
	require.Len(t, s.Indicators, 2)
	assert.Equal(t, 103.0, s.Indicators[1]["close"])

	row, ok := cache.Get("AAPL", "1h", ser.Bars[3].Time)
	require.True(t, ok)
	assert.Equal(t, 103.0, row["close"])
}

func TestWSSourceStreamsBars(t *testing.T) {
	t.Parallel()

	subs := make(chan Subscribe, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub Subscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		for h, c := range []float64{100, 101, 102} {
			_ = conn.WriteJSON(Message{
				Symbol:     "AAPL",
				Timeframe:  "1h",
				Bar:        barAt(h, c),
				Indicators: market.Indicators{"rsi": 40 + float64(h)},
			})
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	cache := condition.NewMemoryCache()
	ws := NewWSSource("ws"+strings.TrimPrefix(srv.URL, "http"), 100, cache)
	require.NoError(t, ws.Connect(context.Background(), "1h", "AAPL"))
	defer ws.Close()

	sub := <-subs
	assert.Equal(t, "subscribe", sub.Action)
	assert.Equal(t, []string{"AAPL"}, sub.Symbols)

	select {
	case <-ws.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not stop")
	}

	s, err := ws.Bars(context.Background(), "AAPL", "1h", 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 102}, s.Closes())

	row, ok := cache.Get("AAPL", "1h", markettest.Start.Add(2*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 42.0, row["rsi"])
}
