package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/market"
)

// Message is one bar update on the wire.
type Message struct {
	Symbol     string            `json:"symbol"`
	Timeframe  string            `json:"timeframe"`
	Bar        market.Bar        `json:"bar"`
	Indicators market.Indicators `json:"indicators,omitempty"`
}

// Subscribe is sent once after connecting.
type Subscribe struct {
	Action    string   `json:"action"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
}

// WSSource streams bars from a websocket endpoint into per-stream buffers.
type WSSource struct {
	*Buffers

	url         string
	readTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	lastErr error
}

// NewWSSource prepares a client for url. Call Connect to start streaming.
func NewWSSource(url string, capacity int, sink IndicatorSink) *WSSource {
	return &WSSource{
		Buffers:     NewBuffers(capacity, sink),
		url:         url,
		readTimeout: 90 * time.Second,
		done:        make(chan struct{}),
	}
}

// Connect dials the endpoint, subscribes and starts the read loop.
func (ws *WSSource) Connect(ctx context.Context, timeframe string, symbols ...string) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	headers := http.Header{"User-Agent": []string{"wfengine-feed/1.0"}}

	conn, _, err := dialer.DialContext(ctx, ws.url, headers)
	if err != nil {
		return fmt.Errorf("feed dial %s: %w", ws.url, err)
	}
	sub := Subscribe{Action: "subscribe", Symbols: symbols, Timeframe: timeframe}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return fmt.Errorf("feed subscribe: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()

	log.Info().Str("url", ws.url).Strs("symbols", symbols).Str("timeframe", timeframe).Msg("feed connected")
	go ws.readLoop(conn)
	return nil
}

func (ws *WSSource) readLoop(conn *websocket.Conn) {
	defer close(ws.done)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("url", ws.url).Msg("feed read failed")
			}
			ws.mu.Lock()
			ws.lastErr = err
			ws.mu.Unlock()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("feed: bad message")
			continue
		}
		if msg.Symbol == "" || msg.Bar.Time.IsZero() {
			continue
		}
		if msg.Bar.Source == "" {
			msg.Bar.Source = market.SourceLive
		}
		ws.Push(msg.Symbol, msg.Timeframe, msg.Bar, msg.Indicators)
	}
}

// Err returns the error that stopped the read loop, if it has stopped.
func (ws *WSSource) Err() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.lastErr
}

// Done is closed when the read loop exits.
func (ws *WSSource) Done() <-chan struct{} { return ws.done }

// Close sends a close frame and drops the connection.
func (ws *WSSource) Close() error {
	ws.mu.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
