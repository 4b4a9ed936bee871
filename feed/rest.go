package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/walkforward/market"
)

// granularities maps timeframes to the candles API granularity names.
var granularities = map[string]string{
	"5s": "S5", "1m": "M1", "5m": "M5", "15m": "M15", "30m": "M30",
	"1h": "H1", "2h": "H2", "4h": "H4", "1d": "D", "1w": "W",
}

type ohlc struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type candlesResp struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Complete bool   `json:"complete"`
		Time     string `json:"time"`
		Volume   int    `json:"volume"`
		Mid      *ohlc  `json:"mid,omitempty"`
		Bid      *ohlc  `json:"bid,omitempty"`
		Ask      *ohlc  `json:"ask,omitempty"`
	} `json:"candles"`
}

// RESTSource polls a v3 candles endpoint (/v3/instruments/{symbol}/candles)
// on every Bars call. Fetched bars go through the same buffers as the
// websocket feed, so a still-forming candle is replaced when it completes.
type RESTSource struct {
	*Buffers

	BaseURL string
	Token   string
	Price   string // M, B or A
	HTTP    *http.Client

	// Extra bars requested beyond n so Derive has warm-up history.
	Extra int
	// Derive, when set, adds indicator columns to each fetched batch
	// before it is buffered.
	Derive func(*market.Series)
}

func NewRESTSource(baseURL, token string, capacity int, sink IndicatorSink) *RESTSource {
	return &RESTSource{
		Buffers: NewBuffers(capacity, sink),
		BaseURL: baseURL,
		Token:   token,
		Price:   "M",
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RESTSource) Bars(ctx context.Context, symbol, timeframe string, n int) (*market.Series, error) {
	s, err := r.fetch(ctx, symbol, timeframe, n+r.Extra)
	if err != nil {
		return nil, err
	}
	if r.Derive != nil {
		r.Derive(s)
	}
	for i, b := range s.Bars {
		var row market.Indicators
		if i < len(s.Indicators) {
			row = s.Indicators[i]
		}
		r.Push(symbol, timeframe, b, row)
	}
	return r.Buffers.Bars(ctx, symbol, timeframe, n)
}

func (r *RESTSource) fetch(ctx context.Context, symbol, timeframe string, count int) (*market.Series, error) {
	if r.BaseURL == "" {
		return nil, fmt.Errorf("candles: missing base url")
	}
	gran, ok := granularities[timeframe]
	if !ok {
		return nil, fmt.Errorf("candles: no granularity for timeframe %q", timeframe)
	}
	price := strings.ToUpper(strings.TrimSpace(r.Price))
	if price == "" {
		price = "M"
	}

	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = fmt.Sprintf("/v3/instruments/%s/candles", symbol)
	q := u.Query()
	q.Set("granularity", gran)
	q.Set("price", price)
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	req.Header.Set("Accept", "application/json")

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("candles http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var cr candlesResp
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("candles decode: %w", err)
	}

	s := &market.Series{Symbol: symbol, Timeframe: timeframe}
	for _, cd := range cr.Candles {
		var px *ohlc
		switch price {
		case "M":
			px = cd.Mid
		case "B":
			px = cd.Bid
		case "A":
			px = cd.Ask
		default:
			return nil, fmt.Errorf("candles: price component %q not supported; use M, B or A", price)
		}
		if px == nil {
			continue
		}
		b, err := candleBar(cd.Time, cd.Complete, cd.Volume, px)
		if err != nil {
			return nil, fmt.Errorf("candles %s: %w", symbol, err)
		}
		s.Bars = append(s.Bars, b)
		s.Indicators = append(s.Indicators, market.Indicators{})
	}
	return s, nil
}

func candleBar(ts string, complete bool, volume int, px *ohlc) (market.Bar, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return market.Bar{}, fmt.Errorf("bad time %q: %w", ts, err)
	}
	b := market.Bar{
		Time:   t.UTC(),
		Volume: float64(volume),
		Source: market.SourceLive,
		Closed: complete,
	}
	for _, f := range []struct {
		s   string
		dst *float64
	}{
		{px.O, &b.Open}, {px.H, &b.High}, {px.L, &b.Low}, {px.C, &b.Close},
	} {
		if *f.dst, err = strconv.ParseFloat(f.s, 64); err != nil {
			return market.Bar{}, fmt.Errorf("bad price %q: %w", f.s, err)
		}
	}
	return b, nil
}
