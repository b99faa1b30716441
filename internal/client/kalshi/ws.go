package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/stream"
)

const (
	DefaultWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	writeTimeout = 10 * time.Second
	tickerBatch  = 100
)

var channels = []string{"ticker", "trade"}

type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

type envelope struct {
	Type string          `json:"type"`
	ID   int64           `json:"id"`
	SID  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

type tickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	YesBid       int64  `json:"yes_bid"`
	YesAsk       int64  `json:"yes_ask"`
	Volume       *int64 `json:"volume"`
	TS           int64  `json:"ts"`
}

type tradeMsg struct {
	TradeID      string `json:"trade_id"`
	MarketTicker string `json:"market_ticker"`
	YesPrice     int64  `json:"yes_price"`
	Count        int64  `json:"count"`
	TakerSide    string `json:"taker_side"`
	TS           int64  `json:"ts"`
	CreatedTime  string `json:"created_time"`
}

// Conn is an authenticated market data connection.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  int64
}

func (c *Conn) send(cmd string, tickers []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nextID++
	payload, err := json.Marshal(command{
		ID:     c.nextID,
		Cmd:    cmd,
		Params: commandParams{Channels: channels, MarketTickers: tickers},
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Subscribe accepts YES tickers or derived NO ids; both map to the market
// ticker.
func (c *Conn) Subscribe(_ context.Context, ids []string) error {
	return c.send("subscribe", tickersOf(ids))
}

func (c *Conn) Unsubscribe(_ context.Context, ids []string) error {
	return c.send("unsubscribe", tickersOf(ids))
}

func (c *Conn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Conn) Read(ctx context.Context) ([]stream.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return DecodeFrame(data)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// DecodeFrame turns one stream message into events. Ticker updates emit
// the YES price and the derived NO price; trades are YES side.
func DecodeFrame(data []byte) ([]stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrMalformed, err)
	}
	switch env.Type {
	case "ticker", "ticker_v2":
		var m tickerMsg
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, fmt.Errorf("%w: ticker: %v", stream.ErrMalformed, err)
		}
		if m.MarketTicker == "" {
			return nil, nil
		}
		return tickerEvents(m), nil
	case "trade":
		var m tradeMsg
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			return nil, fmt.Errorf("%w: trade: %v", stream.ErrMalformed, err)
		}
		if m.MarketTicker == "" || m.YesPrice <= 0 {
			return nil, nil
		}
		return []stream.Event{{
			Kind:    stream.EventTrade,
			AssetID: m.MarketTicker,
			Price:   Cents(m.YesPrice),
			Size:    decimal.NewFromInt(m.Count),
			Side:    strings.ToUpper(m.TakerSide),
			TradeID: m.TradeID,
			TS:      tradeTime(m),
		}}, nil
	case "subscribed", "unsubscribed", "ok":
		return []stream.Event{{Kind: stream.EventHeartbeat}}, nil
	default:
		return []stream.Event{{Kind: stream.EventUnknown, Raw: data}}, nil
	}
}

func tickerEvents(m tickerMsg) []stream.Event {
	var ts time.Time
	if m.TS > 0 {
		ts = time.Unix(m.TS, 0).UTC()
	}
	quote := Market{YesBid: m.YesBid, YesAsk: m.YesAsk, LastPrice: m.Price}
	mid, ok := quote.Mid()
	if !ok {
		return nil
	}
	one := decimal.NewFromInt(1)
	yes := stream.Event{Kind: stream.EventPrice, AssetID: m.MarketTicker, Price: mid, TS: ts}
	no := stream.Event{Kind: stream.EventPrice, AssetID: NoTokenID(m.MarketTicker), Price: one.Sub(mid), TS: ts}
	if m.YesBid > 0 && m.YesAsk > 0 && m.YesAsk < 100 {
		bid, ask := Cents(m.YesBid), Cents(m.YesAsk)
		noBid, noAsk := one.Sub(ask), one.Sub(bid)
		yes.BestBid, yes.BestAsk = &bid, &ask
		no.BestBid, no.BestAsk = &noBid, &noAsk
	}
	return []stream.Event{yes, no}
}

func tradeTime(m tradeMsg) time.Time {
	if m.CreatedTime != "" {
		if ts, err := time.Parse(time.RFC3339, m.CreatedTime); err == nil {
			return ts.UTC()
		}
	}
	if m.TS > 0 {
		return time.Unix(m.TS, 0).UTC()
	}
	return time.Time{}
}

func tickersOf(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		t := MarketTicker(strings.TrimSpace(id))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Venue is the Kalshi stream plus /markets polling for the fallback.
type Venue struct {
	wsURL  string
	signer *Signer
	rest   *Client
	clock  clock.Clock
	dialer websocket.Dialer
}

func NewVenue(cfg config.KalshiConfig, signer *Signer, clk clock.Clock) *Venue {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Venue{
		wsURL:  wsURL,
		signer: signer,
		rest:   NewClient(&http.Client{Timeout: timeout}, cfg.RESTURL, signer, clk),
		clock:  clock.OrReal(clk),
		dialer: websocket.Dialer{HandshakeTimeout: timeout},
	}
}

func (v *Venue) Name() string { return models.VenueKalshi }

func (v *Venue) Dial(ctx context.Context) (stream.Conn, error) {
	headers := http.Header{}
	if v.signer != nil {
		path := "/trade-api/ws/v2"
		if u, err := url.Parse(v.wsURL); err == nil && u.Path != "" {
			path = u.Path
		}
		if err := v.signer.Apply(headers, v.clock.Now(), http.MethodGet, path); err != nil {
			return nil, fmt.Errorf("sign ws handshake: %w", err)
		}
	}
	conn, resp, err := v.dialer.DialContext(ctx, v.wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("kalshi ws dial (%d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(2 << 20)
	return &Conn{conn: conn}, nil
}

func (v *Venue) Poll(ctx context.Context, ids []string) ([]stream.Event, error) {
	tickers := tickersOf(ids)
	out := make([]stream.Event, 0, len(ids))
	now := v.clock.Now()
	for start := 0; start < len(tickers); start += tickerBatch {
		end := start + tickerBatch
		if end > len(tickers) {
			end = len(tickers)
		}
		markets, _, err := v.rest.ListMarkets(ctx, ListMarketsParams{Tickers: tickers[start:end], Limit: end - start})
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, m := range markets {
			for _, ev := range tickerEvents(tickerMsg{MarketTicker: m.Ticker, Price: m.LastPrice, YesBid: m.YesBid, YesAsk: m.YesAsk}) {
				ev.TS = now
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// Client exposes the REST client for catalog sync.
func (v *Venue) Client() *Client { return v.rest }
