package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/stream"
)

const DefaultMarketWSSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

type MarketSubscribeRequest struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids,omitempty"`
}

type MarketSubscriptionUpdate struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// WSClient is one market channel connection. The first Subscribe opens the
// feed; later calls adjust it.
type WSClient struct {
	url  string
	conn *websocket.Conn

	mu     sync.Mutex
	opened bool
}

func NewWSClient(url string) *WSClient {
	if strings.TrimSpace(url) == "" {
		url = DefaultMarketWSSURL
	}
	return &WSClient{url: url}
}

func (c *WSClient) Connect(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("ws client is nil")
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	// Polymarket book updates can be large; raise read limit above default.
	conn.SetReadLimit(2 << 20) // 2MB
	c.conn = conn
	return nil
}

func (c *WSClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if opened {
		return c.UpdateMarketSubscription(ctx, assetIDs, "subscribe")
	}
	if err := c.SubscribeMarket(ctx, assetIDs); err != nil {
		return err
	}
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

func (c *WSClient) Unsubscribe(ctx context.Context, assetIDs []string) error {
	return c.UpdateMarketSubscription(ctx, assetIDs, "unsubscribe")
}

func (c *WSClient) SubscribeMarket(ctx context.Context, assetIDs []string) error {
	return c.writeJSON(ctx, MarketSubscribeRequest{
		Type:      "market",
		AssetsIDs: assetIDs,
	})
}

func (c *WSClient) UpdateMarketSubscription(ctx context.Context, assetIDs []string, operation string) error {
	op := strings.ToLower(strings.TrimSpace(operation))
	if op != "subscribe" && op != "unsubscribe" {
		return fmt.Errorf("invalid operation: %s", operation)
	}
	return c.writeJSON(ctx, MarketSubscriptionUpdate{
		AssetsIDs: assetIDs,
		Operation: op,
	})
}

func (c *WSClient) writeJSON(ctx context.Context, v any) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("ws not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// Ping sends the application level heartbeat; the venue answers "PONG".
func (c *WSClient) Ping(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.conn.Write(ctx, websocket.MessageText, []byte("PING"))
}

func (c *WSClient) Read(ctx context.Context) ([]stream.Event, error) {
	if c == nil || c.conn == nil {
		return nil, fmt.Errorf("ws not connected")
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if isPingPayload(data) {
		if err := c.respondPong(ctx); err != nil {
			return nil, err
		}
		return []stream.Event{{Kind: stream.EventHeartbeat}}, nil
	}
	return DecodeMarketFrame(data)
}

func (c *WSClient) respondPong(ctx context.Context) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte("PONG"))
}

func isPingPayload(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	if strings.EqualFold(s, "ping") {
		return true
	}
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var probe struct {
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return strings.EqualFold(probe.Type, "ping") || strings.EqualFold(probe.EventType, "ping")
}

// Venue is the Polymarket CLOB market feed with REST price polling as the
// fallback.
type Venue struct {
	wsURL string
	rest  *Client
	clock clock.Clock
}

func NewVenue(cfg config.PolyConfig, clk clock.Clock) *Venue {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Venue{
		wsURL: cfg.WSURL,
		rest:  NewClient(&http.Client{Timeout: timeout}, cfg.RESTURL),
		clock: clock.OrReal(clk),
	}
}

func (v *Venue) Name() string { return models.VenuePolymarket }

func (v *Venue) Dial(ctx context.Context) (stream.Conn, error) {
	c := NewWSClient(v.wsURL)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (v *Venue) Poll(ctx context.Context, ids []string) ([]stream.Event, error) {
	prices, err := v.rest.GetPrices(ctx, ids, "BUY")
	if err != nil && len(prices) == 0 {
		return nil, err
	}
	now := v.clock.Now()
	out := make([]stream.Event, 0, len(prices))
	for _, id := range ids {
		p, ok := prices[id]
		if !ok {
			continue
		}
		out = append(out, stream.Event{Kind: stream.EventPrice, AssetID: id, Price: p, TS: now})
	}
	return out, nil
}
