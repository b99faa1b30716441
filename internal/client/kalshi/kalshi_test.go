package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/stream"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func verify(t *testing.T, key *rsa.PrivateKey, h http.Header, method, path string) {
	t.Helper()
	sig, err := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(h.Get(HeaderTimestamp) + method + path))
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: 32}); err != nil {
		t.Fatalf("signature does not verify for %s %s: %v", method, path, err)
	}
}

func TestSignerHeaders(t *testing.T) {
	key := testKey(t)
	s, err := NewSigner("key-1", key)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	if err := s.Apply(h, ts, http.MethodGet, "/trade-api/ws/v2"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if h.Get(HeaderKey) != "key-1" || h.Get(HeaderTimestamp) != strconv.FormatInt(ts.UnixMilli(), 10) {
		t.Fatalf("unexpected headers %v", h)
	}
	verify(t, key, h, http.MethodGet, "/trade-api/ws/v2")

	if _, err := NewSigner("", key); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestLoadSignerPKCS8(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "kalshi.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	s, err := LoadSigner("key-2", path)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if s.key.N.Cmp(key.N) != 0 {
		t.Fatalf("loaded a different key")
	}
	if _, err := LoadSigner("key-2", ""); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("missing path should be ErrNoCredentials, got %v", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	events, err := DecodeFrame([]byte(`{"type":"ticker","sid":1,"msg":{"market_ticker":"FED-25DEC","price":48,"yes_bid":47,"yes_ask":49,"ts":1764590400}}`))
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected YES and NO events, got %d", len(events))
	}
	yes, no := events[0], events[1]
	if yes.AssetID != "FED-25DEC" || yes.Price.String() != "0.48" || yes.BestBid.String() != "0.47" || yes.BestAsk.String() != "0.49" {
		t.Fatalf("unexpected yes event %+v", yes)
	}
	if no.AssetID != "FED-25DEC:NO" || no.Price.String() != "0.52" || no.BestBid.String() != "0.51" || no.BestAsk.String() != "0.53" {
		t.Fatalf("unexpected no event %+v", no)
	}

	events, err = DecodeFrame([]byte(`{"type":"trade","sid":2,"msg":{"trade_id":"t-1","market_ticker":"FED-25DEC","yes_price":36,"no_price":64,"count":136,"taker_side":"no","created_time":"2026-03-01T12:00:00Z"}}`))
	if err != nil || len(events) != 1 {
		t.Fatalf("trade: %+v %v", events, err)
	}
	tr := events[0]
	if tr.Kind != stream.EventTrade || tr.Price.String() != "0.36" || tr.Size.String() != "136" || tr.Side != "NO" || tr.TradeID != "t-1" {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if !tr.TS.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("trade ts = %s", tr.TS)
	}

	events, _ = DecodeFrame([]byte(`{"type":"subscribed","id":1,"msg":{"channel":"ticker","sid":1}}`))
	if len(events) != 1 || events[0].Kind != stream.EventHeartbeat {
		t.Fatalf("subscribed ack should be a heartbeat: %+v", events)
	}
	events, _ = DecodeFrame([]byte(`{"type":"error","id":3,"msg":{"code":8,"msg":"unknown ticker"}}`))
	if len(events) != 1 || events[0].Kind != stream.EventUnknown {
		t.Fatalf("error frame should be unknown: %+v", events)
	}
	if _, err := DecodeFrame([]byte(`not json`)); !errors.Is(err, stream.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestTickersOfDedupesNoIDs(t *testing.T) {
	got := tickersOf([]string{"B", "A:NO", "A", " "})
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("tickersOf = %v", got)
	}
}

func TestVenueDialSignsAndSubscribes(t *testing.T) {
	key := testKey(t)
	signer, _ := NewSigner("key-1", key)
	cmds := make(chan command, 2)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verify(t, key, r.Header, http.MethodGet, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		cmds <- cmd
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","sid":2,"msg":{"trade_id":"t-9","market_ticker":"A","yes_price":55,"count":3,"taker_side":"yes","ts":1764590400}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	v := NewVenue(config.KalshiConfig{
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/trade-api/ws/v2",
		RESTURL: srv.URL,
		Timeout: 2 * time.Second,
	}, signer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := v.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.Subscribe(ctx, []string{"A", "A:NO"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cmd := <-cmds
	if cmd.Cmd != "subscribe" || cmd.ID != 1 || len(cmd.Params.MarketTickers) != 1 || cmd.Params.MarketTickers[0] != "A" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(cmd.Params.Channels) != 2 {
		t.Fatalf("channels = %v", cmd.Params.Channels)
	}
	events, err := conn.Read(ctx)
	if err != nil || len(events) != 1 || events[0].TradeID != "t-9" {
		t.Fatalf("read: %+v %v", events, err)
	}
}

func TestVenuePollUsesMarketsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/markets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("tickers"); got != "A,B" {
			t.Errorf("tickers = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"markets": []map[string]any{
				{"ticker": "A", "yes_bid": 40, "yes_ask": 42, "last_price": 41, "status": "active"},
				{"ticker": "B", "yes_bid": 0, "yes_ask": 0, "last_price": 0, "status": "active"},
			},
			"cursor": "",
		})
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVenue(config.KalshiConfig{RESTURL: srv.URL + "/trade-api/v2"}, nil, clock.NewManual(now))
	events, err := v.Poll(context.Background(), []string{"B", "A", "A:NO"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected YES and NO for A only, got %+v", events)
	}
	if events[0].AssetID != "A" || events[0].Price.String() != "0.41" || !events[0].TS.Equal(now) {
		t.Fatalf("unexpected yes %+v", events[0])
	}
	if events[1].AssetID != "A:NO" || events[1].Price.String() != "0.59" {
		t.Fatalf("unexpected no %+v", events[1])
	}
}
