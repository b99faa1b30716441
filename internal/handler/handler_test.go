package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketpulse/internal/arbitrage"
	"marketpulse/internal/auth"
	"marketpulse/internal/clock"
	"marketpulse/internal/db"
	"marketpulse/internal/metrics"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
	gormrepository "marketpulse/internal/repository/gorm"
	"marketpulse/internal/service"
)

var now = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newStore(t *testing.T) *gormrepository.Store {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormrepository.New(conn.Gorm)
}

func seedMarket(t *testing.T, store *gormrepository.Store, venue, externalID, title string) (yes, no models.Token) {
	t.Helper()
	ctx := context.Background()
	m := models.Market{Venue: venue, ExternalID: externalID, Title: title, Status: models.MarketStatusActive}
	err := store.InTx(ctx, func(tx *gorm.DB) error {
		if err := store.UpsertMarketTx(ctx, tx, &m); err != nil {
			return err
		}
		return store.UpsertTokensTx(ctx, tx, []models.Token{
			{MarketID: m.ID, Outcome: models.OutcomeYes, Venue: venue, ExternalID: externalID + "-yes"},
			{MarketID: m.ID, Outcome: models.OutcomeNo, Venue: venue, ExternalID: externalID + "-no"},
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	tokens, err := store.ListTokensByMarketIDs(ctx, []uint64{m.ID})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	for _, tok := range tokens {
		if tok.Outcome == models.OutcomeYes {
			yes = tok
		} else {
			no = tok
		}
	}
	return yes, no
}

func do(t *testing.T, r http.Handler, method, path string, body any, header http.Header) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func TestMoversServesLatestSnapshot(t *testing.T) {
	store := newStore(t)
	yes, _ := seedMarket(t, store, models.VenuePolymarket, "m1", "Will it rain in Paris?")
	ctx := context.Background()
	older := now.Add(-time.Minute)
	for _, asOf := range []time.Time{older, now} {
		err := store.InsertMovers(ctx, []models.Mover{{
			AsOf:          asOf,
			WindowSeconds: models.Window1h,
			Rank:          1,
			TokenID:       yes.ID,
			MarketID:      yes.MarketID,
			PriceNow:      decimal.RequireFromString("0.46"),
			PriceThen:     decimal.RequireFromString("0.34"),
			MovePP:        12,
			Score:         4.2,
		}})
		if err != nil {
			t.Fatalf("insert movers: %v", err)
		}
	}

	r := gin.New()
	(&V2MoversHandler{Movers: store, Catalog: store}).Register(r)

	code, env := do(t, r, http.MethodGet, "/api/v2/movers?window=1h&limit=10", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, env.Message)
	}
	var items []moverItem
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatalf("decode movers: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected only the newest snapshot, got %d rows", len(items))
	}
	if items[0].Title != "Will it rain in Paris?" || items[0].Outcome != models.OutcomeYes || items[0].MovePP != 12 {
		t.Fatalf("unexpected mover %+v", items[0])
	}
	if env.Meta["as_of"] != now.Format(time.RFC3339) || env.Meta["window"] != "1h" {
		t.Fatalf("unexpected meta %v", env.Meta)
	}

	code, env = do(t, r, http.MethodGet, "/api/v2/movers?window=5m", nil, nil)
	if code != http.StatusOK || string(env.Data) != "[]" {
		t.Fatalf("empty window should be an empty list, got %d %s", code, env.Data)
	}
	if code, _ := do(t, r, http.MethodGet, "/api/v2/movers?window=2h", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("unsupported window should be 400, got %d", code)
	}
}

func TestAlertsListFilterAndAck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	err := store.InsertAlerts(ctx, []models.Alert{
		{ID: "a-1", TokenID: 1, MarketID: 1, Outcome: models.OutcomeYes, WindowSeconds: 3600, AlertType: models.AlertTypePriceMove, MovePP: 12, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "a-2", TokenID: 2, MarketID: 2, Outcome: models.OutcomeYes, WindowSeconds: 3600, AlertType: models.AlertTypeVolumeSpike, CreatedAt: now.Add(-30 * time.Minute)},
		{ID: "a-3", TokenID: 3, MarketID: 3, Outcome: models.OutcomeNo, WindowSeconds: 3600, AlertType: models.AlertTypePriceMove, MovePP: -15, CreatedAt: now.Add(-10 * time.Minute)},
	})
	if err != nil {
		t.Fatalf("insert alerts: %v", err)
	}
	r := gin.New()
	(&V2AlertsHandler{Repo: store, Clock: clock.NewManual(now)}).Register(r)

	code, env := do(t, r, http.MethodGet, "/api/v2/alerts?type=price_move&since=1h", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, env.Message)
	}
	var items []models.Alert
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a-3" {
		t.Fatalf("expected a-3 only, got %+v", items)
	}
	if env.Meta["total"] != float64(1) {
		t.Fatalf("total = %v", env.Meta["total"])
	}

	code, env = do(t, r, http.MethodGet, "/api/v2/alerts", nil, nil)
	if err := json.Unmarshal(env.Data, &items); err != nil || code != http.StatusOK {
		t.Fatalf("list all: %d %v", code, err)
	}
	if len(items) != 3 || items[0].ID != "a-3" || items[2].ID != "a-1" {
		t.Fatalf("expected newest first, got %+v", items)
	}

	if code, _ := do(t, r, http.MethodGet, "/api/v2/alerts?type=bogus", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad type should be 400, got %d", code)
	}
	if code, _ := do(t, r, http.MethodGet, "/api/v2/alerts?since=yesterday", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad since should be 400, got %d", code)
	}

	if code, env := do(t, r, http.MethodPost, "/api/v2/alerts/a-2/ack", nil, nil); code != http.StatusOK {
		t.Fatalf("ack: %d %s", code, env.Message)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/alerts/a-2/ack", nil, nil); code != http.StatusOK {
		t.Fatalf("second ack should be idempotent, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/alerts/missing/ack", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown alert should be 404, got %d", code)
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/alerts?acknowledged=false", nil, nil)
	if err := json.Unmarshal(env.Data, &items); err != nil || code != http.StatusOK || len(items) != 2 {
		t.Fatalf("unacknowledged list: %d %+v %v", code, items, err)
	}
}

func TestSpikesListAndAck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	spike := &models.VolumeSpike{
		TokenID:       1,
		MarketID:      1,
		DetectedAt:    now.Add(-time.Hour),
		CurrentVolume: decimal.NewFromInt(9000),
		AvgVolume:     decimal.NewFromInt(1000),
		Ratio:         9,
		Severity:      models.SeverityHigh,
	}
	if err := store.InsertSpike(ctx, spike); err != nil {
		t.Fatalf("insert spike: %v", err)
	}
	r := gin.New()
	(&V2SpikesHandler{Repo: store, Clock: clock.NewManual(now)}).Register(r)

	code, env := do(t, r, http.MethodGet, "/api/v2/spikes?severity=high", nil, nil)
	var items []models.VolumeSpike
	if err := json.Unmarshal(env.Data, &items); err != nil || code != http.StatusOK || len(items) != 1 {
		t.Fatalf("list: %d %+v %v", code, items, err)
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/spikes?severity=low", nil, nil)
	if err := json.Unmarshal(env.Data, &items); err != nil || code != http.StatusOK || len(items) != 0 {
		t.Fatalf("low filter: %d %+v %v", code, items, err)
	}
	if code, _ := do(t, r, http.MethodGet, "/api/v2/spikes?severity=none", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("none is not a listable severity, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/spikes/abc/ack", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("non numeric id should be 400, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/spikes/999/ack", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown spike should be 404, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/spikes/1/ack", nil, nil); code != http.StatusOK {
		t.Fatalf("ack should succeed, got %d", code)
	}
}

type stubExecutor struct {
	executed []uint64
}

func (s *stubExecutor) Execute(_ context.Context, id uint64) error {
	for _, done := range s.executed {
		if done == id {
			return repository.ErrNotFound
		}
	}
	s.executed = append(s.executed, id)
	return nil
}

func TestPairsAndOpportunities(t *testing.T) {
	store := newStore(t)
	polyYes, polyNo := seedMarket(t, store, models.VenuePolymarket, "poly-fed", "Fed cuts rates in June?")
	altYes, _ := seedMarket(t, store, models.VenueKalshi, "FED-JUN", "Fed cuts rates in June?")
	exec := &stubExecutor{}
	r := gin.New()
	(&V2ArbitrageHandler{
		Repo:     store,
		Matcher:  arbitrage.NewMatcher(store, store, 0.85, nil),
		Executor: exec,
	}).Register(r)

	code, env := do(t, r, http.MethodGet, "/api/v2/pairs/suggestions", nil, nil)
	var suggestions []arbitrage.Suggestion
	if err := json.Unmarshal(env.Data, &suggestions); err != nil || code != http.StatusOK {
		t.Fatalf("suggestions: %d %v", code, err)
	}
	if len(suggestions) != 1 || suggestions[0].PolyTokenID != polyYes.ID || suggestions[0].AltTokenID != altYes.ID {
		t.Fatalf("unexpected suggestions %+v", suggestions)
	}

	body := map[string]any{"poly_token_id": polyYes.ID, "alt_token_id": altYes.ID, "notes": "same question"}
	code, env = do(t, r, http.MethodPost, "/api/v2/pairs", body, nil)
	if code != http.StatusOK {
		t.Fatalf("create pair: %d %s", code, env.Message)
	}
	var pair models.MarketPair
	if err := json.Unmarshal(env.Data, &pair); err != nil || pair.ID == 0 || pair.MatchMethod != models.MatchManual {
		t.Fatalf("pair = %+v %v", pair, err)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/pairs", body, nil); code != http.StatusConflict {
		t.Fatalf("duplicate pair should be 409, got %d", code)
	}
	bad := map[string]any{"poly_token_id": polyNo.ID, "alt_token_id": altYes.ID}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/pairs", bad, nil); code != http.StatusBadRequest {
		t.Fatalf("NO token pair should be 400, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v2/pairs", map[string]any{"notes": "x"}, nil); code != http.StatusBadRequest {
		t.Fatalf("missing ids should be 400, got %d", code)
	}

	op := &models.ArbitrageOpportunity{
		PairID:       pair.ID,
		ArbType:      models.ArbYesNo,
		Status:       models.ArbStatusActive,
		PolyYes:      decimal.RequireFromString("0.40"),
		PolyNo:       decimal.RequireFromString("0.60"),
		AltYes:       decimal.RequireFromString("0.55"),
		AltNo:        decimal.RequireFromString("0.45"),
		TotalCost:    decimal.RequireFromString("0.85"),
		ProfitMargin: decimal.RequireFromString("0.15"),
		ProfitPct:    decimal.RequireFromString("17.647059"),
		DetectedAt:   now,
		UpdatedAt:    now,
	}
	if err := store.SaveOpportunity(context.Background(), op); err != nil {
		t.Fatalf("save opportunity: %v", err)
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/arbitrage?limit=5", nil, nil)
	var ops []models.ArbitrageOpportunity
	if err := json.Unmarshal(env.Data, &ops); err != nil || code != http.StatusOK || len(ops) != 1 || ops[0].ID != op.ID {
		t.Fatalf("opportunities: %d %+v %v", code, ops, err)
	}
	if code, _ := do(t, r, http.MethodPost, fmt.Sprintf("/api/v2/arbitrage/%d/execute", op.ID), nil, nil); code != http.StatusOK {
		t.Fatalf("execute: %d", code)
	}
	if code, _ := do(t, r, http.MethodPost, fmt.Sprintf("/api/v2/arbitrage/%d/execute", op.ID), nil, nil); code != http.StatusNotFound {
		t.Fatalf("second execute should be 404, got %d", code)
	}

	if code, _ := do(t, r, http.MethodDelete, "/api/v2/pairs/999", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown pair delete should be 404, got %d", code)
	}
	if code, _ := do(t, r, http.MethodDelete, fmt.Sprintf("/api/v2/pairs/%d", pair.ID), nil, nil); code != http.StatusOK {
		t.Fatalf("delete pair: %d", code)
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/pairs", nil, nil)
	var pairs []models.MarketPair
	if err := json.Unmarshal(env.Data, &pairs); err != nil || code != http.StatusOK || len(pairs) != 0 {
		t.Fatalf("active pairs after delete: %d %+v %v", code, pairs, err)
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/pairs?active=false", nil, nil)
	if err := json.Unmarshal(env.Data, &pairs); err != nil || code != http.StatusOK || len(pairs) != 1 || pairs[0].Active {
		t.Fatalf("all pairs: %d %+v %v", code, pairs, err)
	}
}

func TestInstrumentDetail(t *testing.T) {
	store := newStore(t)
	yes, _ := seedMarket(t, store, models.VenuePolymarket, "m1", "Snow in April?")
	ctx := context.Background()
	candles := []models.Candle{
		{TokenID: yes.ID, GranularitySeconds: models.Granularity1m, BucketStart: now.Add(-2 * time.Minute), Open: decimal.RequireFromString("0.4"), High: decimal.RequireFromString("0.45"), Low: decimal.RequireFromString("0.39"), Close: decimal.RequireFromString("0.44"), TickCount: 3, Final: true},
		{TokenID: yes.ID, GranularitySeconds: models.Granularity1m, BucketStart: now.Add(-time.Minute), Open: decimal.RequireFromString("0.44"), High: decimal.RequireFromString("0.5"), Low: decimal.RequireFromString("0.44"), Close: decimal.RequireFromString("0.5"), TickCount: 2},
		{TokenID: yes.ID, GranularitySeconds: models.Granularity1h, BucketStart: now.Truncate(time.Hour), Open: decimal.RequireFromString("0.4"), High: decimal.RequireFromString("0.5"), Low: decimal.RequireFromString("0.39"), Close: decimal.RequireFromString("0.5"), TickCount: 5},
	}
	if err := store.UpsertCandles(ctx, candles); err != nil {
		t.Fatalf("upsert candles: %v", err)
	}
	if err := store.UpsertMarketStats(ctx, []models.MarketStats{{TokenID: yes.ID, AvgMovePP: 1.2, StddevMovePP: 0.8, SampleCount: 14, HasSufficientData: true, ComputedAt: now}}); err != nil {
		t.Fatalf("upsert stats: %v", err)
	}

	r := gin.New()
	(&V2InstrumentsHandler{Catalog: store, Candles: store, Stats: store, Volumes: store, Clock: clock.NewManual(now)}).Register(r)

	code, env := do(t, r, http.MethodGet, fmt.Sprintf("/api/v2/instruments/%d?granularity=1m", yes.ID), nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, env.Message)
	}
	var detail instrumentDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Token.ID != yes.ID || detail.Market == nil || detail.Market.Title != "Snow in April?" {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if len(detail.Candles) != 2 || !detail.Candles[0].BucketStart.Before(detail.Candles[1].BucketStart) {
		t.Fatalf("expected two 1m candles oldest first, got %+v", detail.Candles)
	}
	if detail.Stats == nil || !detail.Stats.HasSufficientData {
		t.Fatalf("stats missing: %+v", detail.Stats)
	}
	if detail.Windows == nil {
		t.Fatalf("windows should be an empty list, not null")
	}

	code, env = do(t, r, http.MethodGet, fmt.Sprintf("/api/v2/instruments/%d?granularity=1h", yes.ID), nil, nil)
	if err := json.Unmarshal(env.Data, &detail); err != nil || code != http.StatusOK || len(detail.Candles) != 1 {
		t.Fatalf("1h candles: %d %+v %v", code, detail.Candles, err)
	}
	if code, _ := do(t, r, http.MethodGet, fmt.Sprintf("/api/v2/instruments/%d?granularity=2m", yes.ID), nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad granularity should be 400, got %d", code)
	}
	if code, _ := do(t, r, http.MethodGet, "/api/v2/instruments/404", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown instrument should be 404, got %d", code)
	}
}

type fakeRefresher struct {
	calls []uint64
}

func (f *fakeRefresher) Refresh(_ context.Context, tokenID uint64) (*models.MarketStats, error) {
	f.calls = append(f.calls, tokenID)
	return &models.MarketStats{TokenID: tokenID, SampleCount: 3, ComputedAt: now}, nil
}

func TestInstrumentDetailRefreshesMissingStats(t *testing.T) {
	store := newStore(t)
	yes, no := seedMarket(t, store, models.VenuePolymarket, "m1", "Snow in April?")
	ctx := context.Background()
	if err := store.UpsertMarketStats(ctx, []models.MarketStats{{TokenID: no.ID, SampleCount: 20, HasSufficientData: true, ComputedAt: now}}); err != nil {
		t.Fatalf("upsert stats: %v", err)
	}
	refresh := &fakeRefresher{}
	r := gin.New()
	(&V2InstrumentsHandler{Catalog: store, Stats: store, Refresh: refresh, Clock: clock.NewManual(now)}).Register(r)

	code, env := do(t, r, http.MethodGet, fmt.Sprintf("/api/v2/instruments/%d", yes.ID), nil, nil)
	var detail instrumentDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil || code != http.StatusOK {
		t.Fatalf("detail: %d %v", code, err)
	}
	if detail.Stats == nil || detail.Stats.TokenID != yes.ID || detail.Stats.SampleCount != 3 {
		t.Fatalf("stats not recomputed: %+v", detail.Stats)
	}

	// Stored stats are served as is.
	code, env = do(t, r, http.MethodGet, fmt.Sprintf("/api/v2/instruments/%d", no.ID), nil, nil)
	if err := json.Unmarshal(env.Data, &detail); err != nil || code != http.StatusOK {
		t.Fatalf("detail: %d %v", code, err)
	}
	if detail.Stats == nil || detail.Stats.SampleCount != 20 {
		t.Fatalf("stored stats: %+v", detail.Stats)
	}
	if len(refresh.calls) != 1 || refresh.calls[0] != yes.ID {
		t.Fatalf("refresh calls = %v", refresh.calls)
	}
}

type fixedSource []metrics.VenueSnapshot

func (s fixedSource) Snapshot() []metrics.VenueSnapshot { return s }

func TestStatusStaleFlag(t *testing.T) {
	recent := now.Add(-10 * time.Second)
	old := now.Add(-10 * time.Minute)
	src := fixedSource{
		{Venue: models.VenuePolymarket, Connected: true, Mode: metrics.ModeStreaming, LastMessageAt: &recent, MessageRate: 12.5},
		{Venue: models.VenueKalshi, Mode: metrics.ModePollingFallback, LastMessageAt: &old},
	}
	r := gin.New()
	(&V2StatusHandler{Source: src, StaleAfter: 5 * time.Minute, Clock: clock.NewManual(now)}).Register(r)

	code, env := do(t, r, http.MethodGet, "/api/v2/status", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	var venues []venueStatus
	if err := json.Unmarshal(env.Data, &venues); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(venues) != 2 {
		t.Fatalf("expected two venues, got %+v", venues)
	}
	if venues[0].Stale || venues[0].LastMessageAgeSeconds == nil || *venues[0].LastMessageAgeSeconds != 10 {
		t.Fatalf("polymarket should be fresh: %+v", venues[0])
	}
	if !venues[1].Stale {
		t.Fatalf("kalshi should be stale: %+v", venues[1])
	}
	if env.Meta["stale"] != true || env.Meta["source"] != "live" {
		t.Fatalf("meta = %v", env.Meta)
	}
}

func TestStatusFallsBackToPersistedRows(t *testing.T) {
	store := newStore(t)
	last := now.Add(-time.Second)
	if err := store.UpsertVenueStatus(context.Background(), &models.VenueStatus{
		Venue: models.VenuePolymarket, Connected: true, Mode: metrics.ModeStreaming, LastMessageAt: &last, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert status: %v", err)
	}
	r := gin.New()
	(&V2StatusHandler{Repo: store, Clock: clock.NewManual(now)}).Register(r)
	code, env := do(t, r, http.MethodGet, "/api/v2/status", nil, nil)
	var venues []venueStatus
	if err := json.Unmarshal(env.Data, &venues); err != nil || code != http.StatusOK || len(venues) != 1 || venues[0].Stale {
		t.Fatalf("persisted status: %d %+v %v", code, venues, err)
	}
	if env.Meta["source"] != "persisted" {
		t.Fatalf("meta = %v", env.Meta)
	}
}

func TestEntitlements(t *testing.T) {
	j := auth.JWT{Secret: []byte("test-secret"), TokenTTL: time.Hour}
	r := gin.New()
	r.Use(auth.OptionalClaims(j))
	(&V2StatusHandler{DefaultTier: "free"}).Register(r)

	decode := func(env envelope) entitlementView {
		var v entitlementView
		if err := json.Unmarshal(env.Data, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return v
	}

	code, env := do(t, r, http.MethodGet, "/api/v2/entitlements?alerts_used=2", nil, nil)
	v := decode(env)
	if code != http.StatusOK || v.Tier != "free" || v.Alerts != 3 || v.Watchlist != 10 {
		t.Fatalf("default tier: %d %+v", code, v)
	}
	if v.AlertsRemaining == nil || *v.AlertsRemaining != 1 || v.WatchlistRemaining != nil {
		t.Fatalf("remaining counts: %+v", v)
	}

	token, _, err := j.Sign(auth.Claims{Tier: "pro"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + token}}
	code, env = do(t, r, http.MethodGet, "/api/v2/entitlements", nil, hdr)
	if v := decode(env); code != http.StatusOK || v.Tier != "pro" || v.Alerts != 25 || v.Watchlist != 100 {
		t.Fatalf("token tier: %d %+v", code, v)
	}
	if env.Meta["tier_source"] != "token" {
		t.Fatalf("meta = %v", env.Meta)
	}

	code, env = do(t, r, http.MethodGet, "/api/v2/entitlements?tier=enterprise&watchlist_used=5000", nil, hdr)
	v = decode(env)
	if code != http.StatusOK || v.Alerts != 100 || v.Watchlist != -1 || v.WatchlistRemaining == nil || *v.WatchlistRemaining != -1 {
		t.Fatalf("enterprise: %d %+v", code, v)
	}

	if code, _ := do(t, r, http.MethodGet, "/api/v2/entitlements?tier=gold", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown tier should be 400, got %d", code)
	}
}

func TestFeatureSwitchEndpoints(t *testing.T) {
	store := newStore(t)
	settings := &service.SystemSettingsService{Repo: store, Clock: clock.NewManual(now)}
	if err := settings.EnsureDefaultSwitches(context.Background()); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	r := gin.New()
	(&V2SystemSettingsHandler{Repo: store, Settings: settings}).Register(r)

	code, env := do(t, r, http.MethodPut, "/api/v2/system-settings/switches/movers", map[string]any{"enabled": false}, nil)
	if code != http.StatusOK {
		t.Fatalf("put switch: %d %s", code, env.Message)
	}
	if settings.IsEnabled(context.Background(), service.FeatureMovers, true) {
		t.Fatalf("movers should be disabled")
	}
	code, env = do(t, r, http.MethodGet, "/api/v2/system-settings/switches", nil, nil)
	var switches []service.Switch
	if err := json.Unmarshal(env.Data, &switches); err != nil || code != http.StatusOK {
		t.Fatalf("list switches: %d %v", code, err)
	}
	if len(switches) != len(service.DefaultFeatureSwitches()) {
		t.Fatalf("expected every default switch, got %d", len(switches))
	}
	if code, _ := do(t, r, http.MethodPut, "/api/v2/system-settings/switches/warp_drive", map[string]any{"enabled": true}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown switch should be 404, got %d", code)
	}
	if code, _ := do(t, r, http.MethodPut, "/api/v2/system-settings/switches/movers", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Fatalf("missing enabled should be 400, got %d", code)
	}
}
