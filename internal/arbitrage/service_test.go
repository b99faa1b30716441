package arbitrage

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"marketpulse/internal/cache"
	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/db"
	"marketpulse/internal/models"
	"marketpulse/internal/pricecache"
	"marketpulse/internal/repository"
	gormrepository "marketpulse/internal/repository/gorm"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

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

func seed(t *testing.T, store *gormrepository.Store, venue, externalID, title string) (yes, no models.Token) {
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

func put(t *testing.T, prices *pricecache.Cache, at time.Time, tokenID uint64, price string) {
	t.Helper()
	if err := prices.Put(context.Background(), pricecache.Point{TokenID: tokenID, Price: d(price), TS: at}); err != nil {
		t.Fatalf("put price: %v", err)
	}
}

func TestScanLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	polyYes, _ := seed(t, store, models.VenuePolymarket, "fed-cut", "Fed cuts rates in May?")
	altYes, _ := seed(t, store, models.VenueKalshi, "FED-MAY", "Fed cuts rates in May")

	m := NewMatcher(store, store, 0.85, nil)
	pair, err := m.CreatePair(ctx, polyYes.ID, altYes.ID, "")
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}

	clk := clock.NewManual(now)
	prices := pricecache.New(cache.NewMemoryStore(clk), store, 0, nil)
	svc := NewService(store, store, prices, nil, config.ArbitrageConfig{MinMargin: 0.002, Expiry: 5 * time.Minute, MaxPriceAge: 10 * time.Minute}, nil, clk)

	put(t, prices, now, polyYes.ID, "0.40")
	put(t, prices, now, altYes.ID, "0.45")
	res, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Detected != 1 {
		t.Fatalf("result=%+v", res)
	}
	active, err := store.ListActiveOpportunities(ctx, 10)
	if err != nil || len(active) != 1 {
		t.Fatalf("active=%+v err=%v", active, err)
	}
	first := active[0]
	if first.PairID != pair.ID || first.ArbType != models.ArbYesNo || !first.TotalCost.Equal(d("0.95")) || !first.ProfitMargin.Equal(d("0.05")) {
		t.Fatalf("opportunity=%+v", first)
	}

	// Prices drift but the hedge still pays: same row, new numbers.
	clk.Advance(time.Minute)
	put(t, prices, clk.Now(), polyYes.ID, "0.42")
	if res, err = svc.Scan(ctx); err != nil || res.Updated != 1 || res.Detected != 0 {
		t.Fatalf("drift result=%+v err=%v", res, err)
	}
	active, _ = store.ListActiveOpportunities(ctx, 10)
	if len(active) != 1 || active[0].ID != first.ID || !active[0].TotalCost.Equal(d("0.97")) {
		t.Fatalf("after drift=%+v", active)
	}

	// The gap closes.
	clk.Advance(time.Minute)
	put(t, prices, clk.Now(), polyYes.ID, "0.45")
	if res, err = svc.Scan(ctx); err != nil || res.Expired != 1 {
		t.Fatalf("close result=%+v err=%v", res, err)
	}
	if active, _ = store.ListActiveOpportunities(ctx, 10); len(active) != 0 {
		t.Fatalf("still active: %+v", active)
	}

	// Reopen and execute.
	clk.Advance(time.Minute)
	put(t, prices, clk.Now(), polyYes.ID, "0.40")
	if res, err = svc.Scan(ctx); err != nil || res.Detected != 1 {
		t.Fatalf("reopen result=%+v err=%v", res, err)
	}
	active, _ = store.ListActiveOpportunities(ctx, 10)
	if len(active) != 1 {
		t.Fatalf("reopen active=%+v", active)
	}
	if err := svc.Execute(ctx, active[0].ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := svc.Execute(ctx, active[0].ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second execute: %v", err)
	}
}

func TestScanSkipsStalePrices(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	polyYes, _ := seed(t, store, models.VenuePolymarket, "a", "A")
	altYes, _ := seed(t, store, models.VenueKalshi, "A", "A")
	if _, err := NewMatcher(store, store, 0, nil).CreatePair(ctx, polyYes.ID, altYes.ID, ""); err != nil {
		t.Fatalf("create pair: %v", err)
	}

	clk := clock.NewManual(now)
	prices := pricecache.New(cache.NewMemoryStore(clk), store, 0, nil)
	svc := NewService(store, store, prices, nil, config.ArbitrageConfig{MaxPriceAge: 10 * time.Minute}, nil, clk)

	put(t, prices, now.Add(-time.Hour), polyYes.ID, "0.40")
	put(t, prices, now, altYes.ID, "0.45")
	res, err := svc.Scan(ctx)
	if err != nil || res.Detected != 0 {
		t.Fatalf("stale price produced %+v err=%v", res, err)
	}
}
