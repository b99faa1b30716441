package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
	"marketpulse/internal/db"
	"marketpulse/internal/models"
	gormrepository "marketpulse/internal/repository/gorm"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(token uint64, at time.Duration, price string, vol int64) models.Tick {
	v := decimal.NewFromInt(vol)
	return models.Tick{TokenID: token, TS: t0.Add(at), Price: decimal.RequireFromString(price), Volume24h: &v}
}

func TestEngineBuildsOHLC(t *testing.T) {
	e := NewEngine(models.Granularity1m)
	e.Add(tick(1, 5*time.Second, "0.5", 100))
	e.Add(tick(1, 20*time.Second, "0.75", 120))
	e.Add(tick(1, 40*time.Second, "0.25", 110))
	e.Add(tick(1, 50*time.Second, "0.375", 130))

	if got := e.CloseDue(t0.Add(59 * time.Second)); len(got) != 0 {
		t.Fatalf("closed early: %+v", got)
	}
	got := e.CloseDue(t0.Add(time.Minute))
	if len(got) != 1 {
		t.Fatalf("closed=%d want 1", len(got))
	}
	c := got[0]
	if !c.Final || c.TickCount != 4 {
		t.Fatalf("candle=%+v", c)
	}
	checks := map[string][2]decimal.Decimal{
		"open":   {c.Open, decimal.RequireFromString("0.5")},
		"high":   {c.High, decimal.RequireFromString("0.75")},
		"low":    {c.Low, decimal.RequireFromString("0.25")},
		"close":  {c.Close, decimal.RequireFromString("0.375")},
		"volume": {c.Volume, decimal.NewFromInt(130)},
	}
	for name, pair := range checks {
		if !pair[0].Equal(pair[1]) {
			t.Fatalf("%s=%s want %s", name, pair[0], pair[1])
		}
	}
}

func TestEngineIgnoresTicksForClosedBuckets(t *testing.T) {
	e := NewEngine(models.Granularity1m)
	e.Add(tick(1, 10*time.Second, "0.5", 0))
	e.CloseDue(t0.Add(time.Minute))

	e.Add(tick(1, 30*time.Second, "0.9", 0))
	if e.OpenCount() != 0 || e.Ignored() != 1 {
		t.Fatalf("open=%d ignored=%d", e.OpenCount(), e.Ignored())
	}

	e.Add(tick(1, 70*time.Second, "0.6", 0))
	if e.OpenCount() != 1 {
		t.Fatalf("open=%d want 1", e.OpenCount())
	}
}

func TestEngineRollsBucketOnNewerTick(t *testing.T) {
	e := NewEngine(models.Granularity1m, models.Granularity1h)
	e.Add(tick(1, 10*time.Second, "0.5", 0))
	e.Add(tick(1, 70*time.Second, "0.6", 0))

	closed := e.CloseDue(t0.Add(65 * time.Second))
	if len(closed) != 1 || !closed[0].BucketStart.Equal(t0) || closed[0].GranularitySeconds != models.Granularity1m {
		t.Fatalf("closed=%+v", closed)
	}
	start, ok := e.OldestOpenStart(models.Granularity1h)
	if !ok || !start.Equal(t0) {
		t.Fatalf("oldest 1h=%s ok=%v", start, ok)
	}
}

func TestServiceFlushIsIdempotent(t *testing.T) {
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close(conn)
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := gormrepository.New(conn.Gorm)
	ctx := context.Background()
	clk := clock.NewManual(t0.Add(30 * time.Second))

	ticks := []models.Tick{
		tick(3, 5*time.Second, "0.5", 10),
		tick(3, 25*time.Second, "0.625", 20),
	}

	run := func() []models.Candle {
		svc := NewService(NewEngine(models.Granularity1m), repo, nil, clk)
		svc.AddTicks(ticks)
		if err := svc.Flush(ctx); err != nil {
			t.Fatalf("flush open: %v", err)
		}
		clk.Set(t0.Add(2 * time.Minute))
		if err := svc.Flush(ctx); err != nil {
			t.Fatalf("flush closed: %v", err)
		}
		clk.Set(t0.Add(30 * time.Second))
		items, err := repo.ListCandles(ctx, 3, models.Granularity1m, time.Time{}, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		return items
	}

	first := run()
	second := run()
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("rows=%d/%d want 1", len(first), len(second))
	}
	a, b := first[0], second[0]
	if !a.Final || !b.Final || a.TickCount != b.TickCount || !a.Close.Equal(b.Close) || !a.High.Equal(b.High) {
		t.Fatalf("first=%+v second=%+v", a, b)
	}
}
