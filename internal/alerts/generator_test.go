package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/notify"
	"marketpulse/internal/repository"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type countingMetrics map[string]int

func (c countingMetrics) AlertsEmitted(alertType string, n int) { c[alertType] += n }

func testConfig() config.AlertsConfig {
	return config.AlertsConfig{
		WindowSeconds:     3600,
		MinVolume:         1000,
		HoldMovePP:        0.5,
		HoldSpike:         0.25,
		ArchiveSuppressed: true,
	}
}

func mover(asOf time.Time, rank int, tok models.Token, then, now string) models.Mover {
	pNow, pThen := decimal.RequireFromString(now), decimal.RequireFromString(then)
	move, _ := pNow.Sub(pThen).Mul(decimal.NewFromInt(100)).Float64()
	return models.Mover{
		AsOf:          asOf,
		WindowSeconds: 3600,
		Rank:          rank,
		TokenID:       tok.ID,
		MarketID:      tok.MarketID,
		PriceNow:      pNow,
		PriceThen:     pThen,
		MovePP:        move,
		Volume24h:     decimal.NewFromInt(5000),
		Score:         float64(100 - rank),
	}
}

func TestGenerateSuppressesMirrorAndDedups(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, yes, no := seedMarket(t, store, models.Market{ExternalID: "rain", Title: "Rain in March?"})

	clk := clock.NewManual(base)
	sink := &recordingNotifier{}
	counts := countingMetrics{}
	g := NewGenerator(Deps{
		Catalog:  store,
		Ticks:    store,
		Movers:   store,
		Spikes:   store,
		Alerts:   store,
		Notifier: sink,
		Counter:  counts,
	}, testConfig(), nil, clk)

	asOf := base.Add(-30 * time.Second)
	if err := store.InsertMovers(ctx, []models.Mover{
		mover(asOf, 1, yes, "0.25", "0.40"),
		mover(asOf, 2, no, "0.75", "0.61"),
	}); err != nil {
		t.Fatalf("insert movers: %v", err)
	}

	got, err := g.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != models.OutcomeYes || got[0].ThresholdPP != 10 {
		t.Fatalf("alerts=%+v", got)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Alert.ID != got[0].ID || sink.msgs[0].Title != "Rain in March?" {
		t.Fatalf("notifications=%+v", sink.msgs)
	}
	if counts[models.AlertTypePriceMove] != 1 {
		t.Fatalf("counts=%v", counts)
	}
	total, err := store.CountAlerts(ctx, repository.ListAlertsParams{})
	if err != nil || total != 1 {
		t.Fatalf("stored alerts=%d err=%v", total, err)
	}

	// Same snapshot again: nothing new.
	clk.Advance(time.Minute)
	if got, err = g.Generate(ctx); err != nil || len(got) != 0 {
		t.Fatalf("rerun alerts=%+v err=%v", got, err)
	}

	// 17pp is inside 1.2x of 15pp.
	if err := store.InsertMovers(ctx, []models.Mover{mover(clk.Now().Add(-10*time.Second), 1, yes, "0.25", "0.42")}); err != nil {
		t.Fatalf("insert movers: %v", err)
	}
	if got, err = g.Generate(ctx); err != nil || len(got) != 0 {
		t.Fatalf("dedup alerts=%+v err=%v", got, err)
	}

	// 19pp clears it.
	clk.Advance(time.Minute)
	if err := store.InsertMovers(ctx, []models.Mover{mover(clk.Now().Add(-10*time.Second), 1, yes, "0.25", "0.44")}); err != nil {
		t.Fatalf("insert movers: %v", err)
	}
	if got, err = g.Generate(ctx); err != nil || len(got) != 1 {
		t.Fatalf("escalation alerts=%+v err=%v", got, err)
	}
}

func TestGenerateGates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	soon := base.Add(24 * time.Hour)
	_, a, _ := seedMarket(t, store, models.Market{ExternalID: "closing", Title: "closing", EndTime: &soon})
	_, b, _ := seedMarket(t, store, models.Market{ExternalID: "thin", Title: "thin"})
	_, c, _ := seedMarket(t, store, models.Market{ExternalID: "border", Title: "border"})

	asOf := base.Add(-30 * time.Second)
	thin := mover(asOf, 2, b, "0.30", "0.50")
	thin.Volume24h = decimal.NewFromInt(500)
	if err := store.InsertMovers(ctx, []models.Mover{
		mover(asOf, 1, a, "0.30", "0.50"), // 20pp under the 25pp bar for markets closing within 48h
		thin,
		mover(asOf, 3, c, "0.30", "0.4025"), // 10.25pp sits in the hold zone
	}); err != nil {
		t.Fatalf("insert movers: %v", err)
	}

	g := NewGenerator(Deps{Catalog: store, Ticks: store, Movers: store, Spikes: store, Alerts: store}, testConfig(), nil, clock.NewManual(base))
	got, err := g.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no alerts, got %+v", got)
	}
}

func TestGenerateVolumeSpikeAlert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, yes, _ := seedMarket(t, store, models.Market{ExternalID: "spike", Title: "spike"})

	for _, s := range []models.VolumeSpike{
		{TokenID: yes.ID, MarketID: yes.MarketID, DetectedAt: base.Add(-2 * time.Minute), CurrentVolume: decimal.NewFromInt(4000), AvgVolume: decimal.NewFromInt(1000), Ratio: 4, Severity: models.SeverityMedium},
		{TokenID: yes.ID, MarketID: yes.MarketID, DetectedAt: base.Add(-time.Minute), CurrentVolume: decimal.NewFromInt(2500), AvgVolume: decimal.NewFromInt(1000), Ratio: 2.5, Severity: models.SeverityLow},
	} {
		s := s
		if err := store.InsertSpike(ctx, &s); err != nil {
			t.Fatalf("insert spike: %v", err)
		}
	}

	g := NewGenerator(Deps{Catalog: store, Ticks: store, Movers: store, Spikes: store, Alerts: store}, testConfig(), nil, clock.NewManual(base))
	got, err := g.Generate(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 1 || got[0].AlertType != models.AlertTypeVolumeSpike || got[0].SpikeRatio == nil || *got[0].SpikeRatio != 4 {
		t.Fatalf("alerts=%+v", got)
	}
	if got[0].Reason == "" {
		t.Fatalf("missing reason")
	}
}
