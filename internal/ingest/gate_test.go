package ingest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

func tick(price string) models.Tick {
	return models.Tick{TokenID: 7, Price: decimal.RequireFromString(price)}
}

func TestGateRules(t *testing.T) {
	g := NewGate(0.5, 5*time.Second)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	zero := decimal.Zero

	write := func(tk models.Tick, notional decimal.Decimal, at time.Time) bool {
		ok := g.ShouldWrite(tk, notional, at)
		if ok {
			g.Record(tk, at)
		}
		return ok
	}

	if !write(tick("0.50"), zero, t0) {
		t.Fatalf("first observation must be written")
	}
	if write(tick("0.50"), zero, t0.Add(time.Minute)) {
		t.Fatalf("unchanged price without volume must be skipped even after the interval")
	}
	if write(tick("0.502"), zero, t0.Add(time.Second)) {
		t.Fatalf("small move inside the interval must be skipped")
	}
	if !write(tick("0.502"), zero, t0.Add(6*time.Second)) {
		t.Fatalf("small move after the interval must be written")
	}
	if !write(tick("0.507"), zero, t0.Add(7*time.Second)) {
		t.Fatalf("a 0.5pp move must force a write")
	}
	if !write(tick("0.507"), decimal.NewFromInt(20), t0.Add(8*time.Second)) {
		t.Fatalf("new trade volume must be written")
	}

	spread := decimal.RequireFromString("0.02")
	withSpread := tick("0.507")
	withSpread.Spread = &spread
	if !write(withSpread, zero, t0.Add(9*time.Second)) {
		t.Fatalf("spread change must be written")
	}
	if write(withSpread, zero, t0.Add(10*time.Second)) {
		t.Fatalf("same spread and price must be skipped")
	}

	last, ok := g.LastWritten(7)
	if !ok || !last.Equal(decimal.RequireFromString("0.507")) {
		t.Fatalf("last written = %s %v", last, ok)
	}
}

func TestGateShouldWriteDoesNotRecord(t *testing.T) {
	g := NewGate(0, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !g.ShouldWrite(tick("0.4"), decimal.Zero, now) {
		t.Fatalf("first observation must be written")
	}
	if _, ok := g.LastWritten(7); ok {
		t.Fatalf("nothing recorded until Record")
	}
}
