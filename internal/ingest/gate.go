package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

var hundred = decimal.NewFromInt(100)

type written struct {
	price     decimal.Decimal
	spread    *decimal.Decimal
	volume24h *decimal.Decimal
	at        time.Time
}

// Gate decides which snapshots reach the tick table. It is not safe for
// concurrent use; one pipeline owns one gate.
type Gate struct {
	forcePP     float64
	minInterval time.Duration
	last        map[uint64]written
}

func NewGate(forcePP float64, minInterval time.Duration) *Gate {
	if forcePP <= 0 {
		forcePP = 0.5
	}
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	return &Gate{forcePP: forcePP, minInterval: minInterval, last: map[uint64]written{}}
}

// ShouldWrite reports whether t should be written given the trade notional
// seen for the token since the last flush.
func (g *Gate) ShouldWrite(t models.Tick, tradeNotional decimal.Decimal, now time.Time) bool {
	prev, ok := g.last[t.TokenID]
	return !ok || g.decide(prev, t, tradeNotional, now)
}

// Record marks t as written at now.
func (g *Gate) Record(t models.Tick, now time.Time) {
	g.last[t.TokenID] = written{price: t.Price, spread: t.Spread, volume24h: t.Volume24h, at: now}
}

func (g *Gate) decide(prev written, t models.Tick, tradeNotional decimal.Decimal, now time.Time) bool {
	hasVolume := tradeNotional.IsPositive() || changed(prev.volume24h, t.Volume24h)
	spreadChanged := t.Spread != nil && (prev.spread == nil || !prev.spread.Equal(*t.Spread))

	if t.Price.Equal(prev.price) && !hasVolume && !spreadChanged {
		return false
	}
	if movePP(prev.price, t.Price) >= g.forcePP {
		return true
	}
	if hasVolume || spreadChanged {
		return true
	}
	return now.Sub(prev.at) >= g.minInterval
}

// LastWritten returns the last price written for a token.
func (g *Gate) LastWritten(tokenID uint64) (decimal.Decimal, bool) {
	w, ok := g.last[tokenID]
	return w.price, ok
}

func changed(prev, next *decimal.Decimal) bool {
	if next == nil {
		return false
	}
	return prev == nil || !prev.Equal(*next)
}

func movePP(from, to decimal.Decimal) float64 {
	return to.Sub(from).Abs().Mul(hundred).InexactFloat64()
}
