package movers

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

type Params struct {
	TopN          int
	MinQuality    float64
	ZRef          float64
	StddevFloor   float64
	SpikeMin      float64
	SpikeBonusCap float64
}

func ParamsFromConfig(cfg config.MoversConfig) Params {
	p := Params{
		TopN:          cfg.TopN,
		MinQuality:    cfg.MinQuality,
		ZRef:          cfg.ZRef,
		StddevFloor:   cfg.StddevFloor,
		SpikeMin:      cfg.SpikeMin,
		SpikeBonusCap: cfg.SpikeBonusCap,
	}
	if p.TopN <= 0 {
		p.TopN = 100
	}
	if p.ZRef <= 0 {
		p.ZRef = 1.5
	}
	if p.StddevFloor <= 0 {
		p.StddevFloor = 0.5
	}
	if p.SpikeMin <= 0 {
		p.SpikeMin = 1.5
	}
	if p.SpikeBonusCap <= 0 {
		p.SpikeBonusCap = 5
	}
	return p
}

// Candidate is one token's price change inside a window.
type Candidate struct {
	TokenID    uint64
	MarketID   uint64
	PriceNow   decimal.Decimal
	PriceThen  decimal.Decimal
	Volume24h  decimal.Decimal
	Stats      *models.MarketStats
	SpikeRatio *float64
}

type Scored struct {
	Candidate
	MovePP float64
	ZScore *float64
	Score  float64
}

// Score applies the composite formula. ok is false when the candidate
// fails the quality gate.
func Score(c Candidate, p Params) (Scored, bool) {
	move := c.PriceNow.Sub(c.PriceThen).Mul(decimal.NewFromInt(100)).InexactFloat64()
	absMove := math.Abs(move)
	vol := math.Max(c.Volume24h.InexactFloat64(), 0)

	base := absMove * math.Log1p(vol)
	out := Scored{Candidate: c, MovePP: move}
	if base < p.MinQuality || absMove == 0 {
		return out, false
	}

	surprise := 1.0
	if c.Stats != nil && c.Stats.HasSufficientData {
		z := absMove / math.Max(c.Stats.StddevMovePP, p.StddevFloor)
		out.ZScore = &z
		surprise = clamp(z/p.ZRef, 0.25, 5)
	}
	bonus := 1.0
	if c.SpikeRatio != nil && *c.SpikeRatio > p.SpikeMin {
		bonus = math.Min(1+(*c.SpikeRatio-1)*0.5, p.SpikeBonusCap)
	}
	out.Score = base * surprise * bonus
	return out, true
}

// Rank scores, filters and orders candidates, keeping the top N. The order
// is total so equal inputs always rank the same way.
func Rank(cands []Candidate, p Params) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		if s, ok := Score(c, p); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ma, mb := math.Abs(a.MovePP), math.Abs(b.MovePP); ma != mb {
			return ma > mb
		}
		if c := a.Volume24h.Cmp(b.Volume24h); c != 0 {
			return c > 0
		}
		return a.TokenID < b.TokenID
	})
	if p.TopN > 0 && len(out) > p.TopN {
		out = out[:p.TopN]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
