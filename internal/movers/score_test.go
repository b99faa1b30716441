package movers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

func defaultParams() Params {
	return ParamsFromConfig(config.MoversConfig{MinQuality: 1})
}

func cand(id uint64, then, now string, volume int64) Candidate {
	return Candidate{
		TokenID:   id,
		MarketID:  id,
		PriceThen: decimal.RequireFromString(then),
		PriceNow:  decimal.RequireFromString(now),
		Volume24h: decimal.NewFromInt(volume),
	}
}

func TestScoreSurpriseFromStats(t *testing.T) {
	c := cand(1, "0.34", "0.46", 847000)
	c.Stats = &models.MarketStats{StddevMovePP: 2, HasSufficientData: true}

	s, ok := Score(c, defaultParams())
	if !ok {
		t.Fatalf("gated out")
	}
	if math.Abs(s.MovePP-12) > 1e-9 {
		t.Fatalf("move=%f want 12", s.MovePP)
	}
	if s.ZScore == nil || math.Abs(*s.ZScore-6) > 1e-9 {
		t.Fatalf("z=%v want 6", s.ZScore)
	}
	base := 12 * math.Log1p(847000)
	if math.Abs(s.Score-base*4) > 1e-6 {
		t.Fatalf("score=%f want %f", s.Score, base*4)
	}
}

func TestRankPutsSurprisingMoveTop3(t *testing.T) {
	target := cand(1, "0.34", "0.46", 847000)
	target.Stats = &models.MarketStats{StddevMovePP: 2, HasSufficientData: true}

	volatile := cand(2, "0.20", "0.40", 900000)
	volatile.Stats = &models.MarketStats{StddevMovePP: 15, HasSufficientData: true}

	cands := []Candidate{
		cand(3, "0.50", "0.52", 10000),
		volatile,
		cand(4, "0.10", "0.11", 500000),
		target,
		cand(5, "0.70", "0.64", 120000),
	}
	ranked := Rank(cands, defaultParams())
	pos := -1
	for i, r := range ranked {
		if r.TokenID == 1 {
			pos = i
		}
	}
	if pos < 0 || pos > 2 {
		t.Fatalf("target rank=%d want top-3", pos+1)
	}
}

func TestScoreNoStatsIsNeutral(t *testing.T) {
	c := cand(1, "0.5", "0.6", 1000)
	c.Stats = &models.MarketStats{StddevMovePP: 1, HasSufficientData: false}
	s, ok := Score(c, defaultParams())
	if !ok || s.ZScore != nil {
		t.Fatalf("ok=%v z=%v", ok, s.ZScore)
	}
	if math.Abs(s.Score-10*math.Log1p(1000)) > 1e-6 {
		t.Fatalf("score=%f", s.Score)
	}
}

func TestScoreSpikeBonusCapped(t *testing.T) {
	c := cand(1, "0.5", "0.6", 1000)
	ratio := 50.0
	c.SpikeRatio = &ratio
	s, _ := Score(c, defaultParams())
	if math.Abs(s.Score-10*math.Log1p(1000)*5) > 1e-6 {
		t.Fatalf("score=%f want capped bonus 5", s.Score)
	}

	small := 1.4
	c.SpikeRatio = &small
	s, _ = Score(c, defaultParams())
	if math.Abs(s.Score-10*math.Log1p(1000)) > 1e-6 {
		t.Fatalf("score=%f want no bonus", s.Score)
	}
}

func TestScoreQualityGate(t *testing.T) {
	if _, ok := Score(cand(1, "0.5", "0.5", 1e6), defaultParams()); ok {
		t.Fatalf("flat price passed the gate")
	}
	if _, ok := Score(cand(1, "0.5", "0.501", 0), defaultParams()); ok {
		t.Fatalf("zero volume passed the gate")
	}
}

func TestRankIsStable(t *testing.T) {
	var cands []Candidate
	for i := uint64(1); i <= 30; i++ {
		// Pairs of identical inputs force the token id tie-break.
		cands = append(cands, cand(i, "0.40", "0.45", int64(1000*((i+1)/2))))
	}
	want := Rank(cands, defaultParams())
	r := rand.New(rand.NewSource(7))
	for n := 0; n < 20; n++ {
		shuffled := append([]Candidate(nil), cands...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Rank(shuffled, defaultParams())
		if len(got) != len(want) {
			t.Fatalf("len=%d want %d", len(got), len(want))
		}
		for i := range got {
			if got[i].TokenID != want[i].TokenID {
				t.Fatalf("run %d position %d token=%d want %d", n, i, got[i].TokenID, want[i].TokenID)
			}
		}
	}
	if want[0].TokenID != 29 || want[1].TokenID != 30 {
		t.Fatalf("top=%d,%d want 29,30", want[0].TokenID, want[1].TokenID)
	}
}

func TestRankTopN(t *testing.T) {
	p := defaultParams()
	p.TopN = 2
	got := Rank([]Candidate{
		cand(1, "0.1", "0.2", 100),
		cand(2, "0.1", "0.3", 100),
		cand(3, "0.1", "0.4", 100),
	}, p)
	if len(got) != 2 || got[0].TokenID != 3 || got[1].TokenID != 2 {
		t.Fatalf("got=%+v", got)
	}
}
