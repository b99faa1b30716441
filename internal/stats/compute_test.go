package stats

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func closes(values ...string) []models.Candle {
	out := make([]models.Candle, 0, len(values))
	for i, v := range values {
		out = append(out, models.Candle{
			TokenID:            1,
			GranularitySeconds: models.Granularity1h,
			BucketStart:        t0.Add(time.Duration(i) * time.Hour),
			Close:              decimal.RequireFromString(v),
		})
	}
	return out
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeMoves(t *testing.T) {
	// Moves of 2pp, 4pp, 2pp, 4pp: mean 3, population stddev 1.
	got := Compute(1, closes("0.5", "0.52", "0.56", "0.54", "0.5"), nil, 2, t0)
	if got.SampleCount != 4 {
		t.Fatalf("samples=%d", got.SampleCount)
	}
	if !almost(got.AvgMovePP, 3) || !almost(got.StddevMovePP, 1) {
		t.Fatalf("avg=%f stddev=%f", got.AvgMovePP, got.StddevMovePP)
	}
	if !got.HasSufficientData {
		t.Fatalf("expected sufficient data")
	}
	if got.AvgLogOddsMove <= 0 {
		t.Fatalf("log odds=%f", got.AvgLogOddsMove)
	}
}

func TestComputeInsufficient(t *testing.T) {
	got := Compute(1, closes("0.5", "0.6"), nil, 2, t0)
	if got.SampleCount != 1 || got.HasSufficientData {
		t.Fatalf("stats=%+v", got)
	}
	if got.StddevMovePP != 0 {
		t.Fatalf("stddev=%f want 0", got.StddevMovePP)
	}
}

func TestComputeClampsLogOdds(t *testing.T) {
	got := Compute(1, closes("0", "1"), nil, 1, t0)
	// prev close of zero is skipped.
	if got.SampleCount != 0 {
		t.Fatalf("samples=%d", got.SampleCount)
	}
	got = Compute(1, closes("0.0001", "1"), nil, 1, t0)
	want := 2 * math.Log(0.999/0.001)
	if !almost(got.AvgLogOddsMove, want) {
		t.Fatalf("log odds=%f want %f", got.AvgLogOddsMove, want)
	}
}

func TestComputeDailyVolume(t *testing.T) {
	hourly := []models.VolumeHourly{
		{TokenID: 1, BucketTS: t0, Volume: decimal.NewFromInt(100)},
		{TokenID: 1, BucketTS: t0.Add(5 * time.Hour), Volume: decimal.NewFromInt(200)},
		{TokenID: 1, BucketTS: t0.Add(26 * time.Hour), Volume: decimal.NewFromInt(100)},
	}
	got := Compute(1, nil, hourly, 2, t0)
	if got.VolumeDays != 2 || !almost(got.AvgDailyVolume, 200) || !almost(got.StddevDailyVolume, 100) {
		t.Fatalf("stats=%+v", got)
	}
}
