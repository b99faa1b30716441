package stats

import (
	"math"
	"sort"
	"time"

	"marketpulse/internal/models"
)

const logOddsEps = 0.001

// Compute derives a token's volatility baseline from ascending 1h candles
// and its hourly volume ledger rows.
func Compute(tokenID uint64, candles []models.Candle, hourly []models.VolumeHourly, minSamples int, now time.Time) models.MarketStats {
	sort.Slice(candles, func(i, j int) bool { return candles[i].BucketStart.Before(candles[j].BucketStart) })

	var moves, logOdds []float64
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close.InexactFloat64()
		cur := candles[i].Close.InexactFloat64()
		if prev <= 0 {
			continue
		}
		moves = append(moves, math.Abs(cur-prev)*100)
		logOdds = append(logOdds, math.Abs(logit(cur)-logit(prev)))
	}

	daily := map[string]float64{}
	for _, h := range hourly {
		daily[h.BucketTS.UTC().Format(time.DateOnly)] += h.Volume.InexactFloat64()
	}
	volumes := make([]float64, 0, len(daily))
	for _, v := range daily {
		volumes = append(volumes, v)
	}

	out := models.MarketStats{
		TokenID:     tokenID,
		SampleCount: len(moves),
		VolumeDays:  len(volumes),
		ComputedAt:  now.UTC(),
	}
	out.AvgMovePP, out.StddevMovePP = meanStddev(moves)
	out.AvgLogOddsMove, out.StddevLogOddsMove = meanStddev(logOdds)
	out.AvgDailyVolume, out.StddevDailyVolume = meanStddev(volumes)
	out.HasSufficientData = minSamples > 0 && len(moves) >= minSamples
	return out
}

func logit(p float64) float64 {
	p = math.Max(logOddsEps, math.Min(1-logOddsEps, p))
	return math.Log(p / (1 - p))
}

// meanStddev uses the population variance.
func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
