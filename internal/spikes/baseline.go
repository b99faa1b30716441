package spikes

import (
	"errors"
	"time"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

var ErrNoBaseline = errors.New("spikes: not enough volume history")

const day = 24 * time.Hour

// Baseline averages daily volume over the days days before the trailing
// 24 hours. Days are counted back from now, not by calendar date, and only
// days that carry volume count toward the average.
func Baseline(hourly []models.VolumeHourly, now time.Time, days, minDays int) (float64, int, error) {
	end := now.Add(-day)
	start := end.Add(-time.Duration(days) * day)
	totals := map[int]float64{}
	for _, h := range hourly {
		ts := h.BucketTS.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		idx := int(end.Sub(ts) / day)
		totals[idx] += h.Volume.InexactFloat64()
	}
	var sum float64
	n := 0
	for _, v := range totals {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n < minDays || n == 0 || sum <= 0 {
		return 0, n, ErrNoBaseline
	}
	return sum / float64(n), n, nil
}

// Severity buckets a ratio. Ratios under the low tier are "none".
func Severity(ratio float64, cfg config.SpikesConfig) string {
	switch {
	case ratio >= cfg.ExtremeRatio:
		return models.SeverityExtreme
	case ratio >= cfg.HighRatio:
		return models.SeverityHigh
	case ratio >= cfg.MediumRatio:
		return models.SeverityMedium
	case ratio >= cfg.LowRatio:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}

func withDefaults(cfg config.SpikesConfig) config.SpikesConfig {
	if cfg.BaselineDays <= 0 {
		cfg.BaselineDays = 7
	}
	if cfg.MinBaselineDays <= 0 {
		cfg.MinBaselineDays = 2
	}
	if cfg.MinRatio <= 0 {
		cfg.MinRatio = 2
	}
	if cfg.LowRatio <= 0 {
		cfg.LowRatio = 1.5
	}
	if cfg.MediumRatio <= 0 {
		cfg.MediumRatio = 3
	}
	if cfg.HighRatio <= 0 {
		cfg.HighRatio = 5
	}
	if cfg.ExtremeRatio <= 0 {
		cfg.ExtremeRatio = 10
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.DedupFactor <= 0 {
		cfg.DedupFactor = 1.2
	}
	return cfg
}
