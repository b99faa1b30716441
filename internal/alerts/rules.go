package alerts

import (
	"math"
	"time"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

func withDefaults(cfg config.AlertsConfig) config.AlertsConfig {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 3600
	}
	if cfg.DefaultMovePP <= 0 {
		cfg.DefaultMovePP = 10
	}
	if cfg.Near48hMovePP <= 0 {
		cfg.Near48hMovePP = 25
	}
	if cfg.Near6hMovePP <= 0 {
		cfg.Near6hMovePP = 50
	}
	if cfg.MaxSpread <= 0 {
		cfg.MaxSpread = 0.05
	}
	if cfg.SpikeRatio <= 0 {
		cfg.SpikeRatio = 3
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Minute
	}
	if cfg.DedupFactor <= 1 {
		cfg.DedupFactor = 1.2
	}
	return cfg
}

// Threshold is the move in pp a market must clear. Markets close to expiry
// swing harder on their own, so the bar rises as the end time approaches.
func Threshold(cfg config.AlertsConfig, endTime *time.Time, now time.Time) float64 {
	if endTime == nil {
		return cfg.DefaultMovePP
	}
	hours := endTime.Sub(now).Hours()
	switch {
	case hours <= 6:
		return cfg.Near6hMovePP
	case hours <= 48:
		return cfg.Near48hMovePP
	default:
		return cfg.DefaultMovePP
	}
}

// passesHoldZone rejects candidates that only just clear their threshold.
// spikeEdge is nil when no spike ratio is known.
func passesHoldZone(cfg config.AlertsConfig, moveEdge float64, spikeEdge *float64) bool {
	if moveEdge >= cfg.HoldMovePP {
		return true
	}
	return spikeEdge != nil && *spikeEdge >= cfg.HoldSpike
}

// shouldRealert reports whether a candidate beats the previous alert of
// the same token, window and type by the dedup factor.
func shouldRealert(cfg config.AlertsConfig, last *models.Alert, movePP float64, spikeRatio *float64) bool {
	if last == nil {
		return true
	}
	if math.Abs(movePP) > math.Abs(last.MovePP)*cfg.DedupFactor {
		return true
	}
	if spikeRatio == nil || last.SpikeRatio == nil || *last.SpikeRatio <= 0 {
		return false
	}
	return *spikeRatio > *last.SpikeRatio*cfg.DedupFactor
}
