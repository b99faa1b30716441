package volume

import (
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

// Apply folds one trade into a window row and reports whether the row
// changed. The window restarts when the trade lands window seconds or more
// after the first trade it holds. first_trade_ts moves only on a restart, so
// a late trade inside the window adds its volume and leaves first alone.
func Apply(w models.RollingVolumeWindow, notional decimal.Decimal, ts, now time.Time) (models.RollingVolumeWindow, bool) {
	ts = ts.UTC()
	length := time.Duration(w.WindowSeconds) * time.Second

	if w.TradeCount == 0 || ts.Sub(w.FirstTradeTS) >= length {
		w.VolumeTotal = notional
		w.TradeCount = 1
		w.FirstTradeTS = ts
		w.LastTradeTS = ts
		w.UpdatedAt = now.UTC()
		return w, true
	}

	w.VolumeTotal = w.VolumeTotal.Add(notional)
	w.TradeCount++
	if ts.After(w.LastTradeTS) {
		w.LastTradeTS = ts
	}
	w.UpdatedAt = now.UTC()
	return w, true
}

// Effective returns the volume a window holds at now. A window whose first
// trade is a full window length old reads as empty.
func Effective(w models.RollingVolumeWindow, now time.Time) decimal.Decimal {
	if w.TradeCount == 0 {
		return decimal.Zero
	}
	if now.Sub(w.FirstTradeTS) >= time.Duration(w.WindowSeconds)*time.Second {
		return decimal.Zero
	}
	return w.VolumeTotal
}

// HourBucket is the volume_hourly key for a trade.
func HourBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}
