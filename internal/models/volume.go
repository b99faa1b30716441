package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	Window5m  = 300
	Window15m = 900
	Window1h  = 3600
	Window24h = 86400
)

// VolumeWindows are the fixed rolling window lengths, in seconds.
var VolumeWindows = []int{Window5m, Window15m, Window1h, Window24h}

// RollingVolumeWindow holds trade notional since FirstTradeTS. There is one
// row per (token, window length).
type RollingVolumeWindow struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	TokenID       uint64          `gorm:"not null;uniqueIndex:uniq_rolling_volume,priority:1"`
	WindowSeconds int             `gorm:"not null;uniqueIndex:uniq_rolling_volume,priority:2"`
	VolumeTotal   decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0"`
	TradeCount    int64           `gorm:"not null;default:0"`
	FirstTradeTS  time.Time       `gorm:"column:first_trade_ts;not null"`
	LastTradeTS   time.Time       `gorm:"column:last_trade_ts;not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (RollingVolumeWindow) TableName() string {
	return "rolling_volume_windows"
}

// VolumeHourly is the permanent hourly trade ledger used for baselines.
type VolumeHourly struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	TokenID    uint64          `gorm:"not null;uniqueIndex:uniq_volume_hourly,priority:1"`
	BucketTS   time.Time       `gorm:"column:bucket_ts;not null;uniqueIndex:uniq_volume_hourly,priority:2;index"`
	Volume     decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0"`
	TradeCount int64           `gorm:"not null;default:0"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime"`
}

func (VolumeHourly) TableName() string {
	return "volume_hourly"
}

func WindowLabel(seconds int) string {
	switch seconds {
	case Window5m:
		return "5m"
	case Window15m:
		return "15m"
	case Window1h:
		return "1h"
	case Window24h:
		return "24h"
	default:
		return GranularityLabel(seconds)
	}
}
