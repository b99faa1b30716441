package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	Granularity1m = 60
	Granularity5m = 300
	Granularity1h = 3600
)

// Granularities lists the rollup bucket sizes, in seconds.
var Granularities = []int{Granularity1m, Granularity5m, Granularity1h}

// Candle is an OHLC bucket. Final rows are immutable.
type Candle struct {
	ID                 uint64          `gorm:"primaryKey;autoIncrement"`
	TokenID            uint64          `gorm:"not null;uniqueIndex:uniq_candles_bucket,priority:1"`
	GranularitySeconds int             `gorm:"not null;uniqueIndex:uniq_candles_bucket,priority:2"`
	BucketStart        time.Time       `gorm:"not null;uniqueIndex:uniq_candles_bucket,priority:3;index"`
	Open               decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	High               decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	Low                decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	Close              decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	Volume             decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0"`
	TickCount          int             `gorm:"not null;default:0"`
	Final              bool            `gorm:"not null;default:false"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime"`
}

func (Candle) TableName() string {
	return "ohlc_candles"
}

func GranularityLabel(seconds int) string {
	switch seconds {
	case Granularity1m:
		return "1m"
	case Granularity5m:
		return "5m"
	case Granularity1h:
		return "1h"
	default:
		return (time.Duration(seconds) * time.Second).String()
	}
}
