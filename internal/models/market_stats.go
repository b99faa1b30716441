package models

import "time"

// MarketStats is the per-token volatility baseline.
type MarketStats struct {
	TokenID uint64 `gorm:"primaryKey;autoIncrement:false"`

	AvgMovePP         float64 `gorm:"not null;default:0"`
	StddevMovePP      float64 `gorm:"not null;default:0"`
	AvgLogOddsMove    float64 `gorm:"not null;default:0"`
	StddevLogOddsMove float64 `gorm:"not null;default:0"`
	AvgDailyVolume    float64 `gorm:"not null;default:0"`
	StddevDailyVolume float64 `gorm:"not null;default:0"`

	SampleCount       int  `gorm:"not null;default:0"`
	VolumeDays        int  `gorm:"not null;default:0"`
	HasSufficientData bool `gorm:"not null;default:false;index"`

	ComputedAt time.Time `gorm:"not null"`
}

func (MarketStats) TableName() string {
	return "market_stats"
}
