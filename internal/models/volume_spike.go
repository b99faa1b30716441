package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SeverityNone    = "none"
	SeverityLow     = "low"
	SeverityMedium  = "medium"
	SeverityHigh    = "high"
	SeverityExtreme = "extreme"
)

type VolumeSpike struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement"`
	TokenID        uint64          `gorm:"not null;index:idx_spikes_token_detected,priority:1"`
	MarketID       uint64          `gorm:"not null"`
	DetectedAt     time.Time       `gorm:"not null;index:idx_spikes_token_detected,priority:2;index"`
	CurrentVolume  decimal.Decimal `gorm:"type:numeric(30,6);not null"`
	AvgVolume      decimal.Decimal `gorm:"type:numeric(30,6);not null"`
	Ratio          float64         `gorm:"not null"`
	Severity       string          `gorm:"type:varchar(16);not null;index"`
	AcknowledgedAt *time.Time
}

func (VolumeSpike) TableName() string {
	return "volume_spikes"
}
