package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AlertTypePriceMove   = "price_move"
	AlertTypeVolumeSpike = "volume_spike"
)

const (
	SuppressedSettlement = "settlement_noise"
	SuppressedMirror     = "mirror"
)

// Alert is final once both suppression passes have run. Only
// AcknowledgedAt changes after that.
type Alert struct {
	ID             string           `gorm:"primaryKey;type:varchar(36)"`
	TokenID        uint64           `gorm:"not null;index"`
	MarketID       uint64           `gorm:"not null;index:idx_alerts_market_created,priority:1"`
	Outcome        string           `gorm:"type:varchar(8);not null"`
	WindowSeconds  int              `gorm:"not null"`
	AlertType      string           `gorm:"type:varchar(20);not null;index"`
	MovePP         float64          `gorm:"not null;default:0"`
	ThresholdPP    float64          `gorm:"not null;default:0"`
	SpikeRatio     *float64
	PriceNow       *decimal.Decimal `gorm:"type:numeric(12,6)"`
	PriceThen      *decimal.Decimal `gorm:"type:numeric(12,6)"`
	Volume24h      decimal.Decimal  `gorm:"column:volume_24h;type:numeric(30,6);not null;default:0"`
	Reason         string           `gorm:"type:text"`
	CreatedAt      time.Time        `gorm:"not null;index;index:idx_alerts_market_created,priority:2"`
	AcknowledgedAt *time.Time
}

func (Alert) TableName() string {
	return "alerts"
}

// SuppressedAlert keeps a copy of every alert removed by cleanup.
type SuppressedAlert struct {
	ID               string           `gorm:"primaryKey;type:varchar(36)"`
	TokenID          uint64           `gorm:"not null"`
	MarketID         uint64           `gorm:"not null"`
	Outcome          string           `gorm:"type:varchar(8);not null"`
	WindowSeconds    int              `gorm:"not null"`
	AlertType        string           `gorm:"type:varchar(20);not null"`
	MovePP           float64          `gorm:"not null;default:0"`
	ThresholdPP      float64          `gorm:"not null;default:0"`
	SpikeRatio       *float64
	PriceNow         *decimal.Decimal `gorm:"type:numeric(12,6)"`
	PriceThen        *decimal.Decimal `gorm:"type:numeric(12,6)"`
	Volume24h        decimal.Decimal  `gorm:"column:volume_24h;type:numeric(30,6);not null;default:0"`
	Reason           string           `gorm:"type:text"`
	CreatedAt        time.Time        `gorm:"not null"`
	AcknowledgedAt   *time.Time
	SuppressedReason string    `gorm:"type:varchar(32);not null;index"`
	ArchivedAt       time.Time `gorm:"not null;index"`
}

func (SuppressedAlert) TableName() string {
	return "alerts_suppressed_archive"
}

func NewSuppressedAlert(a Alert, reason string, at time.Time) SuppressedAlert {
	return SuppressedAlert{
		ID:               a.ID,
		TokenID:          a.TokenID,
		MarketID:         a.MarketID,
		Outcome:          a.Outcome,
		WindowSeconds:    a.WindowSeconds,
		AlertType:        a.AlertType,
		MovePP:           a.MovePP,
		ThresholdPP:      a.ThresholdPP,
		SpikeRatio:       a.SpikeRatio,
		PriceNow:         a.PriceNow,
		PriceThen:        a.PriceThen,
		Volume24h:        a.Volume24h,
		Reason:           a.Reason,
		CreatedAt:        a.CreatedAt,
		AcknowledgedAt:   a.AcknowledgedAt,
		SuppressedReason: reason,
		ArchivedAt:       at,
	}
}
