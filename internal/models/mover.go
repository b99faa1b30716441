package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mover is one row of a ranking snapshot. Snapshots are insert-only.
type Mover struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	AsOf          time.Time       `gorm:"not null;uniqueIndex:uniq_movers_rank,priority:1;index"`
	WindowSeconds int             `gorm:"not null;uniqueIndex:uniq_movers_rank,priority:2"`
	Rank          int             `gorm:"not null;uniqueIndex:uniq_movers_rank,priority:3"`
	TokenID       uint64          `gorm:"not null;index"`
	MarketID      uint64          `gorm:"not null"`
	PriceNow      decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	PriceThen     decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	MovePP        float64         `gorm:"not null"`
	Volume24h     decimal.Decimal `gorm:"column:volume_24h;type:numeric(30,6);not null;default:0"`
	ZScore        *float64
	SpikeRatio    *float64
	Score         float64   `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Mover) TableName() string {
	return "movers"
}
