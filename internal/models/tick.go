package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TickSourceStream = "ws"
	TickSourcePoll   = "poll"
)

// Tick is an append-only price observation. Rows are never updated; they
// leave the table through retention pruning only.
type Tick struct {
	ID        uint64           `gorm:"primaryKey;autoIncrement"`
	TokenID   uint64           `gorm:"not null;index:idx_ticks_token_ts,priority:1"`
	TS        time.Time        `gorm:"column:ts;not null;index:idx_ticks_token_ts,priority:2;index"`
	Price     decimal.Decimal  `gorm:"type:numeric(12,6);not null"`
	Volume24h *decimal.Decimal `gorm:"column:volume_24h;type:numeric(30,6)"`
	Spread    *decimal.Decimal `gorm:"type:numeric(12,6)"`
	BestBid   *decimal.Decimal `gorm:"type:numeric(12,6)"`
	BestAsk   *decimal.Decimal `gorm:"type:numeric(12,6)"`
	Source    string           `gorm:"type:varchar(8);not null;default:'ws'"`
}

func (Tick) TableName() string {
	return "ticks"
}
