package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ArbYesNo = "YES_NO"
	ArbNoYes = "NO_YES"
)

const (
	ArbStatusActive   = "active"
	ArbStatusExpired  = "expired"
	ArbStatusExecuted = "executed"
)

// ArbitrageOpportunity always satisfies TotalCost < 1 and
// ProfitMargin == 1 - TotalCost when written.
type ArbitrageOpportunity struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement"`
	PairID       uint64          `gorm:"not null;index:idx_arb_pair_status,priority:1"`
	ArbType      string          `gorm:"type:varchar(8);not null"`
	Status       string          `gorm:"type:varchar(16);not null;default:'active';index:idx_arb_pair_status,priority:2;index"`
	PolyYes      decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	PolyNo       decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	AltYes       decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	AltNo        decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	TotalCost    decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	ProfitMargin decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	ProfitPct    decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	DetectedAt   time.Time       `gorm:"not null;index"`
	UpdatedAt    time.Time       `gorm:"not null"`
	ExpiredAt    *time.Time
	ExecutedAt   *time.Time
}

func (ArbitrageOpportunity) TableName() string {
	return "arbitrage_opportunities"
}
