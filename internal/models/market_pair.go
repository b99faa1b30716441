package models

import "time"

const (
	MatchManual = "manual"
	MatchFuzzy  = "fuzzy"
	MatchExact  = "exact"
)

// MarketPair links a Polymarket YES token with an alternate-venue YES token.
// A token belongs to at most one active pair.
type MarketPair struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	PolyTokenID uint64    `gorm:"not null;index"`
	AltTokenID  uint64    `gorm:"not null;index"`
	MatchMethod string    `gorm:"type:varchar(16);not null"`
	Similarity  float64   `gorm:"not null;default:0"`
	Active      bool      `gorm:"not null;default:true;index"`
	Notes       string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (MarketPair) TableName() string {
	return "market_pairs"
}
