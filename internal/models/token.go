package models

import (
	"strings"
	"time"
)

const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Token is one tradeable outcome of a market.
type Token struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID   uint64 `gorm:"not null;uniqueIndex:uniq_tokens_market_outcome,priority:1"`
	Outcome    string `gorm:"type:varchar(8);not null;uniqueIndex:uniq_tokens_market_outcome,priority:2"`
	Venue      string `gorm:"type:varchar(32);not null;index"`
	ExternalID string `gorm:"type:varchar(200);not null;uniqueIndex"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Token) TableName() string {
	return "tokens"
}

// NormalizeOutcome maps venue spellings onto YES/NO. Unknown labels return "".
func NormalizeOutcome(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "YES", "Y", "TRUE", "1":
		return OutcomeYes
	case "NO", "N", "FALSE", "0":
		return OutcomeNo
	default:
		return ""
	}
}
