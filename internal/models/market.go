package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	VenuePolymarket = "polymarket"
	VenueKalshi     = "kalshi"
)

const (
	MarketStatusActive   = "active"
	MarketStatusClosed   = "closed"
	MarketStatusResolved = "resolved"
)

// Market is one question listed on a venue. (venue, external_id) is unique.
type Market struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Venue      string `gorm:"type:varchar(32);not null;uniqueIndex:uniq_markets_venue_external,priority:1"`
	ExternalID string `gorm:"type:varchar(200);not null;uniqueIndex:uniq_markets_venue_external,priority:2"`

	Title    string `gorm:"type:text;not null"`
	Category string `gorm:"type:varchar(120);index"`
	Slug     string `gorm:"type:varchar(255)"`

	Status            string     `gorm:"type:varchar(20);not null;index;default:'active'"`
	EndTime           *time.Time `gorm:"index"`
	ResolvedAt        *time.Time
	ResolutionOutcome *string `gorm:"type:varchar(8)"`

	// Volume24h is the periodically fetched venue figure; streamed trade
	// volume takes precedence wherever both exist.
	Volume24h decimal.Decimal `gorm:"column:volume_24h;type:numeric(30,6);not null;default:0"`
	Liquidity decimal.Decimal `gorm:"type:numeric(30,6);not null;default:0"`

	RawJSON datatypes.JSON

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index"`
}

func (Market) TableName() string {
	return "markets"
}

// SettlesAt is the earliest moment after which price action is settlement
// noise: the resolution time for settled markets, otherwise the end time.
func (m Market) SettlesAt() *time.Time {
	if m.Status != MarketStatusActive && m.ResolvedAt != nil {
		return m.ResolvedAt
	}
	return m.EndTime
}
