package models

import "time"

// VenueStatus is the last persisted connection snapshot per venue.
type VenueStatus struct {
	Venue               string  `gorm:"primaryKey;type:varchar(32)"`
	Connected           bool    `gorm:"not null"`
	Mode                string  `gorm:"type:varchar(32);not null"`
	LatencyMs           float64 `gorm:"not null;default:0"`
	MessagesReceived    int64   `gorm:"not null;default:0"`
	MessagesMalformed   int64   `gorm:"not null;default:0"`
	MessagesUnknown     int64   `gorm:"not null;default:0"`
	MessageRate         float64 `gorm:"not null;default:0"`
	Reconnects          int64   `gorm:"not null;default:0"`
	ConsecutiveFailures int     `gorm:"not null;default:0"`
	SubscriptionCount   int     `gorm:"not null;default:0"`
	SubscriptionTarget  int     `gorm:"not null;default:0"`
	TicksWritten        int64   `gorm:"not null;default:0"`
	TicksSkipped        int64   `gorm:"not null;default:0"`
	LastError           string  `gorm:"type:text"`
	LastMessageAt       *time.Time
	UpdatedAt           time.Time `gorm:"not null"`
}

func (VenueStatus) TableName() string {
	return "venue_status"
}
