package db

import (
	"marketpulse/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Market{},
		&models.Token{},
		&models.Tick{},
		&models.Candle{},
		&models.RollingVolumeWindow{},
		&models.VolumeHourly{},
		&models.MarketStats{},
		&models.Mover{},
		&models.VolumeSpike{},
		&models.Alert{},
		&models.SuppressedAlert{},
		&models.MarketPair{},
		&models.ArbitrageOpportunity{},
		&models.VenueStatus{},
		&models.SystemSetting{},
	)
}
