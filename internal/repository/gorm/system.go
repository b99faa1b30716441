package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketpulse/internal/models"
)

func (s *Store) UpsertVenueStatus(ctx context.Context, item *models.VenueStatus) error {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.Venue) == "" {
		return nil
	}
	// UpdateAll would stamp updated_at with wall time; the caller's value wins.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "venue"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"connected", "mode", "latency_ms",
			"messages_received", "messages_malformed", "messages_unknown",
			"message_rate", "reconnects", "consecutive_failures",
			"subscription_count", "subscription_target",
			"ticks_written", "ticks_skipped",
			"last_error", "last_message_at", "updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListVenueStatus(ctx context.Context) ([]models.VenueStatus, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.VenueStatus
	if err := s.db.WithContext(ctx).Model(&models.VenueStatus{}).Order("venue asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SystemSetting
	if err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Order("key asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- retention ---------------------------------------------------------------

func (s *Store) deleteBefore(ctx context.Context, model any, column string, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where(column+" < ?", before.UTC()).Delete(model)
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteTicksBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, &models.Tick{}, "ts", before)
}

// DeleteCandlesBefore only removes final buckets.
func (s *Store) DeleteCandlesBefore(ctx context.Context, granularity int, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("granularity_seconds = ? AND final = ? AND bucket_start < ?", granularity, true, before.UTC()).
		Delete(&models.Candle{})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteMoversBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, &models.Mover{}, "as_of", before)
}

func (s *Store) DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, &models.Alert{}, "created_at", before)
}

func (s *Store) DeleteSpikesBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, &models.VolumeSpike{}, "detected_at", before)
}

// DeleteOpportunitiesBefore keeps active rows regardless of age.
func (s *Store) DeleteOpportunitiesBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status <> ? AND detected_at < ?", models.ArbStatusActive, before.UTC()).
		Delete(&models.ArbitrageOpportunity{})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteVolumeHourlyBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, &models.VolumeHourly{}, "bucket_ts", before)
}
