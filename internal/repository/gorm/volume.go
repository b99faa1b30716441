package gormrepository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketpulse/internal/models"
)

func (s *Store) EnsureWindowTx(ctx context.Context, tx *gorm.DB, tokenID uint64, windowSeconds int, at time.Time) error {
	if tx == nil {
		return nil
	}
	at = at.UTC()
	row := models.RollingVolumeWindow{
		TokenID:       tokenID,
		WindowSeconds: windowSeconds,
		VolumeTotal:   decimal.Zero,
		FirstTradeTS:  at,
		LastTradeTS:   at,
		UpdatedAt:     at,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_id"}, {Name: "window_seconds"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (s *Store) LockWindowTx(ctx context.Context, tx *gorm.DB, tokenID uint64, windowSeconds int) (*models.RollingVolumeWindow, error) {
	if tx == nil {
		return nil, nil
	}
	var item models.RollingVolumeWindow
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token_id = ? AND window_seconds = ?", tokenID, windowSeconds).
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveWindowTx(ctx context.Context, tx *gorm.DB, item *models.RollingVolumeWindow) error {
	if tx == nil || item == nil || item.ID == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&models.RollingVolumeWindow{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"volume_total":   item.VolumeTotal,
			"trade_count":    item.TradeCount,
			"first_trade_ts": item.FirstTradeTS.UTC(),
			"last_trade_ts":  item.LastTradeTS.UTC(),
			"updated_at":     item.UpdatedAt.UTC(),
		}).Error
}

func (s *Store) AddHourlyVolumeTx(ctx context.Context, tx *gorm.DB, tokenID uint64, bucket time.Time, notional decimal.Decimal) error {
	if tx == nil {
		return nil
	}
	row := models.VolumeHourly{
		TokenID:    tokenID,
		BucketTS:   bucket.UTC(),
		Volume:     notional,
		TradeCount: 1,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token_id"}, {Name: "bucket_ts"}},
		DoUpdates: clause.Assignments(map[string]any{
			"volume":      gorm.Expr("volume_hourly.volume + excluded.volume"),
			"trade_count": gorm.Expr("volume_hourly.trade_count + 1"),
			"updated_at":  gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&row).Error
}

func (s *Store) ListWindows(ctx context.Context, tokenID uint64) ([]models.RollingVolumeWindow, error) {
	if s == nil || s.db == nil || tokenID == 0 {
		return nil, nil
	}
	var items []models.RollingVolumeWindow
	if err := s.db.WithContext(ctx).
		Model(&models.RollingVolumeWindow{}).
		Where("token_id = ?", tokenID).
		Order("window_seconds asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListWindowsByLength(ctx context.Context, windowSeconds int, tokenIDs []uint64) ([]models.RollingVolumeWindow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.RollingVolumeWindow{}).Where("window_seconds = ?", windowSeconds)
	if ids := cleanIDs(tokenIDs); len(ids) > 0 {
		query = query.Where("token_id IN ?", ids)
	}
	var items []models.RollingVolumeWindow
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListHourlyVolumes(ctx context.Context, tokenIDs []uint64, from, to time.Time) ([]models.VolumeHourly, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.VolumeHourly{}).
		Where("bucket_ts >= ? AND bucket_ts < ?", from.UTC(), to.UTC())
	if ids := cleanIDs(tokenIDs); len(ids) > 0 {
		query = query.Where("token_id IN ?", ids)
	}
	var items []models.VolumeHourly
	if err := query.Order("token_id asc, bucket_ts asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListHourlyTokenIDs(ctx context.Context, since time.Time) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var ids []uint64
	if err := s.db.WithContext(ctx).
		Model(&models.VolumeHourly{}).
		Where("bucket_ts >= ?", since.UTC()).
		Distinct("token_id").
		Order("token_id asc").
		Pluck("token_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
