package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

func (s *Store) InsertAlerts(ctx context.Context, items []models.Alert) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return createInBatches(s.db.WithContext(ctx), items, 200)
}

func (s *Store) LatestAlert(ctx context.Context, tokenID uint64, windowSeconds int, alertType string, since time.Time) (*models.Alert, error) {
	if s == nil || s.db == nil || tokenID == 0 {
		return nil, nil
	}
	var item models.Alert
	err := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("token_id = ? AND window_seconds = ? AND alert_type = ?", tokenID, windowSeconds, alertType).
		Where("created_at >= ?", since.UTC()).
		Order("created_at desc").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) alertsQuery(ctx context.Context, params repository.ListAlertsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Alert{})
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", params.Since.UTC())
	}
	if params.AlertType != nil && strings.TrimSpace(*params.AlertType) != "" {
		query = query.Where("alert_type = ?", strings.TrimSpace(*params.AlertType))
	}
	if params.TokenID != nil && *params.TokenID > 0 {
		query = query.Where("token_id = ?", *params.TokenID)
	}
	if ids := cleanIDs(params.MarketIDs); len(ids) > 0 {
		query = query.Where("market_id IN ?", ids)
	}
	if params.Acknowledged != nil {
		if *params.Acknowledged {
			query = query.Where("acknowledged_at IS NOT NULL")
		} else {
			query = query.Where("acknowledged_at IS NULL")
		}
	}
	return query
}

func (s *Store) ListAlerts(ctx context.Context, params repository.ListAlertsParams) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.alertsQuery(ctx, params), params.OrderBy, params.Asc, "created_at", "created_at", "move_pp")
	var items []models.Alert
	if err := query.
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAlerts(ctx context.Context, params repository.ListAlertsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.alertsQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time, marketIDs []uint64) ([]models.Alert, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
	if ids := cleanIDs(marketIDs); len(ids) > 0 {
		query = query.Where("market_id IN ?", ids)
	}
	var items []models.Alert
	if err := query.Order("created_at asc").Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND acknowledged_at IS NULL", id).
		Update("acknowledged_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Alert{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) SuppressAlerts(ctx context.Context, items []models.SuppressedAlert, archive bool) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if archive {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoNothing: true,
			}).CreateInBatches(items, 200).Error; err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", ids).Delete(&models.Alert{}).Error
	})
}
