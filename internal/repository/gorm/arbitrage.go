package gormrepository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

// CreatePair inserts a pair after checking neither token is already in an
// active pair.
func (s *Store) CreatePair(ctx context.Context, item *models.MarketPair) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if item.Active {
			tokens := []uint64{item.PolyTokenID, item.AltTokenID}
			var count int64
			if err := tx.Model(&models.MarketPair{}).
				Where("active = ?", true).
				Where("poly_token_id IN ? OR alt_token_id IN ?", tokens, tokens).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return repository.ErrPairConflict
			}
		}
		return tx.Create(item).Error
	})
}

func (s *Store) DeactivatePair(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.MarketPair{}).Where("id = ?", id).Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrNotFound
		}
		now := time.Now().UTC()
		return tx.Model(&models.ArbitrageOpportunity{}).
			Where("pair_id = ? AND status = ?", id, models.ArbStatusActive).
			Updates(map[string]any{
				"status":     models.ArbStatusExpired,
				"expired_at": now,
				"updated_at": now,
			}).Error
	})
}

func (s *Store) ListPairs(ctx context.Context, activeOnly bool) ([]models.MarketPair, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.MarketPair{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var items []models.MarketPair
	if err := query.Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetActiveOpportunity(ctx context.Context, pairID uint64, arbType string) (*models.ArbitrageOpportunity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.ArbitrageOpportunity
	err := s.db.WithContext(ctx).
		Model(&models.ArbitrageOpportunity{}).
		Where("pair_id = ? AND arb_type = ? AND status = ?", pairID, arbType, models.ArbStatusActive).
		Order("detected_at desc").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveOpportunity(ctx context.Context, item *models.ArbitrageOpportunity) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.ID == 0 {
		return s.db.WithContext(ctx).Create(item).Error
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) ListActiveOpportunities(ctx context.Context, limit int) ([]models.ArbitrageOpportunity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.ArbitrageOpportunity
	if err := s.db.WithContext(ctx).
		Model(&models.ArbitrageOpportunity{}).
		Where("status = ?", models.ArbStatusActive).
		Order("profit_pct desc, id asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ExpireOpportunities(ctx context.Context, ids []uint64, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.ArbitrageOpportunity{}).
		Where("id IN ? AND status = ?", ids, models.ArbStatusActive).
		Updates(map[string]any{
			"status":     models.ArbStatusExpired,
			"expired_at": at.UTC(),
			"updated_at": at.UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) ExpireOpportunitiesBefore(ctx context.Context, detectedBefore time.Time, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.ArbitrageOpportunity{}).
		Where("status = ? AND detected_at < ?", models.ArbStatusActive, detectedBefore.UTC()).
		Updates(map[string]any{
			"status":     models.ArbStatusExpired,
			"expired_at": at.UTC(),
			"updated_at": at.UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) MarkOpportunityExecuted(ctx context.Context, id uint64, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.ArbitrageOpportunity{}).
		Where("id = ? AND status = ?", id, models.ArbStatusActive).
		Updates(map[string]any{
			"status":      models.ArbStatusExecuted,
			"executed_at": at.UTC(),
			"updated_at":  at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
