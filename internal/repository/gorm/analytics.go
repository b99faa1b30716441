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

func (s *Store) UpsertMarketStats(ctx context.Context, items []models.MarketStats) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_id"}},
		UpdateAll: true,
	}).CreateInBatches(items, 200).Error
}

func (s *Store) ListMarketStats(ctx context.Context, tokenIDs []uint64) (map[uint64]models.MarketStats, error) {
	out := map[uint64]models.MarketStats{}
	if s == nil || s.db == nil {
		return out, nil
	}
	query := s.db.WithContext(ctx).Model(&models.MarketStats{})
	if ids := cleanIDs(tokenIDs); len(ids) > 0 {
		query = query.Where("token_id IN ?", ids)
	}
	var items []models.MarketStats
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	for _, it := range items {
		out[it.TokenID] = it
	}
	return out, nil
}

// --- movers ------------------------------------------------------------------

func (s *Store) InsertMovers(ctx context.Context, items []models.Mover) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	// A concurrent run for the same (as_of, window) keeps the rows already stored.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createInBatches(tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "as_of"}, {Name: "window_seconds"}, {Name: "rank"}},
			DoNothing: true,
		}), items, 200)
	})
}

func (s *Store) LatestMoversAsOf(ctx context.Context, windowSeconds int) (*time.Time, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Mover
	err := s.db.WithContext(ctx).
		Model(&models.Mover{}).
		Where("window_seconds = ?", windowSeconds).
		Order("as_of desc").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	asOf := item.AsOf.UTC()
	return &asOf, nil
}

func (s *Store) ListMovers(ctx context.Context, windowSeconds int, asOf time.Time, limit int) ([]models.Mover, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Mover
	if err := s.db.WithContext(ctx).
		Model(&models.Mover{}).
		Where("window_seconds = ? AND as_of = ?", windowSeconds, asOf.UTC()).
		Order("rank asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- volume spikes -----------------------------------------------------------

func (s *Store) InsertSpike(ctx context.Context, item *models.VolumeSpike) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) LatestSpike(ctx context.Context, tokenID uint64, since time.Time) (*models.VolumeSpike, error) {
	if s == nil || s.db == nil || tokenID == 0 {
		return nil, nil
	}
	var item models.VolumeSpike
	err := s.db.WithContext(ctx).
		Model(&models.VolumeSpike{}).
		Where("token_id = ? AND detected_at >= ?", tokenID, since.UTC()).
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

func (s *Store) ListSpikes(ctx context.Context, params repository.ListSpikesParams) ([]models.VolumeSpike, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.VolumeSpike{})
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("detected_at >= ?", params.Since.UTC())
	}
	if params.Severity != nil && strings.TrimSpace(*params.Severity) != "" {
		query = query.Where("severity = ?", strings.TrimSpace(*params.Severity))
	}
	if params.Acknowledged != nil {
		if *params.Acknowledged {
			query = query.Where("acknowledged_at IS NOT NULL")
		} else {
			query = query.Where("acknowledged_at IS NULL")
		}
	}
	var items []models.VolumeSpike
	if err := query.
		Order("detected_at desc, id desc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AcknowledgeSpike(ctx context.Context, id uint64, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.VolumeSpike{}).
		Where("id = ? AND acknowledged_at IS NULL", id).
		Update("acknowledged_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.VolumeSpike{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return repository.ErrNotFound
	}
	return nil
}
