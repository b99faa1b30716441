package gormrepository

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"marketpulse/internal/models"
)

func (s *Store) UpsertCandles(ctx context.Context, items []models.Candle) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token_id"}, {Name: "granularity_seconds"}, {Name: "bucket_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open",
			"high",
			"low",
			"close",
			"volume",
			"tick_count",
			"final",
			"updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "ohlc_candles.final = ?", Vars: []any{false}},
		}},
	}).CreateInBatches(items, 200).Error
}

func (s *Store) ListCandles(ctx context.Context, tokenID uint64, granularity int, since time.Time, limit int) ([]models.Candle, error) {
	if s == nil || s.db == nil || tokenID == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Where("token_id = ? AND granularity_seconds = ?", tokenID, granularity)
	if !since.IsZero() {
		query = query.Where("bucket_start >= ?", since.UTC())
	}
	var items []models.Candle
	if err := query.Order("bucket_start desc").Limit(normalizeLimit(limit, 120)).Find(&items).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *Store) ListCandlesByTokens(ctx context.Context, tokenIDs []uint64, granularity int, since time.Time) ([]models.Candle, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	tokenIDs = cleanIDs(tokenIDs)
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	var items []models.Candle
	if err := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Where("token_id IN ?", tokenIDs).
		Where("granularity_seconds = ?", granularity).
		Where("bucket_start >= ?", since.UTC()).
		Order("token_id asc, bucket_start asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListCandleTokenIDs(ctx context.Context, granularity int, since time.Time) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var ids []uint64
	if err := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Where("granularity_seconds = ? AND bucket_start >= ?", granularity, since.UTC()).
		Distinct("token_id").
		Order("token_id asc").
		Pluck("token_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
