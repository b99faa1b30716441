package gormrepository

import (
	"context"
	"time"

	"marketpulse/internal/models"
)

func (s *Store) InsertTicks(ctx context.Context, items []models.Tick) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return createInBatches(s.db.WithContext(ctx), items, 500)
}

func (s *Store) LatestTicks(ctx context.Context, since, until time.Time) (map[uint64]models.Tick, error) {
	return s.edgeTicks(ctx, "MAX", since, until, nil)
}

func (s *Store) EarliestTicks(ctx context.Context, since, until time.Time) (map[uint64]models.Tick, error) {
	return s.edgeTicks(ctx, "MIN", since, until, nil)
}

func (s *Store) LatestTicksForTokens(ctx context.Context, tokenIDs []uint64) (map[uint64]models.Tick, error) {
	tokenIDs = cleanIDs(tokenIDs)
	if len(tokenIDs) == 0 {
		return map[uint64]models.Tick{}, nil
	}
	return s.edgeTicks(ctx, "MAX", time.Time{}, time.Time{}, tokenIDs)
}

// edgeTicks picks one tick per token at the MIN or MAX timestamp inside the
// range. Duplicate timestamps resolve to the latest inserted row.
func (s *Store) edgeTicks(ctx context.Context, agg string, since, until time.Time, tokenIDs []uint64) (map[uint64]models.Tick, error) {
	out := map[uint64]models.Tick{}
	if s == nil || s.db == nil {
		return out, nil
	}
	sub := s.db.WithContext(ctx).Model(&models.Tick{}).Select("token_id, " + agg + "(ts) AS edge_ts")
	if !since.IsZero() {
		sub = sub.Where("ts >= ?", since.UTC())
	}
	if !until.IsZero() {
		sub = sub.Where("ts <= ?", until.UTC())
	}
	if len(tokenIDs) > 0 {
		sub = sub.Where("token_id IN ?", tokenIDs)
	}
	sub = sub.Group("token_id")

	var rows []models.Tick
	if err := s.db.WithContext(ctx).
		Table("ticks").
		Select("ticks.*").
		Joins("JOIN (?) AS edge ON edge.token_id = ticks.token_id AND edge.edge_ts = ticks.ts", sub).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		if prev, ok := out[row.TokenID]; ok && prev.ID > row.ID {
			continue
		}
		out[row.TokenID] = row
	}
	return out, nil
}

func (s *Store) ListTicks(ctx context.Context, tokenID uint64, since time.Time, limit int) ([]models.Tick, error) {
	if s == nil || s.db == nil || tokenID == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Tick{}).Where("token_id = ?", tokenID)
	if !since.IsZero() {
		query = query.Where("ts >= ?", since.UTC())
	}
	var items []models.Tick
	if err := query.Order("ts desc, id desc").Limit(normalizeLimit(limit, 200)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTicksBefore(ctx context.Context, before time.Time, afterID uint64, limit int) ([]models.Tick, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5000
	}
	var items []models.Tick
	if err := s.db.WithContext(ctx).
		Model(&models.Tick{}).
		Where("ts < ?", before.UTC()).
		Where("id > ?", afterID).
		Order("id asc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
