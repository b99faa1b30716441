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

func (s *Store) UpsertMarketTx(ctx context.Context, tx *gorm.DB, item *models.Market) error {
	if tx == nil || item == nil {
		return nil
	}
	item.Venue = strings.TrimSpace(item.Venue)
	item.ExternalID = strings.TrimSpace(item.ExternalID)
	if item.Venue == "" || item.ExternalID == "" {
		return nil
	}
	columns := []string{
		"title",
		"category",
		"slug",
		"status",
		"end_time",
		"volume_24h",
		"liquidity",
		"raw_json",
		"updated_at",
	}
	if item.ResolvedAt != nil {
		columns = append(columns, "resolved_at", "resolution_outcome")
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "venue"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(item).Error
	if err != nil {
		return err
	}
	var ids []uint64
	if err := tx.WithContext(ctx).
		Model(&models.Market{}).
		Where("venue = ? AND external_id = ?", item.Venue, item.ExternalID).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) > 0 {
		item.ID = ids[0]
	}
	return nil
}

func (s *Store) UpsertTokensTx(ctx context.Context, tx *gorm.DB, items []models.Token) error {
	if tx == nil || len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"market_id",
			"outcome",
			"venue",
			"updated_at",
		}),
	}).CreateInBatches(items, 200).Error
}

func (s *Store) GetMarket(ctx context.Context, id uint64) (*models.Market, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).Model(&models.Market{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListMarketsByIDs(ctx context.Context, ids []uint64) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Market
	if err := s.db.WithContext(ctx).Model(&models.Market{}).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Market{})
	if params.Venue != nil && strings.TrimSpace(*params.Venue) != "" {
		query = query.Where("venue = ?", strings.TrimSpace(*params.Venue))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Category != nil && strings.TrimSpace(*params.Category) != "" {
		query = query.Where("category = ?", strings.TrimSpace(*params.Category))
	}
	if params.Search != nil && strings.TrimSpace(*params.Search) != "" {
		query = query.Where("LOWER(title) LIKE ?", "%"+strings.ToLower(strings.TrimSpace(*params.Search))+"%")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "volume_24h", "volume_24h", "end_time", "updated_at", "id")
	var items []models.Market
	if err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) MarkMarketResolved(ctx context.Context, marketID uint64, outcome string, at time.Time) error {
	if s == nil || s.db == nil || marketID == 0 {
		return nil
	}
	updates := map[string]any{
		"status":      models.MarketStatusResolved,
		"resolved_at": at.UTC(),
		"updated_at":  at.UTC(),
	}
	if outcome != "" {
		updates["resolution_outcome"] = outcome
	}
	res := s.db.WithContext(ctx).Model(&models.Market{}).Where("id = ?", marketID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id uint64) (*models.Token, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Token
	err := s.db.WithContext(ctx).Model(&models.Token{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListTokensByIDs(ctx context.Context, ids []uint64) ([]models.Token, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Token
	if err := s.db.WithContext(ctx).Model(&models.Token{}).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTokensByExternalIDs(ctx context.Context, externalIDs []string) ([]models.Token, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	externalIDs = cleanStrings(externalIDs)
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var items []models.Token
	if err := s.db.WithContext(ctx).Model(&models.Token{}).Where("external_id IN ?", externalIDs).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTokensByMarketIDs(ctx context.Context, marketIDs []uint64) ([]models.Token, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	marketIDs = cleanIDs(marketIDs)
	if len(marketIDs) == 0 {
		return nil, nil
	}
	var items []models.Token
	if err := s.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("market_id IN ?", marketIDs).
		Order("market_id asc, outcome desc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListStreamTokens(ctx context.Context, venue string, limit int) ([]models.Token, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	var items []models.Token
	if err := s.db.WithContext(ctx).
		Model(&models.Token{}).
		Select("tokens.*").
		Joins("JOIN markets ON markets.id = tokens.market_id").
		Where("tokens.venue = ?", strings.TrimSpace(venue)).
		Where("markets.status = ?", models.MarketStatusActive).
		Order("markets.volume_24h desc, tokens.id asc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
