package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketpulse/internal/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrPairConflict = errors.New("token already belongs to an active pair")
)

type CatalogRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	UpsertMarketTx(ctx context.Context, tx *gorm.DB, item *models.Market) error
	UpsertTokensTx(ctx context.Context, tx *gorm.DB, items []models.Token) error
	GetMarket(ctx context.Context, id uint64) (*models.Market, error)
	ListMarketsByIDs(ctx context.Context, ids []uint64) ([]models.Market, error)
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]models.Market, error)
	MarkMarketResolved(ctx context.Context, marketID uint64, outcome string, at time.Time) error
	GetToken(ctx context.Context, id uint64) (*models.Token, error)
	ListTokensByIDs(ctx context.Context, ids []uint64) ([]models.Token, error)
	ListTokensByExternalIDs(ctx context.Context, externalIDs []string) ([]models.Token, error)
	ListTokensByMarketIDs(ctx context.Context, marketIDs []uint64) ([]models.Token, error)
	// ListStreamTokens returns tokens of active markets on venue, busiest
	// markets first.
	ListStreamTokens(ctx context.Context, venue string, limit int) ([]models.Token, error)
}

type TickRepository interface {
	InsertTicks(ctx context.Context, items []models.Tick) error
	// LatestTicks returns the newest tick per token with ts in [since, until].
	LatestTicks(ctx context.Context, since, until time.Time) (map[uint64]models.Tick, error)
	// EarliestTicks returns the oldest tick per token with ts in [since, until].
	EarliestTicks(ctx context.Context, since, until time.Time) (map[uint64]models.Tick, error)
	LatestTicksForTokens(ctx context.Context, tokenIDs []uint64) (map[uint64]models.Tick, error)
	ListTicks(ctx context.Context, tokenID uint64, since time.Time, limit int) ([]models.Tick, error)
	ListTicksBefore(ctx context.Context, before time.Time, afterID uint64, limit int) ([]models.Tick, error)
}

type VolumeRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	// EnsureWindowTx creates an empty window row when missing and leaves an
	// existing row alone.
	EnsureWindowTx(ctx context.Context, tx *gorm.DB, tokenID uint64, windowSeconds int, at time.Time) error
	// LockWindowTx reads a window row under a row lock.
	LockWindowTx(ctx context.Context, tx *gorm.DB, tokenID uint64, windowSeconds int) (*models.RollingVolumeWindow, error)
	SaveWindowTx(ctx context.Context, tx *gorm.DB, item *models.RollingVolumeWindow) error
	AddHourlyVolumeTx(ctx context.Context, tx *gorm.DB, tokenID uint64, bucket time.Time, notional decimal.Decimal) error
	ListWindows(ctx context.Context, tokenID uint64) ([]models.RollingVolumeWindow, error)
	ListWindowsByLength(ctx context.Context, windowSeconds int, tokenIDs []uint64) ([]models.RollingVolumeWindow, error)
	ListHourlyVolumes(ctx context.Context, tokenIDs []uint64, from, to time.Time) ([]models.VolumeHourly, error)
	ListHourlyTokenIDs(ctx context.Context, since time.Time) ([]uint64, error)
}

type CandleRepository interface {
	// UpsertCandles writes open and closed buckets. Rows already marked final
	// are never modified.
	UpsertCandles(ctx context.Context, items []models.Candle) error
	ListCandles(ctx context.Context, tokenID uint64, granularity int, since time.Time, limit int) ([]models.Candle, error)
	ListCandlesByTokens(ctx context.Context, tokenIDs []uint64, granularity int, since time.Time) ([]models.Candle, error)
	ListCandleTokenIDs(ctx context.Context, granularity int, since time.Time) ([]uint64, error)
}

type StatsRepository interface {
	UpsertMarketStats(ctx context.Context, items []models.MarketStats) error
	ListMarketStats(ctx context.Context, tokenIDs []uint64) (map[uint64]models.MarketStats, error)
}

type MoverRepository interface {
	InsertMovers(ctx context.Context, items []models.Mover) error
	LatestMoversAsOf(ctx context.Context, windowSeconds int) (*time.Time, error)
	ListMovers(ctx context.Context, windowSeconds int, asOf time.Time, limit int) ([]models.Mover, error)
}

type SpikeRepository interface {
	InsertSpike(ctx context.Context, item *models.VolumeSpike) error
	LatestSpike(ctx context.Context, tokenID uint64, since time.Time) (*models.VolumeSpike, error)
	ListSpikes(ctx context.Context, params ListSpikesParams) ([]models.VolumeSpike, error)
	AcknowledgeSpike(ctx context.Context, id uint64, at time.Time) error
}

type AlertRepository interface {
	InsertAlerts(ctx context.Context, items []models.Alert) error
	LatestAlert(ctx context.Context, tokenID uint64, windowSeconds int, alertType string, since time.Time) (*models.Alert, error)
	ListAlerts(ctx context.Context, params ListAlertsParams) ([]models.Alert, error)
	CountAlerts(ctx context.Context, params ListAlertsParams) (int64, error)
	// ListAlertsBetween returns alerts with created_at in [from, to), oldest
	// first. An empty marketIDs means every market.
	ListAlertsBetween(ctx context.Context, from, to time.Time, marketIDs []uint64) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) error
	// SuppressAlerts archives (optionally) and deletes the given alerts in
	// one transaction.
	SuppressAlerts(ctx context.Context, items []models.SuppressedAlert, archive bool) error
}

type ArbitrageRepository interface {
	CreatePair(ctx context.Context, item *models.MarketPair) error
	DeactivatePair(ctx context.Context, id uint64) error
	ListPairs(ctx context.Context, activeOnly bool) ([]models.MarketPair, error)
	GetActiveOpportunity(ctx context.Context, pairID uint64, arbType string) (*models.ArbitrageOpportunity, error)
	SaveOpportunity(ctx context.Context, item *models.ArbitrageOpportunity) error
	ListActiveOpportunities(ctx context.Context, limit int) ([]models.ArbitrageOpportunity, error)
	ExpireOpportunities(ctx context.Context, ids []uint64, at time.Time) (int64, error)
	ExpireOpportunitiesBefore(ctx context.Context, detectedBefore time.Time, at time.Time) (int64, error)
	MarkOpportunityExecuted(ctx context.Context, id uint64, at time.Time) error
}

type StatusRepository interface {
	UpsertVenueStatus(ctx context.Context, item *models.VenueStatus) error
	ListVenueStatus(ctx context.Context) ([]models.VenueStatus, error)
}

type SettingsRepository interface {
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	ListSystemSettings(ctx context.Context) ([]models.SystemSetting, error)
}

type RetentionRepository interface {
	DeleteTicksBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteCandlesBefore(ctx context.Context, granularity int, before time.Time) (int64, error)
	DeleteMoversBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteSpikesBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteVolumeHourlyBefore(ctx context.Context, before time.Time) (int64, error)
}

// Repository is everything the gorm store implements.
type Repository interface {
	CatalogRepository
	TickRepository
	VolumeRepository
	CandleRepository
	StatsRepository
	MoverRepository
	SpikeRepository
	AlertRepository
	ArbitrageRepository
	StatusRepository
	SettingsRepository
	RetentionRepository
}

type ListMarketsParams struct {
	Limit    int
	Offset   int
	Venue    *string
	Status   *string
	Category *string
	Search   *string
	OrderBy  string
	Asc      *bool
}

type ListAlertsParams struct {
	Limit        int
	Offset       int
	Since        *time.Time
	AlertType    *string
	TokenID      *uint64
	MarketIDs    []uint64
	Acknowledged *bool
	OrderBy      string
	Asc          *bool
}

type ListSpikesParams struct {
	Limit        int
	Offset       int
	Since        *time.Time
	Severity     *string
	Acknowledged *bool
}
