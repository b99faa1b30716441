package movers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

// VolumeSource returns streamed 24h volume per token.
type VolumeSource interface {
	Volume24h(ctx context.Context, tokenIDs []uint64) (map[uint64]decimal.Decimal, error)
}

// RatioSource returns the current volume spike ratio per token.
type RatioSource interface {
	Ratios(ctx context.Context, tokenIDs []uint64) (map[uint64]float64, error)
}

type Service struct {
	catalog repository.CatalogRepository
	ticks   repository.TickRepository
	stats   repository.StatsRepository
	movers  repository.MoverRepository
	volumes VolumeSource
	ratios  RatioSource
	logger  *zap.Logger
	clock   clock.Clock

	windows []int
	params  Params
}

type Deps struct {
	Catalog repository.CatalogRepository
	Ticks   repository.TickRepository
	Stats   repository.StatsRepository
	Movers  repository.MoverRepository
	Volumes VolumeSource
	Ratios  RatioSource
}

func NewService(deps Deps, cfg config.MoversConfig, logger *zap.Logger, clk clock.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	windows := cfg.Windows
	if len(windows) == 0 {
		windows = models.VolumeWindows
	}
	return &Service{
		catalog: deps.Catalog,
		ticks:   deps.Ticks,
		stats:   deps.Stats,
		movers:  deps.Movers,
		volumes: deps.Volumes,
		ratios:  deps.Ratios,
		logger:  logger,
		clock:   clock.OrReal(clk),
		windows: windows,
		params:  ParamsFromConfig(cfg),
	}
}

// Run computes a snapshot for every configured window.
func (s *Service) Run(ctx context.Context) error {
	now := s.clock.Now()
	for _, w := range s.windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.RunWindow(ctx, w, now); err != nil {
			return fmt.Errorf("movers %ds: %w", w, err)
		}
	}
	return nil
}

// RunWindow ranks one window as of now and stores the snapshot. A snapshot
// already written for the same second is left alone.
func (s *Service) RunWindow(ctx context.Context, windowSeconds int, now time.Time) ([]models.Mover, error) {
	asOf := now.UTC().Truncate(time.Second)
	if latest, err := s.movers.LatestMoversAsOf(ctx, windowSeconds); err != nil {
		return nil, err
	} else if latest != nil && !latest.Before(asOf) {
		return nil, nil
	}

	cands, err := s.candidates(ctx, windowSeconds, asOf)
	if err != nil {
		return nil, err
	}
	ranked := Rank(cands, s.params)
	items := make([]models.Mover, 0, len(ranked))
	for i, r := range ranked {
		items = append(items, models.Mover{
			AsOf:          asOf,
			WindowSeconds: windowSeconds,
			Rank:          i + 1,
			TokenID:       r.TokenID,
			MarketID:      r.MarketID,
			PriceNow:      r.PriceNow,
			PriceThen:     r.PriceThen,
			MovePP:        r.MovePP,
			Volume24h:     r.Volume24h,
			ZScore:        r.ZScore,
			SpikeRatio:    r.SpikeRatio,
			Score:         r.Score,
		})
	}
	if err := s.movers.InsertMovers(ctx, items); err != nil {
		return nil, fmt.Errorf("insert movers: %w", err)
	}
	s.logger.Debug("movers ranked",
		zap.Int("window", windowSeconds),
		zap.Int("candidates", len(cands)),
		zap.Int("kept", len(items)),
	)
	return items, nil
}

func (s *Service) candidates(ctx context.Context, windowSeconds int, now time.Time) ([]Candidate, error) {
	window := time.Duration(windowSeconds) * time.Second
	start := now.Add(-window)

	latest, err := s.ticks.LatestTicks(ctx, start, now)
	if err != nil {
		return nil, fmt.Errorf("latest ticks: %w", err)
	}
	if len(latest) == 0 {
		return nil, nil
	}
	lookback := max(window, time.Hour)
	before, err := s.ticks.LatestTicks(ctx, start.Add(-lookback), start)
	if err != nil {
		return nil, fmt.Errorf("ticks before window: %w", err)
	}
	earliest, err := s.ticks.EarliestTicks(ctx, start, now)
	if err != nil {
		return nil, fmt.Errorf("earliest ticks: %w", err)
	}

	ids := make([]uint64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	tokens, err := s.catalog.ListTokensByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	marketIDs := make([]uint64, 0, len(tokens))
	for _, t := range tokens {
		marketIDs = append(marketIDs, t.MarketID)
	}
	markets, err := s.catalog.ListMarketsByIDs(ctx, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("markets: %w", err)
	}
	marketBy := make(map[uint64]models.Market, len(markets))
	for _, m := range markets {
		marketBy[m.ID] = m
	}
	statsBy, err := s.stats.ListMarketStats(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	streamed := map[uint64]decimal.Decimal{}
	if s.volumes != nil {
		if streamed, err = s.volumes.Volume24h(ctx, ids); err != nil {
			return nil, fmt.Errorf("streamed volume: %w", err)
		}
	}
	ratios := map[uint64]float64{}
	if s.ratios != nil {
		if ratios, err = s.ratios.Ratios(ctx, ids); err != nil {
			s.logger.Warn("spike ratios unavailable", zap.Error(err))
			ratios = map[uint64]float64{}
		}
	}

	out := make([]Candidate, 0, len(tokens))
	for _, tok := range tokens {
		market, ok := marketBy[tok.MarketID]
		if !ok || market.Status != models.MarketStatusActive {
			continue
		}
		nowTick := latest[tok.ID]
		thenTick, ok := before[tok.ID]
		if !ok {
			if thenTick, ok = earliest[tok.ID]; !ok {
				continue
			}
		}
		c := Candidate{
			TokenID:   tok.ID,
			MarketID:  tok.MarketID,
			PriceNow:  nowTick.Price,
			PriceThen: thenTick.Price,
			Volume24h: pickVolume(streamed[tok.ID], market, nowTick),
		}
		if st, ok := statsBy[tok.ID]; ok {
			st := st
			c.Stats = &st
		}
		if r, ok := ratios[tok.ID]; ok {
			r := r
			c.SpikeRatio = &r
		}
		out = append(out, c)
	}
	return out, nil
}

// pickVolume prefers streamed trade volume, then the venue's market figure,
// then the figure carried on the tick.
func pickVolume(streamed decimal.Decimal, market models.Market, tick models.Tick) decimal.Decimal {
	if streamed.IsPositive() {
		return streamed
	}
	if market.Volume24h.IsPositive() {
		return market.Volume24h
	}
	if tick.Volume24h != nil && tick.Volume24h.IsPositive() {
		return *tick.Volume24h
	}
	return decimal.Zero
}
