package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

const batchSize = 200

type Estimator struct {
	candles repository.CandleRepository
	volumes repository.VolumeRepository
	stats   repository.StatsRepository
	logger  *zap.Logger
	clock   clock.Clock

	lookback   time.Duration
	minSamples int
}

func NewEstimator(candles repository.CandleRepository, volumes repository.VolumeRepository, stats repository.StatsRepository, cfg config.StatsConfig, logger *zap.Logger, clk clock.Clock) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	days := cfg.LookbackDays
	if days <= 0 {
		days = 14
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 2
	}
	return &Estimator{
		candles:    candles,
		volumes:    volumes,
		stats:      stats,
		logger:     logger,
		clock:      clock.OrReal(clk),
		lookback:   time.Duration(days) * 24 * time.Hour,
		minSamples: minSamples,
	}
}

// Run recomputes stats for every token with 1h candles or traded volume in
// the lookback.
func (e *Estimator) Run(ctx context.Context) error {
	now := e.clock.Now()
	since := now.Add(-e.lookback)

	fromCandles, err := e.candles.ListCandleTokenIDs(ctx, models.Granularity1h, since)
	if err != nil {
		return fmt.Errorf("list candle tokens: %w", err)
	}
	fromVolume, err := e.volumes.ListHourlyTokenIDs(ctx, since)
	if err != nil {
		return fmt.Errorf("list volume tokens: %w", err)
	}
	ids := union(fromCandles, fromVolume)

	updated, sufficient := 0, 0
	for start := 0; start < len(ids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(ids))
		items, err := e.compute(ctx, ids[start:end], since, now)
		if err != nil {
			return err
		}
		if err := e.stats.UpsertMarketStats(ctx, items); err != nil {
			return fmt.Errorf("upsert stats: %w", err)
		}
		updated += len(items)
		for _, it := range items {
			if it.HasSufficientData {
				sufficient++
			}
		}
	}
	e.logger.Info("market stats computed", zap.Int("tokens", updated), zap.Int("sufficient", sufficient))
	return nil
}

// Refresh recomputes a single token on demand.
func (e *Estimator) Refresh(ctx context.Context, tokenID uint64) (*models.MarketStats, error) {
	now := e.clock.Now()
	items, err := e.compute(ctx, []uint64{tokenID}, now.Add(-e.lookback), now)
	if err != nil {
		return nil, err
	}
	if err := e.stats.UpsertMarketStats(ctx, items); err != nil {
		return nil, fmt.Errorf("upsert stats: %w", err)
	}
	return &items[0], nil
}

func (e *Estimator) compute(ctx context.Context, ids []uint64, since, now time.Time) ([]models.MarketStats, error) {
	candles, err := e.candles.ListCandlesByTokens(ctx, ids, models.Granularity1h, since)
	if err != nil {
		return nil, fmt.Errorf("list candles: %w", err)
	}
	hourly, err := e.volumes.ListHourlyVolumes(ctx, ids, since, now)
	if err != nil {
		return nil, fmt.Errorf("list hourly volume: %w", err)
	}
	candlesBy := map[uint64][]models.Candle{}
	for _, c := range candles {
		candlesBy[c.TokenID] = append(candlesBy[c.TokenID], c)
	}
	hourlyBy := map[uint64][]models.VolumeHourly{}
	for _, h := range hourly {
		hourlyBy[h.TokenID] = append(hourlyBy[h.TokenID], h)
	}
	out := make([]models.MarketStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, Compute(id, candlesBy[id], hourlyBy[id], e.minSamples, now))
	}
	return out, nil
}

func union(a, b []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(a)+len(b))
	out := make([]uint64, 0, len(a)+len(b))
	for _, list := range [][]uint64{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok || id == 0 {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
