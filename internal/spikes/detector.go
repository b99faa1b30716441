package spikes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type VolumeSource interface {
	Volume24h(ctx context.Context, tokenIDs []uint64) (map[uint64]decimal.Decimal, error)
}

type Detector struct {
	catalog repository.CatalogRepository
	volumes repository.VolumeRepository
	spikes  repository.SpikeRepository
	current VolumeSource
	logger  *zap.Logger
	clock   clock.Clock
	cfg     config.SpikesConfig
}

func NewDetector(catalog repository.CatalogRepository, volumes repository.VolumeRepository, spikes repository.SpikeRepository, current VolumeSource, cfg config.SpikesConfig, logger *zap.Logger, clk clock.Clock) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		catalog: catalog,
		volumes: volumes,
		spikes:  spikes,
		current: current,
		logger:  logger,
		clock:   clock.OrReal(clk),
		cfg:     withDefaults(cfg),
	}
}

// Measurement is one token's current volume against its baseline.
type Measurement struct {
	TokenID  uint64
	MarketID uint64
	Current  decimal.Decimal
	Average  float64
	Ratio    float64
}

// Measure computes ratios for tokens that have both a current volume and
// a usable baseline. Without ids it covers every token with recent ledger
// rows.
func (d *Detector) Measure(ctx context.Context, tokenIDs []uint64) ([]Measurement, error) {
	now := d.clock.Now()
	from := now.Add(-day - time.Duration(d.cfg.BaselineDays)*day)
	if len(tokenIDs) == 0 {
		ids, err := d.volumes.ListHourlyTokenIDs(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("list ledger tokens: %w", err)
		}
		tokenIDs = ids
	}
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	hourly, err := d.volumes.ListHourlyVolumes(ctx, tokenIDs, from, now.Add(-day))
	if err != nil {
		return nil, fmt.Errorf("list hourly volume: %w", err)
	}
	byToken := map[uint64][]models.VolumeHourly{}
	for _, h := range hourly {
		byToken[h.TokenID] = append(byToken[h.TokenID], h)
	}
	tokens, err := d.catalog.ListTokensByIDs(ctx, tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	current, err := d.currentVolumes(ctx, tokens)
	if err != nil {
		return nil, err
	}

	out := make([]Measurement, 0, len(tokens))
	for _, tok := range tokens {
		cur, ok := current[tok.ID]
		if !ok || !cur.IsPositive() {
			continue
		}
		avg, _, err := Baseline(byToken[tok.ID], now, d.cfg.BaselineDays, d.cfg.MinBaselineDays)
		if errors.Is(err, ErrNoBaseline) {
			continue
		}
		out = append(out, Measurement{
			TokenID:  tok.ID,
			MarketID: tok.MarketID,
			Current:  cur,
			Average:  avg,
			Ratio:    cur.InexactFloat64() / avg,
		})
	}
	return out, nil
}

// currentVolumes prefers streamed 24h volume and falls back to the venue's
// market figure.
func (d *Detector) currentVolumes(ctx context.Context, tokens []models.Token) (map[uint64]decimal.Decimal, error) {
	ids := make([]uint64, 0, len(tokens))
	marketIDs := make([]uint64, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.ID)
		marketIDs = append(marketIDs, t.MarketID)
	}
	out := map[uint64]decimal.Decimal{}
	if d.current != nil {
		streamed, err := d.current.Volume24h(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("streamed volume: %w", err)
		}
		out = streamed
	}
	markets, err := d.catalog.ListMarketsByIDs(ctx, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	marketVol := make(map[uint64]decimal.Decimal, len(markets))
	for _, m := range markets {
		marketVol[m.ID] = m.Volume24h
	}
	for _, t := range tokens {
		if v, ok := out[t.ID]; ok && v.IsPositive() {
			continue
		}
		if v := marketVol[t.MarketID]; v.IsPositive() {
			out[t.ID] = v
		}
	}
	return out, nil
}

// Ratios serves the movers ranking.
func (d *Detector) Ratios(ctx context.Context, tokenIDs []uint64) (map[uint64]float64, error) {
	out := map[uint64]float64{}
	if len(tokenIDs) == 0 {
		return out, nil
	}
	items, err := d.Measure(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range items {
		out[m.TokenID] = m.Ratio
	}
	return out, nil
}

// Run records new spikes. A token spiked within the dedup window is only
// recorded again when its ratio grew by the dedup factor.
func (d *Detector) Run(ctx context.Context) error {
	_, err := d.Detect(ctx)
	return err
}

func (d *Detector) Detect(ctx context.Context) ([]models.VolumeSpike, error) {
	now := d.clock.Now()
	items, err := d.Measure(ctx, nil)
	if err != nil {
		return nil, err
	}
	minVolume := decimal.NewFromFloat(d.cfg.MinVolume)

	var recorded []models.VolumeSpike
	for _, m := range items {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}
		if m.Ratio < d.cfg.MinRatio || m.Current.LessThan(minVolume) {
			continue
		}
		severity := Severity(m.Ratio, d.cfg)
		if severity == models.SeverityNone {
			continue
		}
		last, err := d.spikes.LatestSpike(ctx, m.TokenID, now.Add(-d.cfg.DedupWindow))
		if err != nil {
			return recorded, fmt.Errorf("latest spike: %w", err)
		}
		if last != nil && m.Ratio <= last.Ratio*d.cfg.DedupFactor {
			continue
		}
		spike := models.VolumeSpike{
			TokenID:       m.TokenID,
			MarketID:      m.MarketID,
			DetectedAt:    now,
			CurrentVolume: m.Current,
			AvgVolume:     decimal.NewFromFloat(m.Average).Round(6),
			Ratio:         m.Ratio,
			Severity:      severity,
		}
		if err := d.spikes.InsertSpike(ctx, &spike); err != nil {
			return recorded, fmt.Errorf("insert spike: %w", err)
		}
		recorded = append(recorded, spike)
		d.logger.Info("volume spike",
			zap.Uint64("token_id", m.TokenID),
			zap.Float64("ratio", m.Ratio),
			zap.String("severity", severity),
		)
	}
	return recorded, nil
}
