package alerts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/notify"
	"marketpulse/internal/repository"
)

// Counter receives the number of alerts that survived suppression.
type Counter interface {
	AlertsEmitted(alertType string, n int)
}

type Deps struct {
	Catalog  repository.CatalogRepository
	Ticks    repository.TickRepository
	Movers   repository.MoverRepository
	Spikes   repository.SpikeRepository
	Alerts   repository.AlertRepository
	Notifier notify.Notifier
	Counter  Counter
}

type Generator struct {
	catalog  repository.CatalogRepository
	ticks    repository.TickRepository
	movers   repository.MoverRepository
	spikes   repository.SpikeRepository
	alerts   repository.AlertRepository
	notifier notify.Notifier
	counter  Counter
	suppress *Suppressor
	logger   *zap.Logger
	clock    clock.Clock
	cfg      config.AlertsConfig

	mu           sync.Mutex
	lastMoversAt time.Time
	lastSpikesAt time.Time
}

func NewGenerator(deps Deps, cfg config.AlertsConfig, logger *zap.Logger, clk clock.Clock) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	clk = clock.OrReal(clk)
	return &Generator{
		catalog:  deps.Catalog,
		ticks:    deps.Ticks,
		movers:   deps.Movers,
		spikes:   deps.Spikes,
		alerts:   deps.Alerts,
		notifier: notifier,
		counter:  deps.Counter,
		suppress: NewSuppressor(deps.Catalog, deps.Alerts, cfg.ArchiveSuppressed, logger, clk),
		logger:   logger,
		clock:    clk,
		cfg:      withDefaults(cfg),
	}
}

func (g *Generator) Suppressor() *Suppressor {
	return g.suppress
}

func (g *Generator) Run(ctx context.Context) error {
	_, err := g.Generate(ctx)
	return err
}

type candidate struct {
	alert  models.Alert
	market models.Market
}

// Generate turns the newest movers snapshot and fresh spikes into alerts,
// suppresses settlement noise and mirrors, and notifies the survivors.
func (g *Generator) Generate(ctx context.Context) ([]models.Alert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	moves, err := g.moverCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	spikes, err := g.spikeCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	cands := append(moves, spikes...)
	if len(cands) == 0 {
		return nil, nil
	}

	items := make([]models.Alert, 0, len(cands))
	marketIDs := make([]uint64, 0, len(cands))
	marketBy := map[uint64]models.Market{}
	for _, c := range cands {
		items = append(items, c.alert)
		marketIDs = append(marketIDs, c.market.ID)
		marketBy[c.market.ID] = c.market
	}
	if err := g.alerts.InsertAlerts(ctx, items); err != nil {
		return nil, fmt.Errorf("insert alerts: %w", err)
	}

	from := now.Truncate(time.Minute)
	res, err := g.suppress.Apply(ctx, from, from.Add(time.Minute), marketIDs)
	if err != nil {
		return nil, err
	}

	final := items[:0:0]
	byType := map[string]int{}
	for _, a := range items {
		if _, gone := res[a.ID]; gone {
			continue
		}
		final = append(final, a)
		byType[a.AlertType]++
	}
	if g.counter != nil {
		for t, n := range byType {
			g.counter.AlertsEmitted(t, n)
		}
	}
	for i := range final {
		a := final[i]
		msg := notify.Message{
			Kind:  notify.KindAlert,
			Title: marketBy[a.MarketID].Title,
			Text:  a.Reason,
			Venue: marketBy[a.MarketID].Venue,
			Alert: &a,
			At:    a.CreatedAt,
		}
		if err := g.notifier.Notify(ctx, msg); err != nil {
			g.logger.Warn("alert notification incomplete", zap.String("alert", a.ID), zap.Error(err))
		}
	}
	g.logger.Info("alerts generated",
		zap.Int("candidates", len(items)),
		zap.Int("suppressed", len(res)),
		zap.Int("emitted", len(final)),
	)
	return final, nil
}

func (g *Generator) moverCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	window := g.cfg.WindowSeconds
	asOf, err := g.movers.LatestMoversAsOf(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("latest movers: %w", err)
	}
	if asOf == nil || !asOf.After(g.lastMoversAt) {
		return nil, nil
	}
	if asOf.Before(now.Add(-time.Duration(window) * time.Second)) {
		return nil, nil
	}
	rows, err := g.movers.ListMovers(ctx, window, *asOf, 500)
	if err != nil {
		return nil, fmt.Errorf("list movers: %w", err)
	}
	g.lastMoversAt = *asOf
	if len(rows) == 0 {
		return nil, nil
	}

	tokenIDs := make([]uint64, 0, len(rows))
	for _, r := range rows {
		tokenIDs = append(tokenIDs, r.TokenID)
	}
	tokens, markets, err := g.lookup(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}
	latest, err := g.ticks.LatestTicksForTokens(ctx, tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("latest ticks: %w", err)
	}

	var out []candidate
	for _, r := range rows {
		tok, ok := tokens[r.TokenID]
		if !ok {
			continue
		}
		market, ok := markets[tok.MarketID]
		if !ok || market.Status != models.MarketStatusActive {
			continue
		}
		vol, _ := r.Volume24h.Float64()
		if vol < g.cfg.MinVolume {
			continue
		}
		if t, ok := latest[r.TokenID]; ok && t.Spread != nil {
			if sp, _ := t.Spread.Float64(); sp > g.cfg.MaxSpread {
				continue
			}
		}
		threshold := Threshold(g.cfg, market.EndTime, now)
		absMove := math.Abs(r.MovePP)
		if absMove < threshold {
			continue
		}
		var spikeEdge *float64
		if r.SpikeRatio != nil {
			e := *r.SpikeRatio - g.cfg.SpikeRatio
			spikeEdge = &e
		}
		if !passesHoldZone(g.cfg, absMove-threshold, spikeEdge) {
			g.logger.Debug("borderline move held back",
				zap.Uint64("token", r.TokenID),
				zap.Float64("move_pp", r.MovePP),
				zap.Float64("threshold", threshold),
			)
			continue
		}
		last, err := g.alerts.LatestAlert(ctx, r.TokenID, window, models.AlertTypePriceMove, now.Add(-g.cfg.DedupWindow))
		if err != nil {
			return nil, fmt.Errorf("latest alert: %w", err)
		}
		if !shouldRealert(g.cfg, last, r.MovePP, r.SpikeRatio) {
			continue
		}

		priceNow, priceThen := r.PriceNow, r.PriceThen
		out = append(out, candidate{
			market: market,
			alert: models.Alert{
				ID:            uuid.NewString(),
				TokenID:       r.TokenID,
				MarketID:      market.ID,
				Outcome:       tok.Outcome,
				WindowSeconds: window,
				AlertType:     models.AlertTypePriceMove,
				MovePP:        r.MovePP,
				ThresholdPP:   threshold,
				SpikeRatio:    r.SpikeRatio,
				PriceNow:      &priceNow,
				PriceThen:     &priceThen,
				Volume24h:     r.Volume24h,
				Reason:        moveReason(market, tok.Outcome, r, now),
				CreatedAt:     now,
			},
		})
	}
	return out, nil
}

func (g *Generator) spikeCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	since := g.lastSpikesAt
	if floor := now.Add(-g.cfg.DedupWindow); since.Before(floor) {
		since = floor
	}
	rows, err := g.spikes.ListSpikes(ctx, repository.ListSpikesParams{Since: &since, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("list spikes: %w", err)
	}
	g.lastSpikesAt = now
	if len(rows) == 0 {
		return nil, nil
	}

	// one candidate per token, strongest ratio first
	best := map[uint64]models.VolumeSpike{}
	var order []uint64
	for _, s := range rows {
		if s.Ratio < g.cfg.SpikeRatio {
			continue
		}
		cur, _ := s.CurrentVolume.Float64()
		if cur < g.cfg.MinVolume {
			continue
		}
		prev, seen := best[s.TokenID]
		if !seen {
			order = append(order, s.TokenID)
		}
		if !seen || s.Ratio > prev.Ratio {
			best[s.TokenID] = s
		}
	}
	if len(order) == 0 {
		return nil, nil
	}
	tokens, markets, err := g.lookup(ctx, order)
	if err != nil {
		return nil, err
	}
	latest, err := g.ticks.LatestTicksForTokens(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("latest ticks: %w", err)
	}

	var out []candidate
	for _, id := range order {
		s := best[id]
		tok, ok := tokens[id]
		if !ok {
			continue
		}
		market, ok := markets[tok.MarketID]
		if !ok || market.Status != models.MarketStatusActive {
			continue
		}
		edge := s.Ratio - g.cfg.SpikeRatio
		if !passesHoldZone(g.cfg, math.Inf(-1), &edge) {
			continue
		}
		ratio := s.Ratio
		last, err := g.alerts.LatestAlert(ctx, id, 3600, models.AlertTypeVolumeSpike, now.Add(-g.cfg.DedupWindow))
		if err != nil {
			return nil, fmt.Errorf("latest alert: %w", err)
		}
		if !shouldRealert(g.cfg, last, 0, &ratio) {
			continue
		}
		a := models.Alert{
			ID:            uuid.NewString(),
			TokenID:       id,
			MarketID:      market.ID,
			Outcome:       tok.Outcome,
			WindowSeconds: 3600,
			AlertType:     models.AlertTypeVolumeSpike,
			SpikeRatio:    &ratio,
			Volume24h:     s.CurrentVolume,
			Reason:        spikeReason(market, tok.Outcome, s),
			CreatedAt:     now,
		}
		if t, ok := latest[id]; ok {
			p := t.Price
			a.PriceNow = &p
		}
		out = append(out, candidate{alert: a, market: market})
	}
	return out, nil
}

func (g *Generator) lookup(ctx context.Context, tokenIDs []uint64) (map[uint64]models.Token, map[uint64]models.Market, error) {
	tokens, err := g.catalog.ListTokensByIDs(ctx, tokenIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("tokens: %w", err)
	}
	tokenBy := make(map[uint64]models.Token, len(tokens))
	marketIDs := make([]uint64, 0, len(tokens))
	for _, t := range tokens {
		tokenBy[t.ID] = t
		marketIDs = append(marketIDs, t.MarketID)
	}
	markets, err := g.catalog.ListMarketsByIDs(ctx, marketIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("markets: %w", err)
	}
	marketBy := make(map[uint64]models.Market, len(markets))
	for _, m := range markets {
		marketBy[m.ID] = m
	}
	return tokenBy, marketBy, nil
}

func moveReason(m models.Market, outcome string, r models.Mover, now time.Time) string {
	parts := []string{fmt.Sprintf("%s (%s): %+.2fpp", m.Title, outcome, r.MovePP)}
	if r.SpikeRatio != nil {
		parts = append(parts, fmt.Sprintf("%.1fx volume", *r.SpikeRatio))
	}
	parts = append(parts, "$"+r.Volume24h.StringFixed(0)+" vol")
	if m.EndTime != nil {
		if left := m.EndTime.Sub(now); left > 0 && left <= 48*time.Hour {
			parts = append(parts, fmt.Sprintf("closes in %.0fh", left.Hours()))
		}
	}
	return strings.Join(parts, " | ")
}

func spikeReason(m models.Market, outcome string, s models.VolumeSpike) string {
	return fmt.Sprintf("%s (%s) | %.1fx normal volume | $%s (avg $%s) | [%s]",
		m.Title, outcome, s.Ratio,
		s.CurrentVolume.StringFixed(0), s.AvgVolume.Round(0).StringFixed(0),
		strings.ToUpper(s.Severity),
	)
}
