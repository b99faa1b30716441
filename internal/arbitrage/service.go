package arbitrage

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
	"marketpulse/internal/notify"
	"marketpulse/internal/pricecache"
	"marketpulse/internal/repository"
)

type PriceSource interface {
	Latest(ctx context.Context, tokenIDs []uint64) (map[uint64]pricecache.Point, error)
}

type Service struct {
	repo     repository.ArbitrageRepository
	catalog  repository.CatalogRepository
	prices   PriceSource
	notifier notify.Notifier
	logger   *zap.Logger
	clock    clock.Clock

	minMargin   decimal.Decimal
	expiry      time.Duration
	maxPriceAge time.Duration
}

func NewService(repo repository.ArbitrageRepository, catalog repository.CatalogRepository, prices PriceSource, notifier notify.Notifier, cfg config.ArbitrageConfig, logger *zap.Logger, clk clock.Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	minMargin := cfg.MinMargin
	if minMargin <= 0 {
		minMargin = 0.002
	}
	return &Service{
		repo:        repo,
		catalog:     catalog,
		prices:      prices,
		notifier:    notifier,
		logger:      logger,
		clock:       clock.OrReal(clk),
		minMargin:   decimal.NewFromFloat(minMargin),
		expiry:      expiry,
		maxPriceAge: cfg.MaxPriceAge,
	}
}

type ScanResult struct {
	Detected int
	Updated  int
	Expired  int64
	Rejected int
}

func (s *Service) Run(ctx context.Context) error {
	res, err := s.Scan(ctx)
	if err != nil {
		return err
	}
	if res.Detected+res.Updated > 0 || res.Expired > 0 {
		s.logger.Info("arbitrage scan",
			zap.Int("detected", res.Detected),
			zap.Int("updated", res.Updated),
			zap.Int64("expired", res.Expired),
			zap.Int("rejected", res.Rejected),
		)
	}
	return nil
}

// pairLegs are the token ids behind one pair. NO ids are zero when the
// market has no NO token.
type pairLegs struct {
	pair   models.MarketPair
	polyNo uint64
	altNo  uint64
}

// Scan expires aged opportunities, evaluates every active pair and keeps at
// most one active row per pair and type.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := s.clock.Now().UTC()

	n, err := s.repo.ExpireOpportunitiesBefore(ctx, now.Add(-s.expiry), now)
	if err != nil {
		return res, fmt.Errorf("expire aged: %w", err)
	}
	res.Expired += n

	pairs, err := s.repo.ListPairs(ctx, true)
	if err != nil {
		return res, fmt.Errorf("list pairs: %w", err)
	}
	if len(pairs) == 0 {
		return res, nil
	}
	legs, tokenIDs, err := s.resolveLegs(ctx, pairs)
	if err != nil {
		return res, err
	}
	prices, err := s.prices.Latest(ctx, tokenIDs)
	if err != nil {
		return res, fmt.Errorf("latest prices: %w", err)
	}

	var stale []uint64
	for _, l := range legs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		quote, ok := s.quote(l, prices, now)
		var found Result
		if ok {
			found, ok = Evaluate(quote, s.minMargin)
		}
		for _, arbType := range []string{models.ArbYesNo, models.ArbNoYes} {
			active, err := s.repo.GetActiveOpportunity(ctx, l.pair.ID, arbType)
			if err != nil {
				return res, fmt.Errorf("active opportunity: %w", err)
			}
			if !ok || found.ArbType != arbType {
				if active != nil {
					stale = append(stale, active.ID)
				}
				continue
			}
			op := models.ArbitrageOpportunity{
				PairID:     l.pair.ID,
				ArbType:    arbType,
				Status:     models.ArbStatusActive,
				DetectedAt: now,
			}
			if active != nil {
				op = *active
			}
			op.PolyYes, op.PolyNo = quote.PolyYes, quote.PolyNo
			op.AltYes, op.AltNo = quote.AltYes, quote.AltNo
			op.TotalCost = found.TotalCost
			op.ProfitMargin = found.ProfitMargin
			op.ProfitPct = found.ProfitPct
			op.UpdatedAt = now

			if err := CheckInvariant(op); err != nil {
				res.Rejected++
				s.logger.Error("bug: arbitrage row rejected before write",
					zap.Uint64("pair", l.pair.ID),
					zap.String("type", arbType),
					zap.Error(err),
				)
				if active != nil {
					stale = append(stale, active.ID)
				}
				continue
			}
			if err := s.repo.SaveOpportunity(ctx, &op); err != nil {
				return res, fmt.Errorf("save opportunity: %w", err)
			}
			if active != nil {
				res.Updated++
				continue
			}
			res.Detected++
			s.announce(ctx, op)
		}
	}
	if len(stale) > 0 {
		n, err := s.repo.ExpireOpportunities(ctx, stale, now)
		if err != nil {
			return res, fmt.Errorf("expire stale: %w", err)
		}
		res.Expired += n
	}
	return res, nil
}

func (s *Service) resolveLegs(ctx context.Context, pairs []models.MarketPair) ([]pairLegs, []uint64, error) {
	yesIDs := make([]uint64, 0, len(pairs)*2)
	for _, p := range pairs {
		yesIDs = append(yesIDs, p.PolyTokenID, p.AltTokenID)
	}
	yesTokens, err := s.catalog.ListTokensByIDs(ctx, yesIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("pair tokens: %w", err)
	}
	marketOf := make(map[uint64]uint64, len(yesTokens))
	marketIDs := make([]uint64, 0, len(yesTokens))
	for _, t := range yesTokens {
		marketOf[t.ID] = t.MarketID
		marketIDs = append(marketIDs, t.MarketID)
	}
	siblings, err := s.catalog.ListTokensByMarketIDs(ctx, marketIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("sibling tokens: %w", err)
	}
	noOf := map[uint64]uint64{}
	for _, t := range siblings {
		if t.Outcome == models.OutcomeNo {
			noOf[t.MarketID] = t.ID
		}
	}

	out := make([]pairLegs, 0, len(pairs))
	ids := append([]uint64(nil), yesIDs...)
	for _, p := range pairs {
		l := pairLegs{pair: p}
		if m, ok := marketOf[p.PolyTokenID]; ok {
			l.polyNo = noOf[m]
		}
		if m, ok := marketOf[p.AltTokenID]; ok {
			l.altNo = noOf[m]
		}
		if l.polyNo != 0 {
			ids = append(ids, l.polyNo)
		}
		if l.altNo != 0 {
			ids = append(ids, l.altNo)
		}
		out = append(out, l)
	}
	return out, ids, nil
}

// quote needs a fresh YES price on both sides. A missing or stale NO price
// is derived from YES.
func (s *Service) quote(l pairLegs, prices map[uint64]pricecache.Point, now time.Time) (Quote, bool) {
	polyYes, ok := s.fresh(prices, l.pair.PolyTokenID, now)
	if !ok {
		return Quote{}, false
	}
	altYes, ok := s.fresh(prices, l.pair.AltTokenID, now)
	if !ok {
		return Quote{}, false
	}
	q := QuoteFromYes(polyYes, altYes)
	if p, ok := s.fresh(prices, l.polyNo, now); ok {
		q.PolyNo = p
	}
	if p, ok := s.fresh(prices, l.altNo, now); ok {
		q.AltNo = p
	}
	return q, true
}

func (s *Service) fresh(prices map[uint64]pricecache.Point, tokenID uint64, now time.Time) (decimal.Decimal, bool) {
	if tokenID == 0 {
		return decimal.Zero, false
	}
	p, ok := prices[tokenID]
	if !ok {
		return decimal.Zero, false
	}
	if s.maxPriceAge > 0 && now.Sub(p.TS) > s.maxPriceAge {
		return decimal.Zero, false
	}
	return p.Price, true
}

func (s *Service) announce(ctx context.Context, op models.ArbitrageOpportunity) {
	msg := notify.Message{
		Kind:  notify.KindOpportunity,
		Title: fmt.Sprintf("Arbitrage %s on pair %d", op.ArbType, op.PairID),
		Text:  fmt.Sprintf("cost %s | margin %s | %s%%", op.TotalCost.StringFixed(4), op.ProfitMargin.StringFixed(4), op.ProfitPct.StringFixed(2)),
		At:    op.DetectedAt,
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn("arbitrage notification incomplete", zap.Uint64("opportunity", op.ID), zap.Error(err))
	}
}

// Execute marks an active opportunity executed.
func (s *Service) Execute(ctx context.Context, id uint64) error {
	if err := s.repo.MarkOpportunityExecuted(ctx, id, s.clock.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("execute opportunity %d: %w", id, err)
	}
	return nil
}
