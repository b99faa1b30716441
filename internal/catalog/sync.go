// Package catalog keeps the market and token registry in step with the
// venues and hands the stream managers the ids worth subscribing to.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"marketpulse/internal/client/kalshi"
	polymarketgamma "marketpulse/internal/client/polymarket/gamma"
	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type GammaSource interface {
	ListMarkets(ctx context.Context, p polymarketgamma.ListMarketsParams) ([]polymarketgamma.Market, int, error)
	GetMarket(ctx context.Context, id string) (*polymarketgamma.Market, error)
}

type KalshiSource interface {
	ListMarkets(ctx context.Context, p kalshi.ListMarketsParams) ([]kalshi.Market, string, error)
	GetMarket(ctx context.Context, ticker string) (*kalshi.Market, error)
}

// NewTokensFunc receives the external ids of tokens seen for the first time.
type NewTokensFunc func(venue string, externalIDs []string)

type Syncer struct {
	store  repository.CatalogRepository
	gamma  GammaSource
	kalshi KalshiSource
	logger *zap.Logger
	clock  clock.Clock

	pageLimit int
	maxPages  int
	onNew     []NewTokensFunc
}

type Result struct {
	Venue     string
	Pages     int
	Markets   int
	Tokens    int
	NewTokens int
	Resolved  int
}

// NewSyncer builds a syncer. Either source may be nil to skip that venue.
func NewSyncer(store repository.CatalogRepository, gamma GammaSource, kalshiSrc KalshiSource, cfg config.CatalogConfig, logger *zap.Logger, clk clock.Clock) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		store:     store,
		gamma:     gamma,
		kalshi:    kalshiSrc,
		logger:    logger,
		clock:     clock.OrReal(clk),
		pageLimit: normalizeLimit(cfg.PageLimit),
		maxPages:  normalizeMaxPages(cfg.MaxPages),
	}
}

// OnNewTokens registers a hook fired after a sync commits new tokens.
func (s *Syncer) OnNewTokens(fn NewTokensFunc) {
	if fn != nil {
		s.onNew = append(s.onNew, fn)
	}
}

// Run syncs every configured venue and then checks expired markets for a
// resolution. A failing venue does not stop the others.
func (s *Syncer) Run(ctx context.Context) error {
	var errs []error
	if s.gamma != nil {
		res, err := s.SyncPolymarket(ctx)
		s.logResult(res, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.kalshi != nil {
		res, err := s.SyncKalshi(ctx)
		s.logResult(res, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if n, err := s.ResolveExpired(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.Info("markets resolved", zap.Int("count", n))
	}
	return errors.Join(errs...)
}

func (s *Syncer) logResult(res Result, err error) {
	if err != nil {
		s.logger.Warn("catalog sync failed", zap.String("venue", res.Venue), zap.Error(err))
		return
	}
	s.logger.Info("catalog synced",
		zap.String("venue", res.Venue),
		zap.Int("pages", res.Pages),
		zap.Int("markets", res.Markets),
		zap.Int("tokens", res.Tokens),
		zap.Int("new_tokens", res.NewTokens),
		zap.Int("resolved", res.Resolved),
	)
}

// SyncPolymarket walks the active, open Gamma listing page by page.
func (s *Syncer) SyncPolymarket(ctx context.Context) (Result, error) {
	res := Result{Venue: models.VenuePolymarket}
	if s.gamma == nil {
		return res, nil
	}
	active, closed := true, false
	offset := 0
	for page := 0; page < s.maxPages; page++ {
		items, n, err := s.gamma.ListMarkets(ctx, polymarketgamma.ListMarketsParams{
			Limit:  s.pageLimit,
			Offset: offset,
			Active: &active,
			Closed: &closed,
		})
		if err != nil {
			return res, fmt.Errorf("gamma markets offset %d: %w", offset, err)
		}
		res.Pages++
		entries := make([]entry, 0, len(items))
		for _, item := range items {
			if e, ok := s.fromGamma(item); ok {
				entries = append(entries, e)
			}
		}
		if err := s.apply(ctx, models.VenuePolymarket, entries, &res); err != nil {
			return res, err
		}
		if n < s.pageLimit {
			break
		}
		offset += n
	}
	return res, nil
}

// SyncKalshi follows the /markets cursor over open markets.
func (s *Syncer) SyncKalshi(ctx context.Context) (Result, error) {
	res := Result{Venue: models.VenueKalshi}
	if s.kalshi == nil {
		return res, nil
	}
	cursor := ""
	for page := 0; page < s.maxPages; page++ {
		items, next, err := s.kalshi.ListMarkets(ctx, kalshi.ListMarketsParams{
			Status: "open",
			Limit:  s.pageLimit,
			Cursor: cursor,
		})
		if err != nil {
			return res, fmt.Errorf("kalshi markets page %d: %w", page, err)
		}
		res.Pages++
		entries := make([]entry, 0, len(items))
		for _, item := range items {
			if e, ok := s.fromKalshi(item); ok {
				entries = append(entries, e)
			}
		}
		if err := s.apply(ctx, models.VenueKalshi, entries, &res); err != nil {
			return res, err
		}
		if next == "" || len(items) == 0 {
			break
		}
		cursor = next
	}
	return res, nil
}

type entry struct {
	market models.Market
	tokens []models.Token
}

func (s *Syncer) apply(ctx context.Context, venue string, entries []entry, res *Result) error {
	if len(entries) == 0 {
		return nil
	}
	extIDs := make([]string, 0, len(entries)*2)
	for _, e := range entries {
		for _, tok := range e.tokens {
			extIDs = append(extIDs, tok.ExternalID)
		}
	}
	known, err := s.store.ListTokensByExternalIDs(ctx, extIDs)
	if err != nil {
		return fmt.Errorf("load known tokens: %w", err)
	}
	seen := make(map[string]struct{}, len(known))
	for _, tok := range known {
		seen[tok.ExternalID] = struct{}{}
	}

	err = s.store.InTx(ctx, func(tx *gorm.DB) error {
		for i := range entries {
			e := &entries[i]
			if err := s.store.UpsertMarketTx(ctx, tx, &e.market); err != nil {
				return fmt.Errorf("upsert market %s: %w", e.market.ExternalID, err)
			}
			if e.market.ID == 0 {
				continue
			}
			for j := range e.tokens {
				e.tokens[j].MarketID = e.market.ID
			}
			if err := s.store.UpsertTokensTx(ctx, tx, e.tokens); err != nil {
				return fmt.Errorf("upsert tokens %s: %w", e.market.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var fresh []string
	for _, e := range entries {
		res.Markets++
		res.Tokens += len(e.tokens)
		if e.market.Status == models.MarketStatusResolved {
			res.Resolved++
		}
		if e.market.Status != models.MarketStatusActive {
			continue
		}
		for _, tok := range e.tokens {
			if _, ok := seen[tok.ExternalID]; !ok {
				fresh = append(fresh, tok.ExternalID)
			}
		}
	}
	res.NewTokens += len(fresh)
	if len(fresh) > 0 {
		for _, fn := range s.onNew {
			fn(venue, fresh)
		}
	}
	return nil
}

func (s *Syncer) fromGamma(item polymarketgamma.Market) (entry, bool) {
	extID := strings.TrimSpace(item.ID)
	tokenIDs := polymarketgamma.ParseStringList(item.ClobTokenIDs)
	if extID == "" || len(tokenIDs) != 2 {
		return entry{}, false
	}
	outcomes := binaryOutcomes(polymarketgamma.ParseStringList(item.Outcomes))
	m := models.Market{
		Venue:      models.VenuePolymarket,
		ExternalID: extID,
		Title:      strings.TrimSpace(item.Question),
		Category:   item.CategoryName(),
		Slug:       item.Slug,
		Status:     models.MarketStatusActive,
		EndTime:    item.EndTime(),
		Volume24h:  item.Volume24hr,
		Liquidity:  item.LiquidityNum,
		RawJSON:    datatypes.JSON(item.Raw),
	}
	if item.Closed {
		m.Status = models.MarketStatusClosed
	}
	if w := item.Winner(); w >= 0 && w < 2 {
		s.markResolved(&m, outcomes[w], item.ClosedAt())
	}
	tokens := make([]models.Token, 0, 2)
	for i, id := range tokenIDs {
		tokens = append(tokens, models.Token{
			Outcome:    outcomes[i],
			Venue:      models.VenuePolymarket,
			ExternalID: strings.TrimSpace(id),
		})
	}
	return entry{market: m, tokens: tokens}, true
}

func (s *Syncer) fromKalshi(item kalshi.Market) (entry, bool) {
	ticker := strings.TrimSpace(item.Ticker)
	if ticker == "" {
		return entry{}, false
	}
	title := strings.TrimSpace(item.Title)
	if sub := strings.TrimSpace(item.Subtitle); sub != "" && !strings.Contains(title, sub) {
		title += " - " + sub
	}
	end := item.CloseTime
	if end == nil {
		end = item.ExpirationTS
	}
	m := models.Market{
		Venue:      models.VenueKalshi,
		ExternalID: ticker,
		Title:      title,
		Category:   item.Category,
		Slug:       item.EventTicker,
		Status:     kalshiStatus(item.Status),
		EndTime:    end,
		Volume24h:  decimal.NewFromInt(item.Volume24h),
		Liquidity:  kalshi.Cents(item.Liquidity),
		RawJSON:    datatypes.JSON(item.Raw),
	}
	if outcome := models.NormalizeOutcome(item.Result); outcome != "" {
		s.markResolved(&m, outcome, nil)
	}
	return entry{market: m, tokens: []models.Token{
		{Outcome: models.OutcomeYes, Venue: models.VenueKalshi, ExternalID: ticker},
		{Outcome: models.OutcomeNo, Venue: models.VenueKalshi, ExternalID: kalshi.NoTokenID(ticker)},
	}}, true
}

func (s *Syncer) markResolved(m *models.Market, outcome string, at *time.Time) {
	ts := s.clock.Now().UTC()
	if at != nil {
		ts = at.UTC()
	}
	m.Status = models.MarketStatusResolved
	m.ResolvedAt = &ts
	m.ResolutionOutcome = &outcome
}

// ResolveExpired looks up active markets whose end time has passed and
// records the venue's resolution once one is published.
func (s *Syncer) ResolveExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	status := models.MarketStatusActive
	asc := true
	resolved := 0
	for page := 0; page < s.maxPages; page++ {
		items, err := s.store.ListMarkets(ctx, repository.ListMarketsParams{
			Limit:   s.pageLimit,
			Offset:  page * s.pageLimit,
			Status:  &status,
			OrderBy: "end_time",
			Asc:     &asc,
		})
		if err != nil {
			return resolved, fmt.Errorf("list active markets: %w", err)
		}
		done := len(items) < s.pageLimit
		for _, m := range items {
			if m.EndTime == nil {
				continue
			}
			if m.EndTime.After(now) {
				done = true
				break
			}
			outcome, at, err := s.lookupResolution(ctx, m)
			if err != nil {
				s.logger.Debug("resolution lookup failed", zap.String("venue", m.Venue), zap.String("market", m.ExternalID), zap.Error(err))
				continue
			}
			if outcome == "" {
				continue
			}
			if at.IsZero() {
				at = now
			}
			if err := s.store.MarkMarketResolved(ctx, m.ID, outcome, at); err != nil {
				return resolved, fmt.Errorf("mark resolved %d: %w", m.ID, err)
			}
			resolved++
		}
		if done {
			break
		}
	}
	return resolved, nil
}

func (s *Syncer) lookupResolution(ctx context.Context, m models.Market) (string, time.Time, error) {
	switch m.Venue {
	case models.VenuePolymarket:
		if s.gamma == nil {
			return "", time.Time{}, nil
		}
		item, err := s.gamma.GetMarket(ctx, m.ExternalID)
		if err != nil {
			return "", time.Time{}, err
		}
		w := item.Winner()
		if w < 0 || w > 1 {
			return "", time.Time{}, nil
		}
		outcome := binaryOutcomes(polymarketgamma.ParseStringList(item.Outcomes))[w]
		if at := item.ClosedAt(); at != nil {
			return outcome, *at, nil
		}
		return outcome, time.Time{}, nil
	case models.VenueKalshi:
		if s.kalshi == nil {
			return "", time.Time{}, nil
		}
		item, err := s.kalshi.GetMarket(ctx, m.ExternalID)
		if err != nil {
			return "", time.Time{}, err
		}
		return models.NormalizeOutcome(item.Result), time.Time{}, nil
	default:
		return "", time.Time{}, nil
	}
}

// binaryOutcomes maps the two listed outcome labels onto YES/NO. Labels that
// are not a yes/no pair fall back to listing order.
func binaryOutcomes(labels []string) [2]string {
	if len(labels) == 2 {
		a, b := models.NormalizeOutcome(labels[0]), models.NormalizeOutcome(labels[1])
		if a != "" && b != "" && a != b {
			return [2]string{a, b}
		}
	}
	return [2]string{models.OutcomeYes, models.OutcomeNo}
}

func kalshiStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "open", "active", "initialized", "unopened":
		return models.MarketStatusActive
	default:
		return models.MarketStatusClosed
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeMaxPages(maxPages int) int {
	if maxPages <= 0 {
		return 10
	}
	return maxPages
}
