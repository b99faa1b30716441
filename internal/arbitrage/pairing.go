package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

var ErrInvalidPair = errors.New("invalid pair")

// NormalizeTitle lowercases, drops punctuation and collapses whitespace.
func NormalizeTitle(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Similarity is 1 - distance/maxLen over normalized titles.
func Similarity(a, b string) float64 {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	return 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(maxLen)
}

type Suggestion struct {
	PolyMarket  models.Market `json:"poly_market"`
	AltMarket   models.Market `json:"alt_market"`
	PolyTokenID uint64        `json:"poly_token_id"`
	AltTokenID  uint64        `json:"alt_token_id"`
	Method      string        `json:"match_method"`
	Similarity  float64       `json:"similarity"`
}

type Matcher struct {
	repo          repository.ArbitrageRepository
	catalog       repository.CatalogRepository
	altVenue      string
	minSimilarity float64
	logger        *zap.Logger
}

func NewMatcher(repo repository.ArbitrageRepository, catalog repository.CatalogRepository, minSimilarity float64, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSimilarity <= 0 || minSimilarity > 1 {
		minSimilarity = 0.85
	}
	return &Matcher{
		repo:          repo,
		catalog:       catalog,
		altVenue:      models.VenueKalshi,
		minSimilarity: minSimilarity,
		logger:        logger,
	}
}

// CreatePair links two YES tokens manually.
func (m *Matcher) CreatePair(ctx context.Context, polyTokenID, altTokenID uint64, notes string) (*models.MarketPair, error) {
	tokens, err := m.catalog.ListTokensByIDs(ctx, []uint64{polyTokenID, altTokenID})
	if err != nil {
		return nil, err
	}
	var poly, alt *models.Token
	for i := range tokens {
		switch tokens[i].ID {
		case polyTokenID:
			poly = &tokens[i]
		case altTokenID:
			alt = &tokens[i]
		}
	}
	if poly == nil || alt == nil {
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidPair)
	}
	if poly.Venue != models.VenuePolymarket || alt.Venue == models.VenuePolymarket {
		return nil, fmt.Errorf("%w: need one polymarket token and one token from another venue", ErrInvalidPair)
	}
	if poly.Outcome != models.OutcomeYes || alt.Outcome != models.OutcomeYes {
		return nil, fmt.Errorf("%w: pairs link YES tokens", ErrInvalidPair)
	}
	pair := &models.MarketPair{
		PolyTokenID: polyTokenID,
		AltTokenID:  altTokenID,
		MatchMethod: models.MatchManual,
		Similarity:  1,
		Active:      true,
		Notes:       notes,
	}
	if err := m.repo.CreatePair(ctx, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// Suggest proposes pairs between active markets whose tokens are not yet
// paired, best match per Polymarket market, most similar first.
func (m *Matcher) Suggest(ctx context.Context, limit int) ([]Suggestion, error) {
	status := models.MarketStatusActive
	polyVenue := models.VenuePolymarket
	polyMarkets, err := m.catalog.ListMarkets(ctx, repository.ListMarketsParams{Venue: &polyVenue, Status: &status, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("polymarket markets: %w", err)
	}
	altMarkets, err := m.catalog.ListMarkets(ctx, repository.ListMarketsParams{Venue: &m.altVenue, Status: &status, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("%s markets: %w", m.altVenue, err)
	}
	if len(polyMarkets) == 0 || len(altMarkets) == 0 {
		return nil, nil
	}

	ids := make([]uint64, 0, len(polyMarkets)+len(altMarkets))
	for _, mk := range polyMarkets {
		ids = append(ids, mk.ID)
	}
	for _, mk := range altMarkets {
		ids = append(ids, mk.ID)
	}
	tokens, err := m.catalog.ListTokensByMarketIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	yesOf := map[uint64]uint64{}
	for _, t := range tokens {
		if t.Outcome == models.OutcomeYes {
			yesOf[t.MarketID] = t.ID
		}
	}
	pairs, err := m.repo.ListPairs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	taken := map[uint64]bool{}
	for _, p := range pairs {
		taken[p.PolyTokenID] = true
		taken[p.AltTokenID] = true
	}

	normAlt := make([]string, len(altMarkets))
	for i, mk := range altMarkets {
		normAlt[i] = NormalizeTitle(mk.Title)
	}

	var out []Suggestion
	for _, pm := range polyMarkets {
		polyYes, ok := yesOf[pm.ID]
		if !ok || taken[polyYes] {
			continue
		}
		np := NormalizeTitle(pm.Title)
		best := Suggestion{Similarity: -1}
		for i, am := range altMarkets {
			altYes, ok := yesOf[am.ID]
			if !ok || taken[altYes] {
				continue
			}
			sim := Similarity(np, normAlt[i])
			if sim < m.minSimilarity || sim <= best.Similarity {
				continue
			}
			method := models.MatchFuzzy
			if np == normAlt[i] {
				method = models.MatchExact
			}
			best = Suggestion{
				PolyMarket:  pm,
				AltMarket:   am,
				PolyTokenID: polyYes,
				AltTokenID:  altYes,
				Method:      method,
				Similarity:  sim,
			}
		}
		if best.Similarity >= 0 {
			out = append(out, best)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].PolyTokenID < out[j].PolyTokenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AutoPair creates pairs for exact title matches. Fuzzy matches are left
// for a person to confirm.
func (m *Matcher) AutoPair(ctx context.Context) (int, error) {
	suggestions, err := m.Suggest(ctx, 0)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, s := range suggestions {
		if s.Method != models.MatchExact {
			continue
		}
		pair := &models.MarketPair{
			PolyTokenID: s.PolyTokenID,
			AltTokenID:  s.AltTokenID,
			MatchMethod: models.MatchExact,
			Similarity:  1,
			Active:      true,
		}
		if err := m.repo.CreatePair(ctx, pair); err != nil {
			if errors.Is(err, repository.ErrPairConflict) {
				continue
			}
			return created, fmt.Errorf("create pair: %w", err)
		}
		created++
	}
	if created > 0 {
		m.logger.Info("exact pairs created", zap.Int("count", created))
	}
	return created, nil
}

func (m *Matcher) Run(ctx context.Context) error {
	_, err := m.AutoPair(ctx)
	return err
}
