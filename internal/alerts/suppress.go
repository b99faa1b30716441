package alerts

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

const cleanupChunk = 6 * time.Hour

// SettlementNoise returns the alerts raised at or after their market
// stopped trading.
func SettlementNoise(items []models.Alert, markets map[uint64]models.Market) []models.Alert {
	var out []models.Alert
	for _, a := range items {
		m, ok := markets[a.MarketID]
		if !ok {
			continue
		}
		if isSettlementNoise(a, m) {
			out = append(out, a)
		}
	}
	return out
}

func isSettlementNoise(a models.Alert, m models.Market) bool {
	if m.EndTime != nil && !a.CreatedAt.Before(*m.EndTime) {
		return true
	}
	if m.Status == models.MarketStatusActive {
		return false
	}
	settle := m.ResolvedAt
	if settle == nil {
		settle = m.EndTime
	}
	return settle != nil && !a.CreatedAt.Before(*settle)
}

type mirrorKey struct {
	marketID  uint64
	window    int
	alertType string
	minute    int64
}

// MirrorDuplicates returns the alerts to drop when both outcomes of one
// market alerted for the same window and type within the same minute. The
// larger absolute move survives, YES wins ties, then the newest.
func MirrorDuplicates(items []models.Alert) []models.Alert {
	groups := map[mirrorKey][]models.Alert{}
	var keys []mirrorKey
	for _, a := range items {
		k := mirrorKey{
			marketID:  a.MarketID,
			window:    a.WindowSeconds,
			alertType: a.AlertType,
			minute:    a.CreatedAt.UTC().Truncate(time.Minute).Unix(),
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], a)
	}

	var out []models.Alert
	for _, k := range keys {
		group := groups[k]
		var yes, no bool
		for _, a := range group {
			switch a.Outcome {
			case models.OutcomeYes:
				yes = true
			case models.OutcomeNo:
				no = true
			}
		}
		if !yes || !no {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			ai, aj := math.Abs(group[i].MovePP), math.Abs(group[j].MovePP)
			if ai != aj {
				return ai > aj
			}
			yi, yj := group[i].Outcome == models.OutcomeYes, group[j].Outcome == models.OutcomeYes
			if yi != yj {
				return yi
			}
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.After(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		out = append(out, group[1:]...)
	}
	return out
}

// Suppressor runs the settlement and mirror passes against stored alerts.
type Suppressor struct {
	catalog repository.CatalogRepository
	alerts  repository.AlertRepository
	archive bool
	logger  *zap.Logger
	clock   clock.Clock
}

func NewSuppressor(catalog repository.CatalogRepository, alerts repository.AlertRepository, archive bool, logger *zap.Logger, clk clock.Clock) *Suppressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suppressor{
		catalog: catalog,
		alerts:  alerts,
		archive: archive,
		logger:  logger,
		clock:   clock.OrReal(clk),
	}
}

// Result maps every suppressed alert id to its reason.
type Result map[string]string

func (r Result) Count(reason string) int {
	n := 0
	for _, v := range r {
		if v == reason {
			n++
		}
	}
	return n
}

// Apply suppresses alerts created in [from, to). Running it twice over the
// same range removes nothing the second time.
func (s *Suppressor) Apply(ctx context.Context, from, to time.Time, marketIDs []uint64) (Result, error) {
	items, err := s.alerts.ListAlertsBetween(ctx, from, to, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	result := Result{}
	if len(items) == 0 {
		return result, nil
	}

	ids := make([]uint64, 0, len(items))
	for _, a := range items {
		ids = append(ids, a.MarketID)
	}
	markets, err := s.catalog.ListMarketsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	byID := make(map[uint64]models.Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
	}

	now := s.clock.Now()
	var suppressed []models.SuppressedAlert
	for _, a := range SettlementNoise(items, byID) {
		result[a.ID] = models.SuppressedSettlement
		suppressed = append(suppressed, models.NewSuppressedAlert(a, models.SuppressedSettlement, now))
	}
	remaining := items[:0:0]
	for _, a := range items {
		if _, gone := result[a.ID]; !gone {
			remaining = append(remaining, a)
		}
	}
	for _, a := range MirrorDuplicates(remaining) {
		result[a.ID] = models.SuppressedMirror
		suppressed = append(suppressed, models.NewSuppressedAlert(a, models.SuppressedMirror, now))
	}
	if len(suppressed) == 0 {
		return result, nil
	}
	if err := s.alerts.SuppressAlerts(ctx, suppressed, s.archive); err != nil {
		return nil, fmt.Errorf("suppress alerts: %w", err)
	}
	s.logger.Info("alerts suppressed",
		zap.Int("settlement", result.Count(models.SuppressedSettlement)),
		zap.Int("mirror", result.Count(models.SuppressedMirror)),
	)
	return result, nil
}

// Cleanup runs both passes over every alert created since since, in
// minute-aligned chunks.
func (s *Suppressor) Cleanup(ctx context.Context, since time.Time) (Result, error) {
	now := s.clock.Now()
	total := Result{}
	for from := since.UTC().Truncate(time.Minute); from.Before(now); from = from.Add(cleanupChunk) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := from.Add(cleanupChunk)
		if to.After(now) {
			to = now.Truncate(time.Minute).Add(time.Minute)
		}
		res, err := s.Apply(ctx, from, to, nil)
		if err != nil {
			return total, err
		}
		for id, reason := range res {
			total[id] = reason
		}
	}
	return total, nil
}
