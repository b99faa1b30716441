package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type V2MoversHandler struct {
	Movers  repository.MoverRepository
	Catalog repository.CatalogRepository
}

func (h *V2MoversHandler) Register(r *gin.Engine) {
	r.GET("/api/v2/movers", h.list)
}

type moverItem struct {
	Rank       int             `json:"rank"`
	TokenID    uint64          `json:"token_id"`
	MarketID   uint64          `json:"market_id"`
	Venue      string          `json:"venue,omitempty"`
	Title      string          `json:"title,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	PriceNow   decimal.Decimal `json:"price_now"`
	PriceThen  decimal.Decimal `json:"price_then"`
	MovePP     float64         `json:"move_pp"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	ZScore     *float64        `json:"z_score,omitempty"`
	SpikeRatio *float64        `json:"spike_ratio,omitempty"`
	Score      float64         `json:"score"`
}

// @Summary Latest movers ranking
// @Description Rows of the newest snapshot for the window, best score first.
// @Tags analytics
// @Produce json
// @Param window query string false "5m, 15m, 1h or 24h" default(1h)
// @Param limit query int false "max rows" default(50)
// @Success 200 {object} map[string]any
// @Router /api/v2/movers [get]
func (h *V2MoversHandler) list(c *gin.Context) {
	if h.Movers == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	window, ok := parseWindow(c.Query("window"), models.Window1h)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid window", nil)
		return
	}
	limit := limitQuery(c, 50)
	ctx := c.Request.Context()

	meta := map[string]any{"window": models.WindowLabel(window), "window_seconds": window}
	asOf, err := h.Movers.LatestMoversAsOf(ctx, window)
	if err != nil {
		storeError(c, err, "movers")
		return
	}
	if asOf == nil {
		meta["as_of"] = nil
		Ok(c, []moverItem{}, meta)
		return
	}
	rows, err := h.Movers.ListMovers(ctx, window, *asOf, limit)
	if err != nil {
		storeError(c, err, "movers")
		return
	}
	items, err := h.describe(ctx, rows)
	if err != nil {
		storeError(c, err, "catalog")
		return
	}
	meta["as_of"] = asOf.UTC().Format(time.RFC3339)
	Ok(c, items, meta)
}

func (h *V2MoversHandler) describe(ctx context.Context, rows []models.Mover) ([]moverItem, error) {
	items := make([]moverItem, 0, len(rows))
	tokenIDs := make([]uint64, 0, len(rows))
	marketIDs := make([]uint64, 0, len(rows))
	for _, m := range rows {
		tokenIDs = append(tokenIDs, m.TokenID)
		marketIDs = append(marketIDs, m.MarketID)
	}
	tokens := map[uint64]models.Token{}
	markets := map[uint64]models.Market{}
	if h.Catalog != nil && len(rows) > 0 {
		ts, err := h.Catalog.ListTokensByIDs(ctx, tokenIDs)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			tokens[t.ID] = t
		}
		ms, err := h.Catalog.ListMarketsByIDs(ctx, marketIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			markets[m.ID] = m
		}
	}
	for _, m := range rows {
		items = append(items, moverItem{
			Rank:       m.Rank,
			TokenID:    m.TokenID,
			MarketID:   m.MarketID,
			Venue:      markets[m.MarketID].Venue,
			Title:      markets[m.MarketID].Title,
			Outcome:    tokens[m.TokenID].Outcome,
			PriceNow:   m.PriceNow,
			PriceThen:  m.PriceThen,
			MovePP:     m.MovePP,
			Volume24h:  m.Volume24h,
			ZScore:     m.ZScore,
			SpikeRatio: m.SpikeRatio,
			Score:      m.Score,
		})
	}
	return items, nil
}
