package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

// CatalogSyncer runs one catalog refresh for every configured venue.
type CatalogSyncer interface {
	Run(ctx context.Context) error
}

type CatalogHandler struct {
	Repo   repository.CatalogRepository
	Syncer CatalogSyncer
	Logger *zap.Logger
}

func (h *CatalogHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v2/catalog")
	group.POST("/sync", h.syncCatalog)
	group.GET("/markets", h.listMarkets)
}

// @Summary Run catalog sync
// @Tags catalog
// @Success 200 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/v2/catalog/sync [post]
func (h *CatalogHandler) syncCatalog(c *gin.Context) {
	if h.Syncer == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	if err := h.Syncer.Run(c.Request.Context()); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("catalog sync failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, "catalog sync failed", nil)
		return
	}
	Ok(c, map[string]any{"status": "synced"}, nil)
}

type marketView struct {
	models.Market
	Tokens []models.Token `json:"tokens"`
}

// @Summary List markets
// @Tags catalog
// @Param venue query string false "polymarket or kalshi"
// @Param status query string false "active, closed or resolved"
// @Param category query string false "category"
// @Param q query string false "title search"
// @Param order_by query string false "volume_24h, end_time or updated_at"
// @Param ascending query bool false "ascending"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v2/catalog/markets [get]
func (h *CatalogHandler) listMarkets(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := limitQuery(c, 50)
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	asc := boolQueryPtr(c, "ascending")
	if asc == nil {
		asc = boolPtr(false)
	}
	params := repository.ListMarketsParams{
		Limit:    limit,
		Offset:   offset,
		Venue:    strQueryPtr(c, "venue"),
		Status:   strQueryPtr(c, "status"),
		Category: strQueryPtr(c, "category"),
		Search:   strQueryPtr(c, "q"),
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"volume":     "volume_24h",
			"volume_24h": "volume_24h",
			"end_time":   "end_time",
			"updated_at": "updated_at",
		}),
		Asc: asc,
	}
	markets, err := h.Repo.ListMarkets(c.Request.Context(), params)
	if err != nil {
		storeError(c, err, "markets")
		return
	}
	ids := make([]uint64, 0, len(markets))
	for _, m := range markets {
		ids = append(ids, m.ID)
	}
	byMarket := map[uint64][]models.Token{}
	if len(ids) > 0 {
		tokens, err := h.Repo.ListTokensByMarketIDs(c.Request.Context(), ids)
		if err != nil {
			storeError(c, err, "tokens")
			return
		}
		for _, t := range tokens {
			byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
		}
	}
	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		m.RawJSON = nil
		toks := byMarket[m.ID]
		if toks == nil {
			toks = []models.Token{}
		}
		out = append(out, marketView{Market: m, Tokens: toks})
	}
	Ok(c, out, map[string]any{"limit": limit, "offset": offset})
}

func parseOrder(value string, allow map[string]string) string {
	key := strings.TrimSpace(strings.ToLower(value))
	if key == "" {
		return ""
	}
	if mapped, ok := allow[key]; ok {
		return mapped
	}
	return ""
}
