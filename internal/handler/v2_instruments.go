package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/pricecache"
	"marketpulse/internal/repository"
)

type LatestPrices interface {
	Latest(ctx context.Context, tokenIDs []uint64) (map[uint64]pricecache.Point, error)
}

// StatsRefresher recomputes one token's volatility stats.
type StatsRefresher interface {
	Refresh(ctx context.Context, tokenID uint64) (*models.MarketStats, error)
}

type V2InstrumentsHandler struct {
	Catalog repository.CatalogRepository
	Candles repository.CandleRepository
	Stats   repository.StatsRepository
	Volumes repository.VolumeRepository
	Prices  LatestPrices
	// Refresh fills stats for tokens the last stats run has not covered yet.
	Refresh StatsRefresher
	Clock   clock.Clock
}

func (h *V2InstrumentsHandler) Register(r *gin.Engine) {
	r.GET("/api/v2/instruments/:id", h.get)
}

type instrumentDetail struct {
	Token   models.Token                 `json:"token"`
	Market  *models.Market               `json:"market,omitempty"`
	Latest  *pricecache.Point            `json:"latest,omitempty"`
	Stats   *models.MarketStats          `json:"stats,omitempty"`
	Windows []models.RollingVolumeWindow `json:"windows"`
	Candles []models.Candle              `json:"candles"`
}

// @Summary Instrument detail
// @Description Token and market, latest price, volatility stats (recomputed when missing), rolling volume windows and OHLC candles.
// @Tags analytics
// @Produce json
// @Param id path int true "token id"
// @Param granularity query string false "1m, 5m or 1h" default(1m)
// @Param limit query int false "max candles" default(120)
// @Param since query string false "RFC3339 time or lookback duration"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v2/instruments/{id} [get]
func (h *V2InstrumentsHandler) get(c *gin.Context) {
	if h.Catalog == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	granularity, ok := parseGranularity(c.Query("granularity"), models.Granularity1m)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid granularity", nil)
		return
	}
	since, ok := timeQueryPtr(c, "since", clock.OrReal(h.Clock).Now().UTC())
	if !ok {
		Error(c, http.StatusBadRequest, "invalid since", nil)
		return
	}
	limit := limitQuery(c, 120)
	ctx := c.Request.Context()

	token, err := h.Catalog.GetToken(ctx, id)
	if err != nil {
		storeError(c, err, "instrument")
		return
	}
	if token == nil {
		Error(c, http.StatusNotFound, "instrument not found", nil)
		return
	}
	out := instrumentDetail{Token: *token, Windows: []models.RollingVolumeWindow{}, Candles: []models.Candle{}}
	if out.Market, err = h.Catalog.GetMarket(ctx, token.MarketID); err != nil {
		storeError(c, err, "market")
		return
	}
	if h.Prices != nil {
		latest, err := h.Prices.Latest(ctx, []uint64{id})
		if err != nil {
			storeError(c, err, "prices")
			return
		}
		if p, ok := latest[id]; ok {
			out.Latest = &p
		}
	}
	if h.Stats != nil {
		stats, err := h.Stats.ListMarketStats(ctx, []uint64{id})
		if err != nil {
			storeError(c, err, "stats")
			return
		}
		if s, ok := stats[id]; ok {
			out.Stats = &s
		}
	}
	if out.Stats == nil && h.Refresh != nil {
		// Stats are optional in the detail; a failed recompute leaves them out.
		if s, err := h.Refresh.Refresh(ctx, id); err == nil {
			out.Stats = s
		}
	}
	if h.Volumes != nil {
		windows, err := h.Volumes.ListWindows(ctx, id)
		if err != nil {
			storeError(c, err, "volume windows")
			return
		}
		if windows != nil {
			out.Windows = windows
		}
	}
	if h.Candles != nil {
		var from time.Time
		if since != nil {
			from = *since
		}
		candles, err := h.Candles.ListCandles(ctx, id, granularity, from, limit)
		if err != nil {
			storeError(c, err, "candles")
			return
		}
		if candles != nil {
			out.Candles = candles
		}
	}
	Ok(c, out, map[string]any{"granularity": models.GranularityLabel(granularity)})
}
