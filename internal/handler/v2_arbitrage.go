package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/arbitrage"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type PairMatcher interface {
	CreatePair(ctx context.Context, polyTokenID, altTokenID uint64, notes string) (*models.MarketPair, error)
	Suggest(ctx context.Context, limit int) ([]arbitrage.Suggestion, error)
}

type OpportunityExecutor interface {
	Execute(ctx context.Context, id uint64) error
}

type V2ArbitrageHandler struct {
	Repo     repository.ArbitrageRepository
	Matcher  PairMatcher
	Executor OpportunityExecutor
}

func (h *V2ArbitrageHandler) Register(r *gin.Engine) {
	arb := r.Group("/api/v2/arbitrage")
	arb.GET("", h.listOpportunities)
	arb.POST("/:id/execute", h.execute)

	pairs := r.Group("/api/v2/pairs")
	pairs.GET("", h.listPairs)
	pairs.POST("", h.createPair)
	pairs.GET("/suggestions", h.suggestions)
	pairs.DELETE("/:id", h.deletePair)
}

// @Summary Active arbitrage opportunities
// @Description Sorted by profit percentage, highest first.
// @Tags arbitrage
// @Produce json
// @Param limit query int false "max rows" default(50)
// @Success 200 {object} map[string]any
// @Router /api/v2/arbitrage [get]
func (h *V2ArbitrageHandler) listOpportunities(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListActiveOpportunities(c.Request.Context(), limitQuery(c, 50))
	if err != nil {
		storeError(c, err, "opportunities")
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// @Summary Mark an opportunity executed
// @Tags arbitrage
// @Produce json
// @Param id path int true "opportunity id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v2/arbitrage/{id}/execute [post]
func (h *V2ArbitrageHandler) execute(c *gin.Context) {
	if h.Executor == nil {
		Error(c, http.StatusInternalServerError, "arbitrage service unavailable", nil)
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	if err := h.Executor.Execute(c.Request.Context(), id); err != nil {
		storeError(c, err, "active opportunity")
		return
	}
	Ok(c, map[string]any{"id": id, "status": models.ArbStatusExecuted}, nil)
}

func (h *V2ArbitrageHandler) listPairs(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	activeOnly := true
	if v := boolQueryPtr(c, "active"); v != nil {
		activeOnly = *v
	}
	items, err := h.Repo.ListPairs(c.Request.Context(), activeOnly)
	if err != nil {
		storeError(c, err, "pairs")
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

type createPairRequest struct {
	PolyTokenID uint64 `json:"poly_token_id" binding:"required"`
	AltTokenID  uint64 `json:"alt_token_id" binding:"required"`
	Notes       string `json:"notes"`
}

// @Summary Link two YES tokens across venues
// @Tags arbitrage
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v2/pairs [post]
func (h *V2ArbitrageHandler) createPair(c *gin.Context) {
	if h.Matcher == nil {
		Error(c, http.StatusInternalServerError, "matcher unavailable", nil)
		return
	}
	var req createPairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	pair, err := h.Matcher.CreatePair(c.Request.Context(), req.PolyTokenID, req.AltTokenID, strings.TrimSpace(req.Notes))
	switch {
	case errors.Is(err, arbitrage.ErrInvalidPair):
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, repository.ErrPairConflict):
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	case err != nil:
		storeError(c, err, "pair")
		return
	}
	Ok(c, pair, nil)
}

func (h *V2ArbitrageHandler) deletePair(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	if err := h.Repo.DeactivatePair(c.Request.Context(), id); err != nil {
		storeError(c, err, "pair")
		return
	}
	Ok(c, map[string]any{"id": id, "active": false}, nil)
}

// @Summary Suggested pairs by title similarity
// @Tags arbitrage
// @Produce json
// @Param limit query int false "max suggestions" default(20)
// @Success 200 {object} map[string]any
// @Router /api/v2/pairs/suggestions [get]
func (h *V2ArbitrageHandler) suggestions(c *gin.Context) {
	if h.Matcher == nil {
		Error(c, http.StatusInternalServerError, "matcher unavailable", nil)
		return
	}
	items, err := h.Matcher.Suggest(c.Request.Context(), limitQuery(c, 20))
	if err != nil {
		storeError(c, err, "suggestions")
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}
