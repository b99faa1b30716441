package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type V2AlertsHandler struct {
	Repo  repository.AlertRepository
	Clock clock.Clock
}

func (h *V2AlertsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v2/alerts")
	g.GET("", h.list)
	g.POST("/:id/ack", h.ack)
}

var alertTypes = map[string]bool{
	models.AlertTypePriceMove:   true,
	models.AlertTypeVolumeSpike: true,
}

// @Summary List alerts
// @Tags alerts
// @Produce json
// @Param since query string false "RFC3339 time or lookback duration like 6h"
// @Param type query string false "price_move or volume_spike"
// @Param token_id query int false "token id"
// @Param acknowledged query bool false "filter on acknowledgement"
// @Param limit query int false "page size" default(50)
// @Param offset query int false "page offset" default(0)
// @Success 200 {object} map[string]any
// @Router /api/v2/alerts [get]
func (h *V2AlertsHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	since, ok := timeQueryPtr(c, "since", clock.OrReal(h.Clock).Now().UTC())
	if !ok {
		Error(c, http.StatusBadRequest, "invalid since", nil)
		return
	}
	alertType := strQueryPtr(c, "type")
	if alertType != nil && !alertTypes[*alertType] {
		Error(c, http.StatusBadRequest, "invalid type", nil)
		return
	}
	var tokenID *uint64
	if raw := strings.TrimSpace(c.Query("token_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid token_id", nil)
			return
		}
		tokenID = &id
	}
	limit := limitQuery(c, 50)
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	params := repository.ListAlertsParams{
		Limit:        limit,
		Offset:       offset,
		Since:        since,
		AlertType:    alertType,
		TokenID:      tokenID,
		Acknowledged: boolQueryPtr(c, "acknowledged"),
		OrderBy:      "created_at",
		Asc:          boolPtr(false),
	}
	items, err := h.Repo.ListAlerts(c.Request.Context(), params)
	if err != nil {
		storeError(c, err, "alerts")
		return
	}
	total, err := h.Repo.CountAlerts(c.Request.Context(), params)
	if err != nil {
		storeError(c, err, "alerts")
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Acknowledge an alert
// @Tags alerts
// @Produce json
// @Param id path string true "alert id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/v2/alerts/{id}/ack [post]
func (h *V2AlertsHandler) ack(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	at := clock.OrReal(h.Clock).Now().UTC()
	if err := h.Repo.AcknowledgeAlert(c.Request.Context(), id, at); err != nil {
		storeError(c, err, "alert")
		return
	}
	Ok(c, map[string]any{"id": id, "acknowledged_at": at}, nil)
}
