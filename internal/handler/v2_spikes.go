package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

type V2SpikesHandler struct {
	Repo  repository.SpikeRepository
	Clock clock.Clock
}

func (h *V2SpikesHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v2/spikes")
	g.GET("", h.list)
	g.POST("/:id/ack", h.ack)
}

var severities = map[string]bool{
	models.SeverityLow:     true,
	models.SeverityMedium:  true,
	models.SeverityHigh:    true,
	models.SeverityExtreme: true,
}

// @Summary List volume spikes
// @Tags alerts
// @Produce json
// @Param since query string false "RFC3339 time or lookback duration"
// @Param severity query string false "low, medium, high or extreme"
// @Success 200 {object} map[string]any
// @Router /api/v2/spikes [get]
func (h *V2SpikesHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	since, ok := timeQueryPtr(c, "since", clock.OrReal(h.Clock).Now().UTC())
	if !ok {
		Error(c, http.StatusBadRequest, "invalid since", nil)
		return
	}
	severity := strQueryPtr(c, "severity")
	if severity != nil && !severities[*severity] {
		Error(c, http.StatusBadRequest, "invalid severity", nil)
		return
	}
	limit := limitQuery(c, 50)
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	items, err := h.Repo.ListSpikes(c.Request.Context(), repository.ListSpikesParams{
		Limit:        limit,
		Offset:       offset,
		Since:        since,
		Severity:     severity,
		Acknowledged: boolQueryPtr(c, "acknowledged"),
	})
	if err != nil {
		storeError(c, err, "spikes")
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset})
}

func (h *V2SpikesHandler) ack(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	at := clock.OrReal(h.Clock).Now().UTC()
	if err := h.Repo.AcknowledgeSpike(c.Request.Context(), id, at); err != nil {
		storeError(c, err, "spike")
		return
	}
	Ok(c, map[string]any{"id": id, "acknowledged_at": at}, nil)
}
