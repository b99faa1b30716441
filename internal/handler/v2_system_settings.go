package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/repository"
	"marketpulse/internal/service"
)

// V2SystemSettingsHandler exposes raw settings and the per-stage feature
// switches the cron jobs consult.
type V2SystemSettingsHandler struct {
	Repo     repository.SettingsRepository
	Settings *service.SystemSettingsService
}

func (h *V2SystemSettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v2/system-settings")
	g.GET("", h.list)
	g.GET("/switches", h.listSwitches)
	g.GET("/switches/:name", h.getSwitch)
	g.PUT("/switches/:name", h.putSwitch)
	g.GET("/:key", h.get)
}

func (h *V2SystemSettingsHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListSystemSettings(c.Request.Context())
	if err != nil {
		storeError(c, err, "settings")
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

func (h *V2SystemSettingsHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		Error(c, http.StatusBadRequest, "invalid key", nil)
		return
	}
	item, err := h.Repo.GetSystemSettingByKey(c.Request.Context(), key)
	if err != nil {
		storeError(c, err, "setting")
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "setting not found", nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary List feature switches
// @Tags settings
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v2/system-settings/switches [get]
func (h *V2SystemSettingsHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	items, err := h.Settings.ListSwitches(c.Request.Context())
	if err != nil {
		storeError(c, err, "settings")
		return
	}
	Ok(c, items, nil)
}

func switchKey(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	key := "feature." + name
	if _, ok := service.DefaultFeatureSwitches()[key]; !ok {
		return "", false
	}
	return key, true
}

func (h *V2SystemSettingsHandler) getSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key, ok := switchKey(name)
	if !ok {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	enabled := h.Settings.IsEnabled(c.Request.Context(), key, service.DefaultFeatureSwitches()[key])
	Ok(c, map[string]any{
		"name":    name,
		"key":     key,
		"enabled": enabled,
	}, nil)
}

type putSwitchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// @Summary Enable or disable a pipeline stage
// @Tags settings
// @Accept json
// @Produce json
// @Param name path string true "switch name, e.g. movers"
// @Success 200 {object} map[string]any
// @Router /api/v2/system-settings/switches/{name} [put]
func (h *V2SystemSettingsHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key, ok := switchKey(name)
	if !ok {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, *req.Enabled); err != nil {
		storeError(c, err, "settings")
		return
	}
	Ok(c, map[string]any{
		"name":    name,
		"key":     key,
		"enabled": *req.Enabled,
	}, nil)
}
