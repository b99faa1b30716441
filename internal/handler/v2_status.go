package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/auth"
	"marketpulse/internal/clock"
	"marketpulse/internal/entitlement"
	"marketpulse/internal/metrics"
	"marketpulse/internal/repository"
	"marketpulse/internal/service"
)

const defaultStaleAfter = 5 * time.Minute

// V2StatusHandler serves the monitoring snapshot and entitlement counts.
// Live counters come from the metrics registry; the persisted venue_status
// rows are used when the process has no live registry.
type V2StatusHandler struct {
	Source      service.StatusSource
	Repo        repository.StatusRepository
	StaleAfter  time.Duration
	DefaultTier string
	Clock       clock.Clock
}

func (h *V2StatusHandler) Register(r *gin.Engine) {
	r.GET("/api/v2/status", h.status)
	r.GET("/api/v2/entitlements", h.entitlements)
}

type venueStatus struct {
	metrics.VenueSnapshot
	LastMessageAgeSeconds *float64 `json:"last_message_age_seconds,omitempty"`
	Stale                 bool     `json:"stale"`
}

func (h *V2StatusHandler) staleAfter() time.Duration {
	if h.StaleAfter > 0 {
		return h.StaleAfter
	}
	return defaultStaleAfter
}

// withAge derives the stale flag: a stopped venue, or one with no message
// within the stale window.
func (h *V2StatusHandler) withAge(snap metrics.VenueSnapshot, now time.Time) venueStatus {
	out := venueStatus{VenueSnapshot: snap}
	if snap.LastMessageAt == nil {
		out.Stale = true
		return out
	}
	age := now.Sub(*snap.LastMessageAt)
	if age < 0 {
		age = 0
	}
	secs := age.Seconds()
	out.LastMessageAgeSeconds = &secs
	out.Stale = snap.Mode == metrics.ModeStopped || age > h.staleAfter()
	return out
}

// @Summary Monitoring snapshot
// @Description Per venue connection state, message rate, last-message age, mode and stale flag.
// @Tags monitoring
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v2/status [get]
func (h *V2StatusHandler) status(c *gin.Context) {
	now := clock.OrReal(h.Clock).Now().UTC()
	var snaps []metrics.VenueSnapshot
	source := "live"
	switch {
	case h.Source != nil:
		snaps = h.Source.Snapshot()
	case h.Repo != nil:
		rows, err := h.Repo.ListVenueStatus(c.Request.Context())
		if err != nil {
			storeError(c, err, "status")
			return
		}
		source = "persisted"
		for _, row := range rows {
			snaps = append(snaps, metrics.VenueSnapshot{
				Venue:               row.Venue,
				Connected:           row.Connected,
				Mode:                row.Mode,
				LatencyMs:           row.LatencyMs,
				MessagesReceived:    row.MessagesReceived,
				MessagesMalformed:   row.MessagesMalformed,
				MessagesUnknown:     row.MessagesUnknown,
				MessageRate:         row.MessageRate,
				Reconnects:          row.Reconnects,
				ConsecutiveFailures: row.ConsecutiveFailures,
				SubscriptionCount:   row.SubscriptionCount,
				SubscriptionTarget:  row.SubscriptionTarget,
				TicksWritten:        row.TicksWritten,
				TicksSkipped:        row.TicksSkipped,
				LastError:           row.LastError,
				LastMessageAt:       row.LastMessageAt,
				ModeSince:           row.UpdatedAt,
			})
		}
	default:
		Error(c, http.StatusInternalServerError, "status source unavailable", nil)
		return
	}

	venues := make([]venueStatus, 0, len(snaps))
	anyStale := false
	for _, snap := range snaps {
		v := h.withAge(snap, now)
		anyStale = anyStale || v.Stale
		venues = append(venues, v)
	}
	Ok(c, venues, map[string]any{
		"as_of":  now,
		"stale":  anyStale,
		"source": source,
	})
}

type entitlementView struct {
	entitlement.Limits
	AlertsRemaining    *int `json:"alerts_remaining,omitempty"`
	WatchlistRemaining *int `json:"watchlist_remaining,omitempty"`
}

// @Summary Entitlement counts for a tier
// @Description Tier comes from the query, else from bearer token claims, else the configured default.
// @Tags monitoring
// @Produce json
// @Param tier query string false "free, pro or enterprise"
// @Param alerts_used query int false "alerts already configured"
// @Param watchlist_used query int false "watchlist entries already used"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/v2/entitlements [get]
func (h *V2StatusHandler) entitlements(c *gin.Context) {
	tier := c.Query("tier")
	source := "query"
	if tier == "" {
		source = "default"
		if claims, ok := auth.GinClaims(c); ok && claims.Tier != "" {
			tier = claims.Tier
			source = "token"
		}
	}
	limits, err := entitlement.For(tier, h.DefaultTier)
	if errors.Is(err, entitlement.ErrUnknownTier) {
		Error(c, http.StatusBadRequest, "unknown tier", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	out := entitlementView{Limits: limits}
	if used := intQueryPtr(c, "alerts_used"); used != nil {
		n := entitlement.Remaining(limits.Alerts, *used)
		out.AlertsRemaining = &n
	}
	if used := intQueryPtr(c, "watchlist_used"); used != nil {
		n := entitlement.Remaining(limits.Watchlist, *used)
		out.WatchlistRemaining = &n
	}
	Ok(c, out, map[string]any{"tier_source": source})
}
