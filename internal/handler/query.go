package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/models"
)

const maxLimit = 500

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func intQueryPtr(c *gin.Context, key string) *int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return &i
		}
	}
	return nil
}

// limitQuery clamps the limit parameter to [1, maxLimit].
func limitQuery(c *gin.Context, def int) int {
	limit := intQuery(c, "limit", def)
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

// timeQueryPtr accepts RFC3339 or a duration back from now ("2h").
func timeQueryPtr(c *gin.Context, key string, now time.Time) (*time.Time, bool) {
	val := strings.TrimSpace(c.Query(key))
	if val == "" {
		return nil, true
	}
	if ts, err := time.Parse(time.RFC3339, val); err == nil {
		ts = ts.UTC()
		return &ts, true
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		ts := now.Add(-d)
		return &ts, true
	}
	return nil, false
}

func idParam(c *gin.Context, key string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param(key)), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// parseWindow maps "5m", "15m", "1h", "24h" or a second count onto one of
// the rolling window lengths.
func parseWindow(value string, def int) (int, bool) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def, true
	}
	seconds := 0
	if n, err := strconv.Atoi(value); err == nil {
		seconds = n
	} else if d, err := time.ParseDuration(value); err == nil {
		seconds = int(d / time.Second)
	}
	for _, w := range models.VolumeWindows {
		if w == seconds {
			return w, true
		}
	}
	return 0, false
}

func parseGranularity(value string, def int) (int, bool) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def, true
	}
	for _, g := range models.Granularities {
		if models.GranularityLabel(g) == value || strconv.Itoa(g) == value {
			return g, true
		}
	}
	return 0, false
}

func paginationMeta(limit, offset int, total int64) map[string]any {
	if limit <= 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	hasNext := int64(offset+limit) < total
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"total":    total,
		"has_next": hasNext,
	}
}

func boolPtr(v bool) *bool { return &v }
